package htmlscan

import "testing"

func TestScanFullPage(t *testing.T) {
	body := `<html><head>
<title>My Page</title>
<link rel="canonical" href="https://example.com/canonical">
<meta name="keywords" content="foo,bar">
<script id="__EDGEE_SDK__" src="/_edgee/sdk.js"></script>
<script id="__EDGEE_DATA_LAYER__">{"context":{}}</script>
</head><body></body></html>`

	r := Scan(body)
	if !r.HasSDKMarker() {
		t.Fatal("expected SDK marker")
	}
	if r.SDKSrc != "/_edgee/sdk.js" {
		t.Errorf("SDKSrc = %q", r.SDKSrc)
	}
	if r.Title != "My Page" {
		t.Errorf("Title = %q", r.Title)
	}
	if r.Canonical != "https://example.com/canonical" {
		t.Errorf("Canonical = %q", r.Canonical)
	}
	if r.Keywords != "foo,bar" {
		t.Errorf("Keywords = %q", r.Keywords)
	}
	if r.DataLayer != `{"context":{}}` {
		t.Errorf("DataLayer = %q", r.DataLayer)
	}
}

func TestScanMissingMarkersYieldsEmpty(t *testing.T) {
	body := `<html><head><title>No SDK here</title></head><body></body></html>`
	r := Scan(body)
	if r.HasSDKMarker() {
		t.Error("expected no SDK marker")
	}
	if r.Title != "No SDK here" {
		t.Errorf("Title = %q", r.Title)
	}
}

func TestScanCommentedOutMarkerIsIgnored(t *testing.T) {
	body := `<html><head>
<!-- <script id="__EDGEE_SDK__" src="/_edgee/sdk.js"></script> -->
<title>Commented</title>
</head></html>`
	r := Scan(body)
	if r.HasSDKMarker() {
		t.Error("expected commented-out marker to be ignored")
	}
}

func TestScanSelfClosedSDKTag(t *testing.T) {
	body := `<html><head><script id="__EDGEE_SDK__" src="/_edgee/sdk.js" /></head></html>`
	r := Scan(body)
	if !r.HasSDKMarker() {
		t.Fatal("expected SDK marker for self-closed tag")
	}
	if r.SDKSrc != "/_edgee/sdk.js" {
		t.Errorf("SDKSrc = %q", r.SDKSrc)
	}
}

func TestScanMalformedHTMLTolerant(t *testing.T) {
	// No closing </head>, </body>, or </html> at all; the scanner must
	// still find the SDK tag and return cleanly at EOF instead of erroring.
	body := `<html><head><title>Truncated page</title><script id="__EDGEE_SDK__" src="x.js"></script>`
	r := Scan(body)
	if !r.HasSDKMarker() {
		t.Error("expected scanner to tolerate malformed markup and still find SDK marker")
	}
	if r.Title != "Truncated page" {
		t.Errorf("Title = %q", r.Title)
	}
}
