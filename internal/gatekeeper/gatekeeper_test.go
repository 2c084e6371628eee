package gatekeeper

import (
	"net/http"
	"testing"
)

func TestCheckProxyOnlyGlobalConfig(t *testing.T) {
	got := CheckProxyOnly(ProxyOnlyInput{GlobalProxyOnly: true})
	if got != ReasonGlobalProxyOnly {
		t.Errorf("got %v", got)
	}
}

func TestCheckProxyOnlyMethod(t *testing.T) {
	got := CheckProxyOnly(ProxyOnlyInput{Method: http.MethodHead, ContentType: "text/html"})
	if got != ReasonMethod {
		t.Errorf("got %v", got)
	}
}

func TestCheckProxyOnlyStatus3xx(t *testing.T) {
	got := CheckProxyOnly(ProxyOnlyInput{Method: http.MethodGet, StatusCode: 302, ContentType: "text/html"})
	if got != ReasonStatus {
		t.Errorf("got %v", got)
	}
}

func TestCheckProxyOnly404IsException(t *testing.T) {
	got := CheckProxyOnly(ProxyOnlyInput{Method: http.MethodGet, StatusCode: 404, ContentType: "text/html", ResponseHeaders: http.Header{}})
	if got != ReasonNone {
		t.Errorf("got %v, want 404 to be treated as a compute candidate", got)
	}
}

func TestCheckProxyOnly4xxOtherThan404Blocked(t *testing.T) {
	got := CheckProxyOnly(ProxyOnlyInput{Method: http.MethodGet, StatusCode: 403, ContentType: "text/html"})
	if got != ReasonStatus {
		t.Errorf("got %v", got)
	}
}

func TestCheckProxyOnlyMissingContentType(t *testing.T) {
	got := CheckProxyOnly(ProxyOnlyInput{Method: http.MethodGet, StatusCode: 200})
	if got != ReasonContentType {
		t.Errorf("got %v", got)
	}
}

func TestCheckProxyOnlyNonHTMLContentType(t *testing.T) {
	got := CheckProxyOnly(ProxyOnlyInput{Method: http.MethodGet, StatusCode: 200, ContentType: "application/json"})
	if got != ReasonContentType {
		t.Errorf("got %v", got)
	}
}

func TestCheckProxyOnlyEmptyBody(t *testing.T) {
	got := CheckProxyOnly(ProxyOnlyInput{Method: http.MethodGet, StatusCode: 200, ContentType: "text/html", BodyEmpty: true})
	if got != ReasonEmptyBody {
		t.Errorf("got %v", got)
	}
}

func TestCheckProxyOnlyCacheable(t *testing.T) {
	h := http.Header{}
	h.Set("Cache-Control", "max-age=600")
	got := CheckProxyOnly(ProxyOnlyInput{Method: http.MethodGet, StatusCode: 200, ContentType: "text/html", ResponseHeaders: h})
	if got != ReasonCacheable {
		t.Errorf("got %v", got)
	}
}

func TestCheckProxyOnlyEnforceNoStoreBypassesCacheCheck(t *testing.T) {
	h := http.Header{}
	h.Set("Cache-Control", "max-age=600")
	got := CheckProxyOnly(ProxyOnlyInput{Method: http.MethodGet, StatusCode: 200, ContentType: "text/html", ResponseHeaders: h, EnforceNoStorePolicy: true})
	if got != ReasonNone {
		t.Errorf("got %v, want no reason when no-store policy is enforced", got)
	}
}

func TestCheckProxyOnlyPassesThrough(t *testing.T) {
	h := http.Header{}
	got := CheckProxyOnly(ProxyOnlyInput{Method: http.MethodGet, StatusCode: 200, ContentType: "text/html; charset=utf-8", ResponseHeaders: h})
	if got != ReasonNone {
		t.Errorf("got %v", got)
	}
}

func TestCheckComputeAbortDisabledQueryParam(t *testing.T) {
	got := CheckComputeAbort(ComputeAbortInput{RawQuery: "disableEdgeDataCollection=1", HasIdentityCookie: true})
	if got != AbortDisabled {
		t.Errorf("got %v", got)
	}
}

func TestCheckComputeAbortPrefetchPurpose(t *testing.T) {
	got := CheckComputeAbort(ComputeAbortInput{Purpose: "prefetch", HasIdentityCookie: true})
	if got != AbortPrefetch {
		t.Errorf("got %v", got)
	}
}

func TestCheckComputeAbortSecPurpose(t *testing.T) {
	got := CheckComputeAbort(ComputeAbortInput{SecPurpose: "prefetch;anonymous-client-ip", HasIdentityCookie: true})
	if got != AbortPrefetch {
		t.Errorf("got %v", got)
	}
}

func TestCheckComputeAbortSecFetchDest(t *testing.T) {
	got := CheckComputeAbort(ComputeAbortInput{SecFetchDest: "image", HasIdentityCookie: true})
	if got != AbortSecFetchDest {
		t.Errorf("got %v", got)
	}
}

func TestCheckComputeAbortNoIdentityCookie(t *testing.T) {
	got := CheckComputeAbort(ComputeAbortInput{HasIdentityCookie: false})
	if got != AbortNoIdentityCookie {
		t.Errorf("got %v", got)
	}
}

func TestCheckComputeAbortNone(t *testing.T) {
	got := CheckComputeAbort(ComputeAbortInput{HasIdentityCookie: true, SecFetchDest: "document"})
	if got != AbortNone {
		t.Errorf("got %v", got)
	}
}

func TestEnforceNoStorePolicy(t *testing.T) {
	h := http.Header{}
	h.Set("Cache-Control", "max-age=600")
	h.Set("Expires", "Wed, 21 Oct 2026 07:28:00 GMT")
	h.Set("ETag", `"v1"`)
	h.Set("Last-Modified", "Wed, 21 Oct 2026 07:00:00 GMT")

	EnforceNoStorePolicy(h)

	if h.Get("Cache-Control") != "private, no-store" {
		t.Errorf("Cache-Control = %q", h.Get("Cache-Control"))
	}
	if h.Get("Expires") != "" || h.Get("ETag") != "" || h.Get("Last-Modified") != "" {
		t.Error("expected validators to be removed")
	}
}
