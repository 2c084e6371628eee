// Package htmlscan does a single tolerant pass over an HTML response body
// to locate the SDK marker script, the data-layer script, and a handful of
// head metadata tags. It never builds a DOM: malformed or partial markup
// simply yields empty fields rather than an error.
package htmlscan

import (
	"strings"

	"golang.org/x/net/html"
)

const (
	sdkMarkerID       = "__EDGEE_SDK__"
	dataLayerMarkerID = "__EDGEE_DATA_LAYER__"
)

// Result holds everything the scanner was able to extract. Any field may
// be empty if the tag was absent, malformed, or commented out.
type Result struct {
	SDKFullTag string
	SDKSrc     string
	DataLayer  string
	Title      string
	Canonical  string
	Keywords   string
}

// HasSDKMarker reports whether the page is a compute candidate at all.
func (r Result) HasSDKMarker() bool { return r.SDKFullTag != "" }

// Scan walks body with the x/net/html tokenizer, recording only what
// happens inside <script>, <title>, <meta>, and <link> tags, and
// short-circuiting once every field is resolved or </head> is reached.
func Scan(body string) Result {
	var res Result
	titleSeen, canonicalSeen, keywordsSeen, dataLayerSeen := false, false, false, false

	z := html.NewTokenizer(strings.NewReader(body))
	var inTitle bool
	var titleBuf strings.Builder

	var inDataLayer bool
	var dataLayerBuf strings.Builder

	done := func() bool {
		return res.SDKFullTag != "" &&
			titleSeen && canonicalSeen && keywordsSeen && dataLayerSeen
	}

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return res
		case html.StartTagToken, html.SelfClosingTagToken:
			raw := string(z.Raw())
			name, attrs := parseTagName(z)
			switch name {
			case "script":
				id := attrs["id"]
				switch id {
				case sdkMarkerID:
					res.SDKFullTag = raw
					res.SDKSrc = attrs["src"]
				case dataLayerMarkerID:
					if tt == html.SelfClosingTagToken {
						dataLayerSeen = true
					} else {
						inDataLayer = true
						dataLayerBuf.Reset()
					}
				}
			case "title":
				if tt != html.SelfClosingTagToken {
					inTitle = true
					titleBuf.Reset()
				}
			case "link":
				if strings.EqualFold(attrs["rel"], "canonical") && res.Canonical == "" {
					res.Canonical = attrs["href"]
					canonicalSeen = true
				}
			case "meta":
				if strings.EqualFold(attrs["name"], "keywords") && res.Keywords == "" {
					res.Keywords = attrs["content"]
					keywordsSeen = true
				}
			}
		case html.TextToken:
			if inTitle {
				titleBuf.Write(z.Text())
			}
			if inDataLayer {
				dataLayerBuf.Write(z.Text())
			}
		case html.EndTagToken:
			name := parseEndTagName(z)
			switch name {
			case "title":
				if inTitle {
					res.Title = titleBuf.String()
					inTitle = false
					titleSeen = true
				}
			case "script":
				if inDataLayer {
					res.DataLayer = dataLayerBuf.String()
					inDataLayer = false
					dataLayerSeen = true
				}
			case "head":
				// Short-circuit: whatever we have is final for head-scoped fields.
				return res
			}
		case html.CommentToken:
			// Explicitly skipped: comments never contribute to any field.
		}

		if done() {
			return res
		}
	}
}

func parseTagName(z *html.Tokenizer) (string, map[string]string) {
	nameBytes, hasAttr := z.TagName()
	name := string(nameBytes)
	attrs := map[string]string{}
	if hasAttr {
		for {
			k, v, more := z.TagAttr()
			attrs[string(k)] = string(v)
			if !more {
				break
			}
		}
	}
	return name, attrs
}

func parseEndTagName(z *html.Tokenizer) string {
	nameBytes, _ := z.TagName()
	return string(nameBytes)
}
