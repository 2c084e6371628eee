// Package cacheable implements the Cacheability Oracle (§4.I): given a
// response's cache-control headers, decide whether a browser, a shared
// cache, or neither may retain the response.
package cacheable

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

var maxAgeRe = regexp.MustCompile(`(?i)(?:^|[,\s])max-age\s*=\s*"?(-?\d+)"?`)
var sMaxAgeRe = regexp.MustCompile(`(?i)(?:^|[,\s])s-maxage\s*=\s*"?(-?\d+)"?`)

// Decision is the outcome of evaluating a response's headers. Browser
// and Shared are the two independent header-derived verdicts; Combined
// folds in whether a shared cache actually sits in front of this proxy.
type Decision struct {
	Browser  bool
	Shared   bool
	Combined bool
}

// Cacheable reports whether the response is considered cacheable for
// the purposes of §4.H's proxy-only gate.
func (d Decision) Cacheable() bool { return d.Combined }

// Evaluate implements §4.I. hasSharedCacheBefore indicates whether a
// shared/CDN cache sits in front of this proxy for the current request.
func Evaluate(h http.Header, hasSharedCacheBefore bool) Decision {
	cc := h.Get("Cache-Control")
	sc := h.Get("Surrogate-Control")

	browser := evalBrowser(cc, h)
	shared := evalShared(cc, sc)

	combined := browser
	if hasSharedCacheBefore {
		combined = shared || browser
	}
	return Decision{Browser: browser, Shared: shared, Combined: combined}
}

func evalBrowser(cc string, h http.Header) bool {
	if hasDirective(cc, "no-store") {
		return false
	}
	if hasDirective(cc, "no-cache") || hasDirective(cc, "must-revalidate") {
		return true
	}
	if h.Get("ETag") != "" || h.Get("Last-Modified") != "" || h.Get("Expires") != "" {
		return true
	}
	if ma, ok := maxAge(cc); ok && ma > 0 {
		return true
	}
	return false
}

func evalShared(cc, sc string) bool {
	if sc != "" {
		if hasDirective(sc, "no-store") {
			return false
		}
		ma, maOK := maxAge(sc)
		sma, smaOK := sMaxAge(sc)
		return (maOK && ma > 0) || (smaOK && sma > 0)
	}

	if hasDirective(cc, "no-store") {
		return false
	}
	ma, maOK := maxAge(cc)
	sma, smaOK := sMaxAge(cc)
	if maOK && ma > 0 && !hasDirective(cc, "private") {
		return true
	}
	if smaOK && sma > 0 {
		return true
	}
	return false
}

func hasDirective(header, name string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return true
		}
	}
	return false
}

func maxAge(header string) (int, bool) {
	m := maxAgeRe.FindStringSubmatch(header)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func sMaxAge(header string) (int, bool) {
	m := sMaxAgeRe.FindStringSubmatch(header)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
