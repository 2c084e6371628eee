// Package gatekeeper implements the Response Gatekeeper (§4.H): the
// "proxy-only" policy that decides whether a response is even a
// candidate for HTML rewriting, and the narrower "compute-aborted"
// checks that can still suppress event derivation on a candidate page.
package gatekeeper

import (
	"net/http"
	"strings"

	"github.com/edgehop/proxy/internal/cacheable"
)

// ProxyOnlyReason names why a response was left untouched. The string
// value is embedded verbatim in the x-edgee response header.
type ProxyOnlyReason string

// Reason values share the single "compute-aborted(<reason>)" tag
// namespace with ComputeAbortReason (spec scenario: a cacheable HTML
// response reports x-edgee: compute-aborted(cacheable)), even though
// these gates skip HTML rewriting entirely rather than merely skipping
// event derivation.
const (
	ReasonNone            ProxyOnlyReason = ""
	ReasonGlobalProxyOnly ProxyOnlyReason = "compute-aborted(proxy-only)"
	ReasonMethod          ProxyOnlyReason = "compute-aborted(method)"
	ReasonStatus          ProxyOnlyReason = "compute-aborted(status)"
	ReasonContentType     ProxyOnlyReason = "compute-aborted(content-type)"
	ReasonEmptyBody       ProxyOnlyReason = "compute-aborted(empty-body)"
	ReasonCacheable       ProxyOnlyReason = "compute-aborted(cacheable)"
)

// ComputeAbortReason names why event derivation was skipped even though
// HTML rewriting proceeded.
type ComputeAbortReason string

const (
	AbortNone             ComputeAbortReason = ""
	AbortDisabled         ComputeAbortReason = "compute-aborted(disabled)"
	AbortPrefetch         ComputeAbortReason = "compute-aborted(prefetch)"
	AbortSecFetchDest     ComputeAbortReason = "compute-aborted(sec-fetch-dest)"
	AbortNoIdentityCookie ComputeAbortReason = "compute-aborted(no-cookie)"
)

var nonImagelikeSecFetchDests = map[string]bool{
	"audio": true, "font": true, "image": true, "manifest": true,
	"script": true, "style": true, "video": true, "empty": true,
}

// ProxyOnlyInput bundles what CheckProxyOnly needs to decide.
type ProxyOnlyInput struct {
	GlobalProxyOnly      bool
	Method               string
	StatusCode           int
	ContentType          string
	BodyEmpty            bool
	ResponseHeaders      http.Header
	HasSharedCacheBefore bool
	EnforceNoStorePolicy bool
}

// CheckProxyOnly implements the §4.H proxy-only gate.
func CheckProxyOnly(in ProxyOnlyInput) ProxyOnlyReason {
	if in.GlobalProxyOnly {
		return ReasonGlobalProxyOnly
	}
	switch strings.ToUpper(in.Method) {
	case http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodConnect:
		return ReasonMethod
	}
	s := in.StatusCode
	is1xx := s >= 100 && s < 200
	is3xx := s >= 300 && s < 400
	is4xxExcept404 := s >= 400 && s < 500 && s != 404
	if is1xx || is3xx || is4xxExcept404 {
		return ReasonStatus
	}
	if in.ContentType == "" || !strings.HasPrefix(in.ContentType, "text/html") {
		return ReasonContentType
	}
	if in.BodyEmpty {
		return ReasonEmptyBody
	}
	if !in.EnforceNoStorePolicy {
		decision := cacheable.Evaluate(in.ResponseHeaders, in.HasSharedCacheBefore)
		if decision.Cacheable() {
			return ReasonCacheable
		}
	}
	return ReasonNone
}

// ComputeAbortInput bundles what CheckComputeAbort needs to decide.
type ComputeAbortInput struct {
	RawQuery         string
	Purpose          string
	SecPurpose       string
	SecFetchDest     string
	HasIdentityCookie bool
}

// CheckComputeAbort implements the narrower abort checks that run even
// after the proxy-only gate has let a response through.
func CheckComputeAbort(in ComputeAbortInput) ComputeAbortReason {
	if strings.Contains(in.RawQuery, "disableEdgeDataCollection") {
		return AbortDisabled
	}
	if strings.EqualFold(in.Purpose, "prefetch") || strings.Contains(strings.ToLower(in.SecPurpose), "prefetch") {
		return AbortPrefetch
	}
	if nonImagelikeSecFetchDests[strings.ToLower(in.SecFetchDest)] {
		return AbortSecFetchDest
	}
	if !in.HasIdentityCookie {
		return AbortNoIdentityCookie
	}
	return AbortNone
}

// EnforceNoStorePolicy rewrites h in place per §4.H: when compute will
// happen and the policy is enabled, force a private/no-store response
// and drop validators that would let a cache resurrect the old body.
func EnforceNoStorePolicy(h http.Header) {
	h.Set("Cache-Control", "private, no-store")
	h.Del("Expires")
	h.Del("ETag")
	h.Del("Last-Modified")
}
