// Package compute implements the Compute Orchestrator (§4.J): the
// driver that, for HTML responses admitted by the gatekeeper, injects
// the SDK tag if missing, scans the page, canonicalizes events, rewrites
// the SDK tag for the client, and stamps timing/debug headers.
package compute

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edgehop/proxy/internal/canon"
	"github.com/edgehop/proxy/internal/cookie"
	"github.com/edgehop/proxy/internal/event"
	"github.com/edgehop/proxy/internal/gatekeeper"
	"github.com/edgehop/proxy/internal/htmlscan"
)

// SDKInjection controls step 1's optional tag injection for pages that
// don't already embed the SDK marker.
type SDKInjection struct {
	Enabled  bool
	Tag      string // the literal <script id="__EDGEE_SDK__" ...></script> markup
	Prepend  bool   // true: insert right after <head>; false: right before </head>
}

// Options configures one orchestrator instance, built once at startup.
type Options struct {
	SDKInjection SDKInjection
	InlineSDK    []byte // non-nil when the SDK bytes should be inlined rather than linked remotely
	SDKSrc       string // the remote src= to use when InlineSDK is nil
	Debug        bool
}

// Request bundles the per-request inputs the orchestrator needs beyond
// the raw HTML body.
type Request struct {
	Method     string
	Path       string
	RawQuery   string
	Headers    http.Header
	HTTPReq    *http.Request
	Identity   cookie.Identity
	User       *cookie.User
	From       event.From
	RequestURL string
}

// Outcome is what Run hands back: the (possibly rewritten) body, the
// derived events, the user cookie to persist if any, and the headers to
// set on the response.
type Outcome struct {
	Body           string
	Events         []*event.Event
	UserCookie     *cookie.User
	XEdgee         string
	ComputeAborted gatekeeper.ComputeAbortReason
	ExtraHeaders   http.Header
}

// Run drives steps 1-5 of §4.J. now is the logical timestamp events are
// stamped with; wall-clock elapsed time for the duration headers is
// measured independently so tests can pass a fixed now without
// affecting the reported duration.
func Run(opts Options, req Request, body string, hasIdentityCookie bool, now time.Time) (Outcome, error) {
	wallStart := time.Now()

	body = maybeInjectSDK(opts, body)

	scan := htmlscan.Scan(body)
	if !scan.HasSDKMarker() {
		return Outcome{
			Body:         body,
			XEdgee:       "compute-aborted(no-sdk)",
			ExtraHeaders: http.Header{},
		}, nil
	}

	abortReason := gatekeeper.CheckComputeAbort(gatekeeper.ComputeAbortInput{
		RawQuery:          req.RawQuery,
		Purpose:           req.Headers.Get("Purpose"),
		SecPurpose:        req.Headers.Get("Sec-Purpose"),
		SecFetchDest:      req.Headers.Get("Sec-Fetch-Dest"),
		HasIdentityCookie: hasIdentityCookie,
	})

	out := Outcome{ExtraHeaders: http.Header{}}

	if abortReason != gatekeeper.AbortNone {
		rewritten := rewriteSDKTag(body, scan, opts, "c")
		out.Body = rewritten
		out.XEdgee = string(abortReason)
		out.ComputeAborted = abortReason
		setDurationHeaders(out.ExtraHeaders, opts, wallStart)
		return out, nil
	}

	canonIn := canon.Input{
		RawBody:    []byte(scan.DataLayer),
		IsHTML:     true,
		Method:     req.Method,
		Path:       req.Path,
		RawQuery:   req.RawQuery,
		Headers:    req.Headers,
		Request:    req.HTTPReq,
		Identity:   req.Identity,
		User:       req.User,
		Scan:       scan,
		From:       req.From,
		RequestURL: req.RequestURL,
	}

	res, err := canon.Canonicalize(canonIn, now)
	if err != nil {
		return Outcome{}, err
	}

	side := "c"
	if len(res.Events) > 0 {
		side = "e"
	}
	rewritten := rewriteSDKTag(body, scan, opts, side)

	out.Body = rewritten
	out.Events = res.Events
	out.UserCookie = res.UserCookie
	out.XEdgee = "compute"
	setDurationHeaders(out.ExtraHeaders, opts, wallStart)
	return out, nil
}

func maybeInjectSDK(opts Options, body string) string {
	if !opts.SDKInjection.Enabled || opts.SDKInjection.Tag == "" {
		return body
	}
	if strings.Contains(body, "__EDGEE_SDK__") {
		return body
	}
	headIdx := strings.Index(body, "<head>")
	if headIdx == -1 {
		return body
	}
	if opts.SDKInjection.Prepend {
		insertAt := headIdx + len("<head>")
		return body[:insertAt] + opts.SDKInjection.Tag + body[insertAt:]
	}
	closeIdx := strings.Index(body, "</head>")
	if closeIdx == -1 {
		return body
	}
	return body[:closeIdx] + opts.SDKInjection.Tag + body[closeIdx:]
}

// rewriteSDKTag implements step 4: replace the located SDK tag with
// either an inlined script block or a remote async script, tagging the
// variant with the "side" marker the client-side SDK uses to know
// whether this round trip produced events.
func rewriteSDKTag(body string, scan htmlscan.Result, opts Options, side string) string {
	if scan.SDKFullTag == "" {
		return body
	}

	var replacement string
	if opts.InlineSDK != nil {
		sdk := strings.ReplaceAll(string(opts.InlineSDK), "{{side}}", side)
		replacement = "<script>" + sdk + "</script>"
	} else {
		src := opts.SDKSrc
		if src == "" {
			src = scan.SDKSrc
		}
		replacement = `<script async src="` + src + `?side=` + side + `"></script>`
	}

	return strings.Replace(body, scan.SDKFullTag, replacement, 1)
}

func setDurationHeaders(h http.Header, opts Options, wallStart time.Time) {
	d := time.Since(wallStart)
	h.Set("x-edgee-compute-duration", durationMillisString(d))
	if opts.Debug {
		h.Set("x-edgee-full-duration", durationMillisString(d))
	}
}

func durationMillisString(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
