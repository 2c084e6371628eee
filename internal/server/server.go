// Package server assembles the proxy's HTTP handler: the routing ->
// forward -> gatekeeper -> compute pipeline for ordinary traffic, the
// data-collection endpoints, and the ambient request-id/security-header
// middleware, following the teacher's dependency-injected App +
// Handler() construction.
package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edgehop/proxy/internal/analytics"
	"github.com/edgehop/proxy/internal/canon"
	"github.com/edgehop/proxy/internal/compute"
	"github.com/edgehop/proxy/internal/config"
	"github.com/edgehop/proxy/internal/cookie"
	"github.com/edgehop/proxy/internal/dispatch"
	"github.com/edgehop/proxy/internal/endpoints"
	"github.com/edgehop/proxy/internal/event"
	"github.com/edgehop/proxy/internal/gatekeeper"
	"github.com/edgehop/proxy/internal/htmlscan"
	"github.com/edgehop/proxy/internal/middleware"
	"github.com/edgehop/proxy/internal/proxyfwd"
	"github.com/edgehop/proxy/internal/realip"
	"github.com/edgehop/proxy/internal/routing"
)

// App holds every dependency the handler chain needs. Both main() and
// tests build the same App so the route table never drifts between them.
type App struct {
	Config     *config.Config
	Cookies    *cookie.Store
	Routing    *routing.Table
	Forwarder  *proxyfwd.Forwarder
	Compute    compute.Options
	Dispatcher *dispatch.Dispatcher
	Analytics  *analytics.Client
	Endpoints  *endpoints.Handlers
}

// Handler builds the complete HTTP handler: the data-collection routes,
// then the catch-all proxy/compute path, wrapped in the ambient
// middleware and, when configured, a force-HTTPS redirect.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/_edgee/event", a.Endpoints.Event)
	mux.HandleFunc("/_edgee/csevent", a.Endpoints.CSEvent)
	mux.HandleFunc("/_edgee/sdk.js", a.Endpoints.SDK)
	mux.HandleFunc("/_edgee/libs/", a.Endpoints.SDK)

	mux.Handle("/", http.HandlerFunc(a.serveProxy))

	handler := middleware.SecurityHeaders(middleware.RequestID(mux))
	if a.Config.ForceHTTPS {
		handler = forceHTTPS(handler)
	}
	return handler
}

// forceHTTPS 301-redirects any request that didn't arrive over TLS (or,
// behind a TLS-terminating edge, without an X-Forwarded-Proto: https)
// to its https:// equivalent. Actual TLS termination is an external
// collaborator's job (§1); this only enforces the redirect policy.
func forceHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isHTTPS(r) {
			next.ServeHTTP(w, r)
			return
		}
		target := "https://" + r.Host + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
}

func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// serveProxy implements the catch-all path: route selection (§4.F),
// reverse-proxying to the backend (§4.G), and, via ModifyResponse, the
// gatekeeper (§4.H) and compute orchestrator (§4.J) pipeline.
func (a *App) serveProxy(w http.ResponseWriter, r *http.Request) {
	wallStart := time.Now()

	result, err := a.Routing.Select(r.Host, r.URL.RequestURI())
	if err != nil || result.Backend == nil {
		http.NotFound(w, r)
		return
	}

	hasIdentityCookie := a.Cookies.HasCookie(r)
	clientIP := realip.From(r)

	backend := proxyfwd.Backend{
		Address:      result.Backend.Address,
		SSL:          result.Backend.SSL,
		Compressible: !result.Backend.NoCompression,
	}
	cookieNames := proxyfwd.CookieNames{
		Identity: a.Config.CookieName,
		User:     a.Config.CookieName + "_u",
	}
	proxy := a.Forwarder.NewReverseProxy(backend, clientIP, cookieNames)

	outbound := r.Clone(r.Context())
	outbound.URL.Path, outbound.URL.RawQuery = splitPathQuery(result.OutboundPathQuery)

	proxy.ModifyResponse = func(resp *http.Response) error {
		return a.modifyResponse(resp, r, hasIdentityCookie, wallStart)
	}

	proxy.ServeHTTP(w, outbound)
}

func splitPathQuery(pathAndQuery string) (path, query string) {
	path, query, _ = strings.Cut(pathAndQuery, "?")
	return path, query
}

// modifyResponse runs §4.H and §4.J against the backend's response. On
// any proxy-only gate, it leaves the response untouched beyond the
// x-edgee reason header. Otherwise it scans, canonicalizes, rewrites the
// SDK tag, and dispatches any derived events.
func (a *App) modifyResponse(resp *http.Response, r *http.Request, hasIdentityCookie bool, wallStart time.Time) error {
	contentType := resp.Header.Get("Content-Type")

	reason := gatekeeper.CheckProxyOnly(gatekeeper.ProxyOnlyInput{
		GlobalProxyOnly:      a.Config.ProxyOnly,
		Method:               r.Method,
		StatusCode:           resp.StatusCode,
		ContentType:          contentType,
		BodyEmpty:            resp.ContentLength == 0,
		ResponseHeaders:      resp.Header,
		HasSharedCacheBefore: a.Config.BehindProxyCache,
		EnforceNoStorePolicy: a.Config.EnforceNoStorePolicy,
	})
	if reason != gatekeeper.ReasonNone {
		resp.Header.Set("x-edgee", string(reason))
		return nil
	}

	limited := io.LimitReader(resp.Body, a.Config.MaxCompressedBodySize)
	decompressed, err := a.Forwarder.Decompress(limited, resp.Header.Get("Content-Encoding"))
	if err != nil {
		slog.Error("decompressing backend response failed", "err", err)
		return nil
	}
	bodyBytes, err := io.ReadAll(decompressed)
	resp.Body.Close()
	if err != nil {
		slog.Error("reading backend response body failed", "err", err)
		return nil
	}
	if len(bodyBytes) == 0 {
		resp.Header.Set("x-edgee", string(gatekeeper.ReasonEmptyBody))
		resp.Body = io.NopCloser(strings.NewReader(""))
		return nil
	}

	scan := htmlscan.Scan(string(bodyBytes))
	hints := canon.ExtractHints([]byte(scan.DataLayer), true)
	identity := a.Cookies.GetOrSet(r, headerOnlyWriter{resp.Header}, hints)

	var userCookie *cookie.User
	if u, err := a.Cookies.GetUserCookie(r); err == nil {
		userCookie = &u
	}

	computeReq := compute.Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		RawQuery:   r.URL.RawQuery,
		Headers:    r.Header,
		HTTPReq:    r,
		Identity:   identity,
		User:       userCookie,
		From:       event.FromEdge,
		RequestURL: r.URL.String(),
	}

	outcome, err := compute.Run(a.Compute, computeReq, string(bodyBytes), hasIdentityCookie, time.Now())
	if err != nil {
		slog.Error("compute orchestrator failed", "err", err)
		resp.Body = io.NopCloser(strings.NewReader(string(bodyBytes)))
		resp.ContentLength = int64(len(bodyBytes))
		resp.Header.Set("Content-Length", strconv.Itoa(len(bodyBytes)))
		resp.Header.Del("Content-Encoding")
		return nil
	}

	resp.Body = io.NopCloser(strings.NewReader(outcome.Body))
	resp.ContentLength = int64(len(outcome.Body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(outcome.Body)))
	resp.Header.Del("Content-Encoding")
	for k, vv := range outcome.ExtraHeaders {
		for _, v := range vv {
			resp.Header.Add(k, v)
		}
	}
	resp.Header.Set("x-edgee", outcome.XEdgee)
	if a.Config.Debug {
		resp.Header.Set("x-edgee-proxy-duration", time.Since(wallStart).Round(time.Microsecond).String())
	}
	if a.Config.EnforceNoStorePolicy && outcome.XEdgee == "compute" {
		gatekeeper.EnforceNoStorePolicy(resp.Header)
	}

	if outcome.UserCookie != nil {
		a.Cookies.SetUserCookie(r, headerOnlyWriter{resp.Header}, *outcome.UserCookie)
	}

	if len(outcome.Events) > 0 {
		if a.Dispatcher != nil {
			a.Dispatcher.Dispatch(context.Background(), outcome.Events)
		}
		if a.Analytics != nil {
			a.Analytics.Send(outcome.Events)
		}
	}

	return nil
}

// headerOnlyWriter adapts a bare http.Header so cookie.Store's
// Set-Cookie-writing methods, which take an http.ResponseWriter, can
// target a proxied response's headers from inside ModifyResponse, where
// no real ResponseWriter is available yet.
type headerOnlyWriter struct {
	h http.Header
}

func (h headerOnlyWriter) Header() http.Header         { return h.h }
func (h headerOnlyWriter) Write(b []byte) (int, error) { return len(b), nil }
func (h headerOnlyWriter) WriteHeader(int)             {}

var _ http.ResponseWriter = headerOnlyWriter{}
