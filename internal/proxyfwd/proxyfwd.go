// Package proxyfwd builds and executes the outbound reverse-proxy request
// (§4.G): header mutation, cookie stripping, and response-body
// decompression for the downstream HTML rewriter.
package proxyfwd

import (
	"compress/gzip"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Backend is the minimal upstream description the forwarder needs.
type Backend struct {
	Address      string // host[:port]
	SSL          bool
	Compressible bool // false strips Accept-Encoding before forwarding
}

// CookieNames identifies the Identity/User cookie pair that must never
// leak to an origin server.
type CookieNames struct {
	Identity string
	User     string
}

// Forwarder builds *httputil.ReverseProxy instances per backend. Go's
// stdlib reverse proxy, rather than a hand-rolled dialer, is kept from
// the teacher's own internal/proxy/http.go for the same reason it used
// it: transport pooling, director hooks, and ErrorHandler wiring come
// for free.
type Forwarder struct {
	MaxDecompressedBodySize int64
	Transport                http.RoundTripper
}

// NewForwarder returns a Forwarder with a pooling transport tuned the
// way the teacher's internal/proxy/http.go tuned its pod-proxy transport.
func NewForwarder(maxDecompressedBodySize int64) *Forwarder {
	return &Forwarder{
		MaxDecompressedBodySize: maxDecompressedBodySize,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// NewReverseProxy builds a single-host reverse proxy to backend, wiring
// the §4.G header mutations into its Director and stripping identity
// cookies from the outbound Cookie header.
func (f *Forwarder) NewReverseProxy(backend Backend, clientIP string, cookies CookieNames) *httputil.ReverseProxy {
	scheme := "http"
	if backend.SSL {
		scheme = "https"
	}
	target := &url.URL{Scheme: scheme, Host: backend.Address}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = f.Transport

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = backend.Address

		if clientIP != "" {
			if existing := req.Header.Get("X-Forwarded-For"); existing != "" {
				req.Header.Set("X-Forwarded-For", existing+", "+clientIP)
			} else {
				req.Header.Set("X-Forwarded-For", clientIP)
			}
		}

		if req.Header.Get("X-Forwarded-Proto") == "" {
			if req.TLS != nil {
				req.Header.Set("X-Forwarded-Proto", "https")
			} else {
				req.Header.Set("X-Forwarded-Proto", "http")
			}
		}
		if req.Header.Get("X-Forwarded-Host") == "" {
			req.Header.Set("X-Forwarded-Host", req.Host)
		}

		stripIdentityCookies(req, cookies)

		if !backend.Compressible {
			req.Header.Del("Accept-Encoding")
		}
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		http.Error(w, "bad_gateway: "+err.Error(), http.StatusBadGateway)
	}

	return proxy
}

// stripIdentityCookies removes the named identity/user cookies from the
// outbound Cookie header so the origin never sees them.
func stripIdentityCookies(req *http.Request, cookies CookieNames) {
	raw := req.Header.Get("Cookie")
	if raw == "" {
		return
	}
	parts := strings.Split(raw, ";")
	kept := parts[:0]
	for _, p := range parts {
		name := strings.TrimSpace(strings.SplitN(p, "=", 2)[0])
		if name == cookies.Identity || name == cookies.User {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		req.Header.Del("Cookie")
		return
	}
	req.Header.Set("Cookie", strings.Join(kept, ";"))
}

// Decompress reads body according to contentEncoding, enforcing
// maxSize on the decompressed output. An empty/"identity" encoding is
// passed through unchanged.
func (f *Forwarder) Decompress(body io.Reader, contentEncoding string) (io.Reader, error) {
	limited := func(r io.Reader) io.Reader {
		return io.LimitReader(r, f.MaxDecompressedBodySize)
	}

	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return limited(body), nil
	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("proxyfwd: gzip: %w", err)
		}
		return limited(gz), nil
	case "br":
		return limited(brotli.NewReader(body)), nil
	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("proxyfwd: zstd: %w", err)
		}
		return limited(zr.IOReadCloser()), nil
	default:
		return limited(body), nil
	}
}
