package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/edgehop/proxy/internal/compute"
	"github.com/edgehop/proxy/internal/config"
	"github.com/edgehop/proxy/internal/cookie"
	"github.com/edgehop/proxy/internal/dispatch"
	"github.com/edgehop/proxy/internal/edgeecrypto"
	"github.com/edgehop/proxy/internal/endpoints"
	"github.com/edgehop/proxy/internal/proxyfwd"
	"github.com/edgehop/proxy/internal/routing"
	"github.com/edgehop/proxy/internal/server"
	"github.com/edgehop/proxy/internal/wasmruntime"
)

// domain is the single host name every test routes through; requests to
// the edge server set req.Host to this value regardless of the
// httptest.Server's real listener address.
const domain = "example.com"

// the inlined SDK marker every test's origin body must replace; the
// literal byte content isn't inspected beyond the "side" substitution,
// so a minimal stub is enough to exercise the injection/rewrite path.
const testSDKBody = `var side="{{side}}";`

// harness assembles a full server.App (no real WASM components — an
// engine with zero descriptors still exercises the dispatcher's fan-out
// loop, just over an empty component list) in front of a fake origin,
// mirroring main.go's wiring but with every clock and dependency
// substitutable for deterministic assertions.
type harness struct {
	edge    *httptest.Server
	origin  *httptest.Server
	cipher  *edgeecrypto.Cipher
	cookies *cookie.Store
	clock   *time.Time
}

// originHandler lets each test script the backend's response.
type originHandler = http.HandlerFunc

func defaultConfig() *config.Config {
	return &config.Config{
		HTTPAddr:                config.DefaultHTTPAddr,
		CookieName:              config.DefaultCookieName,
		MaxDecompressedBodySize: config.DefaultMaxDecompressedBodySize,
		MaxCompressedBodySize:   config.DefaultMaxCompressedBodySize,
	}
}

func newHarness(oh originHandler, cfg *config.Config) *harness {
	origin := httptest.NewServer(oh)

	cipher, err := edgeecrypto.New([]byte(edgeecrypto.DefaultKey), []byte(edgeecrypto.DefaultIV))
	if err != nil {
		panic(err)
	}

	now := time.Now().UTC()
	h := &harness{origin: origin, cipher: cipher, clock: &now}

	h.cookies = cookie.NewStore(cipher, cfg.CookieName, cfg.CookieDomain, cfg.ForceHTTPS, func() time.Time {
		return *h.clock
	})

	originURL, _ := url.Parse(origin.URL)
	table, err := routing.NewTable([]*routing.Domain{
		{
			Host: domain,
			Rules: []*routing.Rule{
				{PathPrefix: "/api/v1/", Rewrite: "/v1/", Backend: "api"},
			},
			Backends: map[string]*routing.Backend{
				"web": {Name: "web", Address: originURL.Host, Default: true},
				"api": {Name: "api", Address: originURL.Host},
			},
			Default: &routing.Backend{Name: "web", Address: originURL.Host, Default: true},
		},
	})
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	engine, err := wasmruntime.NewEngine(ctx, wasmruntime.Config{}, nil)
	if err != nil {
		panic(err)
	}
	dispatcher := dispatch.New(engine, engine.Descriptors())

	app := &server.App{
		Config:    cfg,
		Cookies:   h.cookies,
		Routing:   table,
		Forwarder: proxyfwd.NewForwarder(cfg.MaxDecompressedBodySize),
		Compute: compute.Options{
			Debug:     cfg.Debug,
			InlineSDK: []byte(testSDKBody),
		},
		Dispatcher: dispatcher,
		Endpoints: &endpoints.Handlers{
			Cookies:     h.cookies,
			Descriptors: engine.Descriptors(),
			Dispatcher:  dispatcher,
			Now:         func() time.Time { return *h.clock },
		},
	}

	h.edge = httptest.NewServer(app.Handler())
	return h
}

func (h *harness) Close() {
	h.edge.Close()
	h.origin.Close()
}

// newRequest builds a request against the edge server with Host set to
// domain regardless of the listener's real address.
func (h *harness) newRequest(method, path string, body []byte) *http.Request {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, h.edge.URL+path, bodyReader)
	if err != nil {
		panic(err)
	}
	req.Host = domain
	return req
}

func (h *harness) do(req *http.Request) *http.Response {
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		panic(err)
	}
	return resp
}

// seedIdentityCookie encrypts id the same way cookie.Store would and
// returns a ready-to-attach *http.Cookie, letting tests seed an
// already-rolling session without driving a real prior request.
func (h *harness) seedIdentityCookie(id cookie.Identity) *http.Cookie {
	raw, err := json.Marshal(id)
	if err != nil {
		panic(err)
	}
	enc, err := h.cipher.Encrypt(raw)
	if err != nil {
		panic(err)
	}
	return &http.Cookie{Name: "edgee", Value: enc}
}

// decryptIdentityCookie reverses seedIdentityCookie/cookie.Store's
// envelope so tests can assert on the rolled session fields a Set-Cookie
// response header carries.
func (h *harness) decryptIdentityCookie(value string) cookie.Identity {
	plain, err := h.cipher.Decrypt(value)
	if err != nil {
		panic(err)
	}
	var id cookie.Identity
	if err := json.Unmarshal(plain, &id); err != nil {
		panic(err)
	}
	return id
}

// setCookieValue scans resp's Set-Cookie headers for name's value.
func setCookieValue(resp *http.Response, name string) (string, bool) {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

func readBody(resp *http.Response) string {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// decodeJSONBody unmarshals resp's body into v, closing the body after.
func decodeJSONBody(resp *http.Response, v interface{}) {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		panic(err)
	}
}

// htmlPage builds a minimal head-only HTML document carrying the SDK
// marker the scanner (§4.D) looks for.
func htmlPage() string {
	var b strings.Builder
	b.WriteString("<html><head>")
	b.WriteString(`<script id="__EDGEE_SDK__" src="/_edgee/sdk.js"></script>`)
	b.WriteString("</head><body>hello</body></html>")
	return b.String()
}
