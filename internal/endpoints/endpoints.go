// Package endpoints implements the Data-Collection Endpoints (§4.M):
// the JSON ingest routes third-party/first-party SDKs call directly,
// plus the SDK asset routes.
package endpoints

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"github.com/edgehop/proxy/internal/analytics"
	"github.com/edgehop/proxy/internal/canon"
	"github.com/edgehop/proxy/internal/cookie"
	"github.com/edgehop/proxy/internal/dispatch"
	"github.com/edgehop/proxy/internal/event"
	"github.com/edgehop/proxy/internal/wasmruntime"
)

// Handlers bundles everything the data-collection routes need: the
// identity cookie store, the destination dispatcher, the optional
// central analytics client, and the SDK asset bytes.
type Handlers struct {
	Cookies     *cookie.Store
	Descriptors []wasmruntime.Descriptor
	Dispatcher  *dispatch.Dispatcher
	Analytics   *analytics.Client
	SDKBytes    []byte
	Now         func() time.Time
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Event handles POST /_edgee/event — first-party JSON ingest (§4.M).
func (h *Handlers) Event(w http.ResponseWriter, r *http.Request) {
	h.handleIngest(w, r, event.FromClient, false)
}

// CSEvent handles POST /_edgee/csevent — the third-party SDK variant that
// returns the encrypted cookie envelopes in its body instead of relying
// on Set-Cookie (so the caller can persist identity in its own storage).
func (h *Handlers) CSEvent(w http.ResponseWriter, r *http.Request) {
	h.handleIngest(w, r, event.FromThird, true)
}

func (h *Handlers) handleIngest(w http.ResponseWriter, r *http.Request, from event.From, returnCookies bool) {
	if r.Method == http.MethodOptions {
		writeCORSPreflight(w, r, returnCookies)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	hints := canon.ExtractHints(body, false)
	identity := h.Cookies.GetOrSet(r, w, hints)

	var userCookie *cookie.User
	if u, err := h.Cookies.GetUserCookie(r); err == nil {
		userCookie = &u
	}

	in := canon.Input{
		RawBody:    body,
		IsHTML:     false,
		Method:     r.Method,
		Path:       r.URL.Path,
		RawQuery:   r.URL.RawQuery,
		Headers:    r.Header,
		Request:    r,
		Identity:   identity,
		User:       userCookie,
		From:       from,
		RequestURL: r.URL.String(),
	}

	res, err := canon.Canonicalize(in, h.now())
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if res.UserCookie != nil {
		h.Cookies.SetUserCookie(r, w, *res.UserCookie)
	}

	if h.Dispatcher != nil {
		h.Dispatcher.Dispatch(context.Background(), res.Events)
	}
	if h.Analytics != nil {
		h.Analytics.Send(res.Events)
	}

	debug := strings.EqualFold(r.Header.Get("Edgee-Debug"), "true")
	var previews map[string]wasmruntime.EdgeeRequest
	if debug && h.Dispatcher != nil {
		previews = h.Dispatcher.Preview(context.Background(), res.Events)
	}

	writeOrigin(w, r, returnCookies)
	w.Header().Set("Content-Type", "application/json")

	if returnCookies {
		writeCSEventResponse(w, h.Cookies, r, res, debug, previews)
		return
	}
	writeEventResponse(w, res, debug, previews)
}

func writeEventResponse(w http.ResponseWriter, res canon.Result, debug bool, previews map[string]wasmruntime.EdgeeRequest) {
	if !debug {
		w.Write([]byte(`{}`))
		return
	}
	body, err := debugEchoBody(res.Events, previews)
	if err != nil {
		w.Write([]byte(`{}`))
		return
	}
	w.Write(body)
}

func writeCSEventResponse(w http.ResponseWriter, store *cookie.Store, r *http.Request, res canon.Result, debug bool, previews map[string]wasmruntime.EdgeeRequest) {
	eVal, _ := readSetCookieValue(w, store.CookieName)
	uVal := ""
	if res.UserCookie != nil {
		uVal, _ = readSetCookieValue(w, store.CookieName+"_u")
	}

	body, _ := json.Marshal(struct {
		E string `json:"e"`
		U string `json:"u,omitempty"`
	}{E: eVal, U: uVal})

	if debug {
		withEvents, err := sjson.SetBytes(body, "events", res.Events)
		if err == nil {
			body = withEvents
		}
		for id, req := range previews {
			redacted := req
			redacted.Headers = redactHeaders(req.Headers)
			if withDest, err := sjson.SetBytes(body, "destinations."+id, redacted); err == nil {
				body = withDest
			}
		}
	}
	w.Write(body)
}

// readSetCookieValue scans the headers already queued on w for the named
// cookie's value, since GetOrSet/SetUserCookie already wrote it via
// http.SetCookie before this handler assembles its JSON body.
func readSetCookieValue(w http.ResponseWriter, name string) (string, bool) {
	for _, raw := range w.Header().Values("Set-Cookie") {
		if strings.HasPrefix(raw, name+"=") {
			parts := strings.SplitN(raw, ";", 2)
			kv := strings.SplitN(parts[0], "=", 2)
			if len(kv) == 2 {
				return kv[1], true
			}
		}
	}
	return "", false
}

// debugEchoBody assembles the richer debug payload (SUPPLEMENT #3):
// canonical events plus, per destination component, the outbound request
// that would be/was sent, with credential-bearing headers redacted.
func debugEchoBody(events []*event.Event, previews map[string]wasmruntime.EdgeeRequest) ([]byte, error) {
	body, err := json.Marshal(struct {
		Events []*event.Event `json:"events"`
	}{Events: events})
	if err != nil {
		return nil, err
	}
	for id, req := range previews {
		redacted := req
		redacted.Headers = redactHeaders(req.Headers)
		body, err = sjson.SetBytes(body, "destinations."+id, redacted)
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

var secretHeaderNames = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
}

func redactHeaders(headers [][2]string) [][2]string {
	out := make([][2]string, len(headers))
	for i, kv := range headers {
		if secretHeaderNames[strings.ToLower(kv[0])] {
			out[i] = [2]string{kv[0], "[redacted]"}
			continue
		}
		out[i] = kv
	}
	return out
}

func writeOrigin(w http.ResponseWriter, r *http.Request, alwaysWildcard bool) {
	if alwaysWildcard {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = r.Header.Get("Referer")
	}
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	if origin != "*" {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
}

func writeCORSPreflight(w http.ResponseWriter, r *http.Request, alwaysWildcard bool) {
	writeOrigin(w, r, alwaysWildcard)
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Edgee-Debug")
	w.WriteHeader(http.StatusNoContent)
}

// SDK handles GET /_edgee/sdk.js and /_edgee/libs/edgee.*.js: the SDK
// bytes with the {{side}} placeholder substituted with "c" (the variant
// used when no events were generated at the edge), never cached
// client-side.
func (h *Handlers) SDK(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "private, no-store")
	body := strings.ReplaceAll(string(h.SDKBytes), "{{side}}", "c")
	w.Write([]byte(body))
}
