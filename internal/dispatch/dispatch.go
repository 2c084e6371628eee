// Package dispatch implements the Destination Dispatcher (§4.L): for
// every surviving canonical event, it fans out to every configured WASM
// component in order, resolving consent and anonymization per component,
// invoking the component, and firing the resulting HTTP request without
// blocking the request that produced the event.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/edgehop/proxy/internal/event"
	"github.com/edgehop/proxy/internal/realip"
	"github.com/edgehop/proxy/internal/wasmruntime"
)

// outboundTimeout bounds every fire-and-forget destination request (§4.L
// step 7); it is fixed, not configurable, matching the spec's literal
// "5-second timeout".
const outboundTimeout = 5 * time.Second

// Dispatcher owns the WASM engine and the configured component list, in
// the fixed order components must be invoked for each event. Which
// component (if any) is traced to stdout is resolved onto each
// Descriptor's TraceComponent flag before it reaches New, by comparing
// the configured trace_component name against the descriptor id.
type Dispatcher struct {
	engine      *wasmruntime.Engine
	descriptors []wasmruntime.Descriptor
	client      *http.Client
}

// New builds a Dispatcher from an engine and its descriptors, in
// configured order.
func New(engine *wasmruntime.Engine, descriptors []wasmruntime.Descriptor) *Dispatcher {
	return &Dispatcher{
		engine:      engine,
		descriptors: descriptors,
		client:      &http.Client{Timeout: outboundTimeout},
	}
}

// Dispatch fans out every event to every component in order (§4.L's
// ordering guarantee: events in order, components in configured order per
// event). WASM invocation happens synchronously on this goroutine; the
// resulting outbound HTTP call is detached so the caller is never blocked
// on a destination's latency.
func (d *Dispatcher) Dispatch(ctx context.Context, events []*event.Event) {
	stores := make(map[string]*wasmruntime.Store)
	defer func() {
		for _, s := range stores {
			s.Close(ctx)
		}
	}()

	var wg sync.WaitGroup
	for _, e := range events {
		for _, desc := range d.descriptors {
			req, outgoing, ok := d.resolve(ctx, stores, e, desc)
			if !ok {
				continue
			}

			httpReq, err := d.buildOutboundRequest(req, desc, outgoing)
			if err != nil {
				slog.Error("building outbound request failed", "component_id", desc.ID, "step", "request", "err", err)
				continue
			}

			wg.Add(1)
			go func(desc wasmruntime.Descriptor, httpReq *http.Request, edgeeReq wasmruntime.EdgeeRequest) {
				defer wg.Done()
				d.send(desc, httpReq, edgeeReq)
			}(desc, httpReq, req)
		}
	}
	// Outbound completions are intentionally unordered; the dispatcher
	// itself doesn't wait for them to finish beyond this call scope's own
	// detached goroutines, which keep running independently.
	_ = wg
}

// Preview resolves, for each configured component, the EdgeeRequest it
// would send for the surviving events — running gating, consent, and
// anonymization exactly as Dispatch does, but without firing the
// outbound HTTP call. The result is keyed by component id; when several
// events reach the same component, the request for the last one is
// kept. Used by the data-collection endpoints' debug echo
// (SUPPLEMENT #3) to show what would be sent without actually sending it
// twice.
func (d *Dispatcher) Preview(ctx context.Context, events []*event.Event) map[string]wasmruntime.EdgeeRequest {
	stores := make(map[string]*wasmruntime.Store)
	defer func() {
		for _, s := range stores {
			s.Close(ctx)
		}
	}()

	out := make(map[string]wasmruntime.EdgeeRequest)
	for _, e := range events {
		for _, desc := range d.descriptors {
			req, _, ok := d.resolve(ctx, stores, e, desc)
			if !ok {
				continue
			}
			out[desc.ID] = req
		}
	}
	return out
}

// resolve runs §4.L steps 1-5 for one event × component pair: the two
// gates, consent resolution, anonymization, and the WASM invocation
// itself. ok is false when a gate skipped the pair or invocation failed.
func (d *Dispatcher) resolve(ctx context.Context, stores map[string]*wasmruntime.Store, e *event.Event, desc wasmruntime.Descriptor) (wasmruntime.EdgeeRequest, event.Event, bool) {
	if !desc.EventTypeEnabled(e.Type) {
		return wasmruntime.EdgeeRequest{}, event.Event{}, false
	}
	if !e.ComponentEnabled(desc.ID) {
		return wasmruntime.EdgeeRequest{}, event.Event{}, false
	}

	outgoing := *e // shallow copy: consent/IP mutation is local to this component (§4.L step 3-4)
	if outgoing.Consent == "" {
		outgoing.Consent = desc.DefaultConsent
	}

	anonymizedIP := resolveAnonymizedIP(outgoing.Consent, desc.AnonymizationRequired, outgoing.Context.Client.IP)

	storeKey := desc.ID + "@" + desc.WitVersion
	store, ok := stores[storeKey]
	if !ok {
		var err error
		store, err = d.engine.NewStore(ctx, desc.ID, desc.WitVersion, wasmruntime.StoreOptions{})
		if err != nil {
			slog.Error("wasm store creation failed", "component_id", desc.ID, "step", "request", "err", err)
			return wasmruntime.EdgeeRequest{}, event.Event{}, false
		}
		stores[storeKey] = store
	}

	req, err := store.Invoke(ctx, desc, &outgoing, anonymizedIP)
	if err != nil {
		slog.Error("wasm component invocation failed", "component_id", desc.ID, "event_uuid", e.UUID, "step", "request", "err", err)
		return wasmruntime.EdgeeRequest{}, event.Event{}, false
	}
	return req, outgoing, true
}

// resolveAnonymizedIP implements §4.L step 4: a component that requires
// anonymization and did not receive granted consent gets a client IP with
// the last octet zeroed (IPv4) or the last 10 bytes zeroed (IPv6) instead
// of the exact address. It
// returns "" when no anonymization applies, which callers treat as "pass
// the original IP through unchanged".
func resolveAnonymizedIP(consent event.Consent, anonymizationRequired bool, clientIP string) string {
	if consent == event.ConsentGranted || !anonymizationRequired {
		return ""
	}
	return realip.Anonymize(clientIP)
}

// buildOutboundRequest turns a component's EdgeeRequest into a real
// *http.Request, applying header augmentation (§4.L step 6).
func (d *Dispatcher) buildOutboundRequest(req wasmruntime.EdgeeRequest, desc wasmruntime.Descriptor, e event.Event) (*http.Request, error) {
	httpReq, err := http.NewRequest(req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	for _, kv := range req.Headers {
		httpReq.Header.Add(kv[0], kv[1])
	}
	if req.ForwardClientHeaders {
		if e.Context.Client.IP != "" {
			httpReq.Header.Set("X-Forwarded-For", e.Context.Client.IP)
		}
		if e.Context.Client.UserAgent != "" {
			httpReq.Header.Set("User-Agent", e.Context.Client.UserAgent)
		}
		if e.Context.Page.URL != "" {
			httpReq.Header.Set("Referer", e.Context.Page.URL+e.Context.Page.Search)
		}
		if e.Context.Client.AcceptLanguage != "" {
			httpReq.Header.Set("Accept-Language", e.Context.Client.AcceptLanguage)
		}
		setSecCHUAHeaders(httpReq.Header, e.Context.Client)
	}
	return httpReq, nil
}

func setSecCHUAHeaders(h http.Header, c event.Client) {
	if c.UserAgentFullVersionList != "" {
		h.Set("Sec-CH-UA-Full-Version-List", c.UserAgentFullVersionList)
	}
	if c.UserAgentMobile != "" {
		h.Set("Sec-CH-UA-Mobile", c.UserAgentMobile)
	}
	if c.UserAgentArchitecture != "" {
		h.Set("Sec-CH-UA-Arch", c.UserAgentArchitecture)
	}
	if c.UserAgentBitness != "" {
		h.Set("Sec-CH-UA-Bitness", c.UserAgentBitness)
	}
	if c.UserAgentModel != "" {
		h.Set("Sec-CH-UA-Model", c.UserAgentModel)
	}
	if c.OSName != "" {
		h.Set("Sec-CH-UA-Platform", c.OSName)
	}
	if c.OSVersion != "" {
		h.Set("Sec-CH-UA-Platform-Version", c.OSVersion)
	}
}

// send performs the fire-and-forget outbound call (§4.L step 7), logging
// the request and response, and prints a trace block when this component
// matches the configured trace_component (§4.L step 8).
func (d *Dispatcher) send(desc wasmruntime.Descriptor, httpReq *http.Request, edgeeReq wasmruntime.EdgeeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), outboundTimeout)
	defer cancel()
	httpReq = httpReq.WithContext(ctx)

	slog.Info("destination request", "component_id", desc.ID, "step", "request", "method", edgeeReq.Method, "url", edgeeReq.URL, "body", truncateForLog(edgeeReq.Body))

	resp, err := d.client.Do(httpReq)
	if err != nil {
		slog.Error("destination request failed", "component_id", desc.ID, "step", "response", "err", err)
		if desc.TraceComponent {
			fmt.Printf("[trace:%s] request failed: %v\n", desc.ID, err)
		}
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	slog.Info("destination response", "component_id", desc.ID, "step", "response", "status", resp.StatusCode, "body", truncateForLog(body))

	if desc.TraceComponent {
		printTrace(desc.ID, edgeeReq, resp.StatusCode, body)
	}
}

func printTrace(componentID string, req wasmruntime.EdgeeRequest, status int, respBody []byte) {
	fmt.Printf("┌─ trace: %s ─────────────────────\n", componentID)
	fmt.Printf("│ %s %s\n", req.Method, req.URL)
	for _, kv := range req.Headers {
		fmt.Printf("│ %s: %s\n", kv[0], kv[1])
	}
	if len(req.Body) > 0 {
		fmt.Printf("│\n│ %s\n", string(req.Body))
	}
	fmt.Printf("├─ response: %d ──────────────────\n", status)
	if len(respBody) > 0 {
		fmt.Printf("│ %s\n", string(respBody))
	}
	fmt.Printf("└─────────────────────────────────\n")
}

// logBodyLimit caps how much of a destination request/response body gets
// attached to a log line; bodies can be arbitrarily large or binary.
const logBodyLimit = 2048

func truncateForLog(body []byte) string {
	if len(body) > logBodyLimit {
		return string(body[:logBodyLimit]) + "...(truncated)"
	}
	return string(body)
}
