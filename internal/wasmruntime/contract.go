package wasmruntime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/edgehop/proxy/internal/event"
)

var (
	// ErrComponentNotFound is returned when the dispatcher names a
	// component id the engine never loaded.
	ErrComponentNotFound = errors.New("wasmruntime: component not found")
	// ErrComponentExport is returned when a required export is missing
	// from a component binary (a malformed or stale build).
	ErrComponentExport = errors.New("wasmruntime: missing required export")
)

// guestResult is the envelope every page/track/user/authenticate export
// returns: either ok or err is set, matching the sandbox's Result<T, string>.
type guestResult struct {
	OK  json.RawMessage `json:"ok,omitempty"`
	Err string          `json:"err,omitempty"`
}

// Invoke calls the component export matching the event's type, passing the
// marshaled event and the component's settings, and returns the
// EdgeeRequest the component wants sent (§4.K). A host-level failure or a
// component-reported error both come back as a plain error; callers log
// with step=request per §4.K and skip the event for this component — no
// retry.
func (s *Store) Invoke(ctx context.Context, d Descriptor, e *event.Event, anonymizedIP string) (EdgeeRequest, error) {
	export := exportNameFor(e.Type)
	if export == "" {
		return EdgeeRequest{}, fmt.Errorf("%w: no export for event type %q", ErrComponentExport, e.Type)
	}

	abi, err := toABI(e, anonymizedIP)
	if err != nil {
		return EdgeeRequest{}, fmt.Errorf("wasmruntime: marshaling event: %w", err)
	}
	settings := settingsToPairs(d.Settings)
	input := struct {
		Event    json.RawMessage `json:"event"`
		Settings [][2]string     `json:"settings"`
	}{Event: abi, Settings: settings}
	inBytes, err := json.Marshal(input)
	if err != nil {
		return EdgeeRequest{}, fmt.Errorf("wasmruntime: marshaling invocation: %w", err)
	}

	outBytes, err := callJSONExport(ctx, s.module, export, inBytes)
	if err != nil {
		return EdgeeRequest{}, fmt.Errorf("wasmruntime: calling %q: %w", export, err)
	}

	var res guestResult
	if err := json.Unmarshal(outBytes, &res); err != nil {
		return EdgeeRequest{}, fmt.Errorf("wasmruntime: decoding result from %q: %w", export, err)
	}
	if res.Err != "" {
		return EdgeeRequest{}, fmt.Errorf("wasmruntime: component reported error: %s", res.Err)
	}
	var req EdgeeRequest
	if err := json.Unmarshal(res.OK, &req); err != nil {
		return EdgeeRequest{}, fmt.Errorf("wasmruntime: decoding EdgeeRequest: %w", err)
	}
	return req, nil
}

func exportNameFor(t event.Type) string {
	switch t {
	case event.TypePage:
		return "page"
	case event.TypeTrack:
		return "track"
	case event.TypeUser:
		return "user"
	default:
		return ""
	}
}

// RequireAuth calls the optional require-auth() export (version >= 1.0.1
// only); components older than that, or without the export, never
// require auth.
func (s *Store) RequireAuth(ctx context.Context, d Descriptor) (bool, error) {
	if !d.supportsAuth() {
		return false, nil
	}
	fn := s.module.ExportedFunction("require-auth")
	if fn == nil {
		return false, nil
	}
	results, err := fn.Call(ctx)
	if err != nil {
		return false, fmt.Errorf("wasmruntime: calling require-auth: %w", err)
	}
	if len(results) == 0 {
		return false, nil
	}
	return results[0] != 0, nil
}

// Authenticate calls the optional authenticate(settings) export once; the
// caller (Engine.EnsureAuthenticated) caches the result for the process
// lifetime per SUPPLEMENT #1.
func (s *Store) Authenticate(ctx context.Context, d Descriptor) (AuthRequest, error) {
	settings := settingsToPairs(d.Settings)
	inBytes, err := json.Marshal(settings)
	if err != nil {
		return AuthRequest{}, err
	}
	outBytes, err := callJSONExport(ctx, s.module, "authenticate", inBytes)
	if err != nil {
		return AuthRequest{}, fmt.Errorf("wasmruntime: calling authenticate: %w", err)
	}
	var res guestResult
	if err := json.Unmarshal(outBytes, &res); err != nil {
		return AuthRequest{}, err
	}
	if res.Err != "" {
		return AuthRequest{}, fmt.Errorf("wasmruntime: authenticate reported error: %s", res.Err)
	}
	var req AuthRequest
	if err := json.Unmarshal(res.OK, &req); err != nil {
		return AuthRequest{}, err
	}
	return req, nil
}

// EnsureAuthenticated runs require-auth/authenticate at most once per
// component per process lifetime (SUPPLEMENT #1), caching the resulting
// AuthRequest on the pre-instance. A failure here is logged and
// swallowed: the component proceeds unauthenticated rather than refusing
// to load, since it may still reject individual events on its own.
func (e *Engine) EnsureAuthenticated(ctx context.Context, componentID, witVersion string, send func(context.Context, AuthRequest) error) {
	pi, err := e.lookup(componentID, witVersion)
	if err != nil {
		return
	}
	pi.authOnce.Do(func() {
		store, err := e.NewStore(ctx, componentID, witVersion, StoreOptions{})
		if err != nil {
			pi.authErr = err
			slog.Warn("wasm auth setup failed", "component_id", componentID, "err", err)
			return
		}
		defer store.Close(ctx)

		needs, err := store.RequireAuth(ctx, pi.descriptor)
		if err != nil || !needs {
			if err != nil {
				slog.Warn("wasm require-auth failed", "component_id", componentID, "err", err)
			}
			return
		}
		auth, err := store.Authenticate(ctx, pi.descriptor)
		if err != nil {
			pi.authErr = err
			slog.Warn("wasm authenticate failed", "component_id", componentID, "err", err)
			return
		}
		pi.authRequest = &auth
		if send != nil {
			reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := send(reqCtx, auth); err != nil {
				slog.Warn("wasm auth request failed", "component_id", componentID, "err", err)
			}
		}
	})
}

// callJSONExport writes input into the guest's memory via its exported
// "alloc" function, calls fnName(ptr, len), and reads back the
// (ptr<<32|len)-packed result — the JSON-over-linear-memory FFI this
// runtime uses in place of full wit-bindgen codegen (see DESIGN.md).
func callJSONExport(ctx context.Context, mod api.Module, fnName string, input []byte) ([]byte, error) {
	fn := mod.ExportedFunction(fnName)
	if fn == nil {
		return nil, fmt.Errorf("%w: %q", ErrComponentExport, fnName)
	}
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return nil, fmt.Errorf("%w: \"alloc\"", ErrComponentExport)
	}

	allocRes, err := alloc.Call(ctx, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("calling alloc: %w", err)
	}
	ptr := uint32(allocRes[0])

	mem := mod.Memory()
	if !mem.Write(ptr, input) {
		return nil, fmt.Errorf("writing %d bytes at guest offset %d out of range", len(input), ptr)
	}

	packedRes, err := fn.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, err
	}
	packed := packedRes[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)

	out, ok := mem.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("reading %d bytes at guest offset %d out of range", outLen, outPtr)
	}
	// Copy out of guest memory before the module (and its memory) is torn
	// down by the caller.
	cp := make([]byte, len(out))
	copy(cp, out)
	return cp, nil
}
