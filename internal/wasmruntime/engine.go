// Package wasmruntime hosts destination components: third-party,
// sandboxed WASM binaries that receive canonical events and return an
// outbound HTTP request description (§4.K). The engine compiles each
// configured component once at startup into a pre-instance; every
// request gets a fresh, isolated instantiation from that pre-instance so
// components cannot leak state across requests.
package wasmruntime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// preInstance is a component compiled once at startup, keyed by
// (wit_version, id) so that multiple interface versions of the same
// component family can coexist.
type preInstance struct {
	descriptor Descriptor
	compiled   wazero.CompiledModule

	authOnce    sync.Once
	authRequest *AuthRequest
	authErr     error
}

// componentKey identifies one loaded pre-instance by (id, wit_version):
// two descriptors can share an id across interface versions (§4.K, §9),
// so id alone isn't a unique key.
type componentKey struct {
	ID         string
	WitVersion string
}

// Engine owns the wazero runtime and every component's pre-instance. One
// Engine is built at startup and shared across all requests.
type Engine struct {
	runtime    wazero.Runtime
	components map[componentKey]*preInstance
	order      []componentKey // in configured order
	s3Client   s3API
}

// Config controls engine construction.
type Config struct {
	// CacheDir, if non-empty, enables wazero's on-disk compilation cache
	// so repeated process restarts skip re-compiling unchanged binaries.
	CacheDir string
	S3Client s3API
}

// NewEngine builds the component-model runtime and loads every descriptor
// into a pre-instance. Loading is fail-fast: a component that cannot be
// fetched or compiled aborts startup, since the destination fan-out is
// configured exhaustively up front (§4.K, §6).
func NewEngine(ctx context.Context, cfg Config, descriptors []Descriptor) (*Engine, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("wasmruntime: opening compilation cache at %q: %w", cfg.CacheDir, err)
		}
		runtimeCfg = runtimeCfg.WithCompilationCache(cache)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasmruntime: instantiating WASI preview1 imports: %w", err)
	}

	e := &Engine{runtime: rt, components: make(map[componentKey]*preInstance, len(descriptors)), s3Client: cfg.S3Client}

	for _, d := range descriptors {
		bin, err := loadBinary(ctx, cfg.S3Client, d.File)
		if err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("wasmruntime: loading component %q: %w", d.ID, err)
		}
		compiled, err := rt.CompileModule(ctx, bin)
		if err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("wasmruntime: compiling component %q: %w", d.ID, err)
		}
		key := componentKey{ID: d.ID, WitVersion: d.WitVersion}
		e.components[key] = &preInstance{descriptor: d, compiled: compiled}
		e.order = append(e.order, key)
		slog.Info("wasm component loaded", "component_id", d.ID, "wit_version", d.WitVersion)
	}

	return e, nil
}

// Close releases the underlying runtime and every compiled module.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Descriptors returns every loaded component's descriptor, in the order
// they were configured — the dispatcher iterates components in this
// order per event (§4.L's "configured order" guarantee).
func (e *Engine) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(e.order))
	for _, k := range e.order {
		out = append(out, e.components[k].descriptor)
	}
	return out
}

func (e *Engine) lookup(componentID, witVersion string) (*preInstance, error) {
	pi, ok := e.components[componentKey{ID: componentID, WitVersion: witVersion}]
	if !ok {
		return nil, fmt.Errorf("%w: %q (wit_version %q)", ErrComponentNotFound, componentID, witVersion)
	}
	return pi, nil
}
