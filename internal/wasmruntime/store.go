package wasmruntime

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Store is the per-request instantiation of one component. Instantiation
// is async in wazero's sense (it happens on first use, not at engine
// startup) and the resulting module is discarded after the request so no
// component state survives across requests.
type Store struct {
	module api.Module
	ctx    context.Context
}

// StoreOptions controls per-request instantiation.
type StoreOptions struct {
	// InheritStdout/InheritStderr route the guest's WASI stdout/stderr to
	// the host process's (or to Stdout/Stderr when set), for local
	// component-author debugging only.
	InheritStdout bool
	InheritStderr bool
	Stdout        io.Writer
	Stderr        io.Writer
}

// NewStore instantiates a fresh copy of the named component version for
// this request.
func (e *Engine) NewStore(ctx context.Context, componentID, witVersion string, opts StoreOptions) (*Store, error) {
	pi, err := e.lookup(componentID, witVersion)
	if err != nil {
		return nil, err
	}

	modCfg := wazero.NewModuleConfig().WithName("") // anonymous: allow repeated instantiation
	if opts.InheritStdout {
		out := opts.Stdout
		if out == nil {
			out = os.Stdout
		}
		modCfg = modCfg.WithStdout(out)
	}
	if opts.InheritStderr {
		errOut := opts.Stderr
		if errOut == nil {
			errOut = os.Stderr
		}
		modCfg = modCfg.WithStderr(errOut)
	}

	mod, err := e.runtime.InstantiateModule(ctx, pi.compiled, modCfg)
	if err != nil {
		return nil, fmt.Errorf("wasmruntime: instantiating component %q: %w", componentID, err)
	}
	return &Store{module: mod, ctx: ctx}, nil
}

// Close tears down the per-request instance.
func (s *Store) Close(ctx context.Context) error {
	if s == nil || s.module == nil {
		return nil
	}
	return s.module.Close(ctx)
}
