// Package harness lets a component author exercise a single destination
// component's page/track/user export against a hand-built event, without
// running the full proxy (SUPPLEMENT #4, grounded on the original's
// `cli/src/commands/components/test.rs`). It is a small Go API, not a
// CLI — the CLI itself is out of scope for this repository.
package harness

import (
	"context"
	"fmt"

	"github.com/edgehop/proxy/internal/event"
	"github.com/edgehop/proxy/internal/wasmruntime"
)

// Case is one table-driven invocation a component author writes against
// their own binary.
type Case struct {
	Name     string
	Event    *event.Event
	Settings map[string]string
}

// Result is what Run hands back for a Case: the EdgeeRequest the
// component produced, or the error it (or the host) reported.
type Result struct {
	Name    string
	Request wasmruntime.EdgeeRequest
	Err     error
}

// Run loads the component at path (local file or s3:// URL, same loader
// as the production engine), invokes every case's matching export, and
// returns one Result per case, in order.
func Run(ctx context.Context, componentFile, witVersion string, cases []Case) ([]Result, error) {
	d := wasmruntime.Descriptor{ID: "harness", File: componentFile, WitVersion: witVersion}
	engine, err := wasmruntime.NewEngine(ctx, wasmruntime.Config{}, []wasmruntime.Descriptor{d})
	if err != nil {
		return nil, fmt.Errorf("harness: loading component: %w", err)
	}
	defer engine.Close(ctx)

	results := make([]Result, 0, len(cases))
	for _, c := range cases {
		d.Settings = c.Settings
		store, err := engine.NewStore(ctx, "harness", witVersion, wasmruntime.StoreOptions{InheritStdout: true, InheritStderr: true})
		if err != nil {
			results = append(results, Result{Name: c.Name, Err: err})
			continue
		}
		req, invokeErr := store.Invoke(ctx, d, c.Event, "")
		store.Close(ctx)
		results = append(results, Result{Name: c.Name, Request: req, Err: invokeErr})
	}
	return results, nil
}

// Print writes a human-readable summary of a Result to the given
// function (typically fmt.Println via a small adapter), for use from a
// component author's own test main or _test.go file.
func Print(w func(string, ...interface{}), r Result) {
	if r.Err != nil {
		w("case %q: error: %v", r.Name, r.Err)
		return
	}
	w("case %q: %s %s (forward_client_headers=%v, %d headers, %d body bytes)",
		r.Name, r.Request.Method, r.Request.URL, r.Request.ForwardClientHeaders,
		len(r.Request.Headers), len(r.Request.Body))
}
