// Package adapters resolves logical capabilities to concrete implementations
// and composes optional reliability wrappers around them.
package adapters

import (
	"context"
	"encoding/json"
	"strings"
)

// Request is one capability call.
type Request struct {
	// Key is the logical identity of the call, e.g. the requested resource.
	// Caching keys on it.
	Key   string          `json:"key,omitempty"`
	Input json.RawMessage `json:"input"`
}

// Response is a capability's result. Status is the reason code the
// implementation reports; empty or "OK" is normal execution.
type Response struct {
	Output json.RawMessage `json:"output"`
	Status string          `json:"status,omitempty"`
	// CacheHit is set when the cache wrapper answered without an upstream call.
	CacheHit bool `json:"-"`
}

// Degraded reports whether the implementation signalled non-normal execution.
func (r Response) Degraded() bool {
	return r.Status != "" && r.Status != "OK"
}

// Capability is a callable capability implementation.
type Capability interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, req Request) (Response, error)

func (f CapabilityFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Wrapper is a named decorator constructor.
type Wrapper struct {
	Name string
	Wrap func(Capability) Capability
}

// Chain applies wrappers to base in order, innermost first, and returns the
// composed handle together with its implementation name. Each wrapper
// prefixes the name, so Chain(b, "wasi", retry, cache) yields
// "cache-retry-wasi".
func Chain(base Capability, name string, wrappers ...Wrapper) (Capability, string) {
	c := base
	var prefix []string
	for _, w := range wrappers {
		c = w.Wrap(c)
		prefix = append([]string{w.Name}, prefix...)
	}
	if len(prefix) == 0 {
		return c, name
	}
	return c, strings.Join(prefix, "-") + "-" + name
}
