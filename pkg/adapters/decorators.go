package adapters

import (
	"context"
	"sync"
)

// DefaultRetryAttempts is the total number of calls, including the first.
const DefaultRetryAttempts = 3

// Attempt describes one call made by the retry wrapper.
type Attempt struct {
	N   int
	Err error
}

// Options selects the wrappers applied to every resolved capability.
type Options struct {
	Retry bool
	Cache bool

	// RetryAttempts overrides DefaultRetryAttempts when positive.
	RetryAttempts int
	// OnAttempt, if set, observes every retry attempt. Nil keeps only the
	// final outcome visible.
	OnAttempt func(ctx context.Context, a Attempt)
	// Order lists wrapper names innermost first. Empty means DefaultOrder.
	Order []string
}

// DefaultOrder puts retry around the base and cache around retry, so a
// cache hit short-circuits before any retry.
var DefaultOrder = []string{"retry", "cache"}

// Wrappers returns the enabled wrappers, innermost first.
func (o Options) Wrappers() []Wrapper {
	order := o.Order
	if len(order) == 0 {
		order = DefaultOrder
	}
	var ws []Wrapper
	for _, name := range order {
		switch {
		case name == "retry" && o.Retry:
			ws = append(ws, Retry(o.RetryAttempts, o.OnAttempt))
		case name == "cache" && o.Cache:
			ws = append(ws, Cache())
		}
	}
	return ws
}

// Retry calls the inner capability until it succeeds or attempts calls have
// failed. There is no delay between attempts.
func Retry(attempts int, onAttempt func(context.Context, Attempt)) Wrapper {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	return Wrapper{
		Name: "retry",
		Wrap: func(inner Capability) Capability {
			return &retrying{inner: inner, attempts: attempts, onAttempt: onAttempt}
		},
	}
}

type retrying struct {
	inner     Capability
	attempts  int
	onAttempt func(context.Context, Attempt)
}

func (r *retrying) Invoke(ctx context.Context, req Request) (Response, error) {
	var (
		resp Response
		err  error
	)
	for n := 1; n <= r.attempts; n++ {
		resp, err = r.inner.Invoke(ctx, req)
		if r.onAttempt != nil {
			r.onAttempt(ctx, Attempt{N: n, Err: err})
		}
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return resp, err
}

// CacheStats counts cache lookups.
type CacheStats struct {
	Hits   int
	Misses int
}

// Cached is the capability returned by the cache wrapper.
type Cached struct {
	inner Capability

	mu      sync.Mutex
	entries map[string]Response
	stats   CacheStats
}

// Cache memoises successful responses by request key for the lifetime of the
// wrapped handle. Nothing is persisted.
func Cache() Wrapper {
	return Wrapper{
		Name: "cache",
		Wrap: func(inner Capability) Capability {
			return &Cached{inner: inner, entries: make(map[string]Response)}
		},
	}
}

func (c *Cached) Invoke(ctx context.Context, req Request) (Response, error) {
	key := req.Key
	if key == "" {
		key = string(req.Input)
	}

	c.mu.Lock()
	if resp, ok := c.entries[key]; ok {
		c.stats.Hits++
		c.mu.Unlock()
		resp.CacheHit = true
		return resp, nil
	}
	c.stats.Misses++
	c.mu.Unlock()

	resp, err := c.inner.Invoke(ctx, req)
	if err != nil {
		return resp, err
	}

	c.mu.Lock()
	c.entries[key] = resp
	c.mu.Unlock()
	return resp, nil
}

// Stats returns a snapshot of the hit and miss counters.
func (c *Cached) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
