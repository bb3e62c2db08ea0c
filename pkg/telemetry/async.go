package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// forwardTimeout bounds one background push.
const forwardTimeout = 2 * time.Second

// AsyncForwarder hands samples to a background worker. Forward never blocks:
// when the buffer is full the sample is dropped. Errors from the inner
// forwarder are logged at debug level and discarded.
type AsyncForwarder struct {
	inner   Forwarder
	ch      chan Sample
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
	failed  atomic.Int64
	sent    atomic.Int64
}

// NewAsyncForwarder starts the worker. limit caps pushes per second; use
// rate.Inf for no cap.
func NewAsyncForwarder(inner Forwarder, buffer int, limit rate.Limit, logger *slog.Logger) *AsyncForwarder {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	burst := 1
	if limit != rate.Inf && limit > 1 {
		burst = int(limit)
	}
	a := &AsyncForwarder{
		inner:   inner,
		ch:      make(chan Sample, buffer),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("component", "telemetry"),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *AsyncForwarder) run() {
	defer a.wg.Done()
	for s := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		if err := a.limiter.Wait(ctx); err == nil {
			err = a.inner.Forward(ctx, s)
			if err != nil {
				a.failed.Add(1)
				a.logger.Debug("telemetry forward failed", "metric", s.Metric, "error", err)
			} else {
				a.sent.Add(1)
			}
		} else {
			a.dropped.Add(1)
		}
		cancel()
	}
}

// Forward enqueues s without blocking. Samples arriving after Close are
// dropped.
func (a *AsyncForwarder) Forward(_ context.Context, s Sample) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return nil
	}
	select {
	case a.ch <- s:
	default:
		a.dropped.Add(1)
	}
	return nil
}

// Close stops accepting samples and waits for queued ones until ctx ends.
func (a *AsyncForwarder) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return a.inner.Close(ctx)
}

// ForwardStats counts outcomes of forwarded samples.
type ForwardStats struct {
	Sent    int64
	Failed  int64
	Dropped int64
}

// Stats returns the current counters.
func (a *AsyncForwarder) Stats() ForwardStats {
	return ForwardStats{Sent: a.sent.Load(), Failed: a.failed.Load(), Dropped: a.dropped.Load()}
}
