// Package telemetry records latency samples to an append-only NDJSON store,
// forwards them best-effort to an external collector, and audits tail
// latency after the fact.
package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Sample is one line of the store.
type Sample struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
}

// Collector appends samples to path. The file is opened per write and never
// rewritten.
type Collector struct {
	path      string
	forwarder Forwarder
	logger    *slog.Logger
}

// NewCollector creates the store's parent directory. fwd may be nil.
func NewCollector(path string, fwd Forwarder, logger *slog.Logger) (*Collector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("telemetry: create store dir: %w", err)
		}
	}
	return &Collector{path: path, forwarder: fwd, logger: logger.With("component", "telemetry")}, nil
}

// Path returns the store location.
func (c *Collector) Path() string { return c.path }

// Record appends one sample and hands it to the forwarder. Forwarding never
// fails the call.
func (c *Collector) Record(ctx context.Context, metric string, value float64) error {
	s := Sample{Metric: metric, Value: value}
	line, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("telemetry: encode sample: %w", err)
	}
	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("telemetry: open store: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("telemetry: append: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("telemetry: close store: %w", err)
	}

	if c.forwarder != nil {
		if err := c.forwarder.Forward(ctx, s); err != nil {
			c.logger.DebugContext(ctx, "telemetry forward failed", "metric", metric, "error", err)
		}
	}
	return nil
}

// Time runs fn and records its wall-clock duration in milliseconds under
// each metric name. fn's error is returned unchanged; a recording failure is
// logged only.
func (c *Collector) Time(ctx context.Context, fn func() error, metrics ...string) (time.Duration, error) {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	c.Observe(ctx, elapsed, metrics...)
	return elapsed, err
}

// Observe records elapsed in milliseconds under every metric. Record
// failures are logged, not returned.
func (c *Collector) Observe(ctx context.Context, elapsed time.Duration, metrics ...string) {
	ms := float64(elapsed.Microseconds()) / 1000
	for _, m := range metrics {
		if rerr := c.Record(ctx, m, ms); rerr != nil {
			c.logger.WarnContext(ctx, "telemetry record failed", "metric", m, "error", rerr)
		}
	}
}

// Close flushes the forwarder.
func (c *Collector) Close(ctx context.Context) error {
	if c.forwarder == nil {
		return nil
	}
	return c.forwarder.Close(ctx)
}

// ReadSamples returns the values recorded for metric, in file order. A
// missing store yields no samples. Lines that do not decode are skipped.
func ReadSamples(path, metric string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var values []float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var s Sample
		if err := json.Unmarshal(sc.Bytes(), &s); err != nil {
			continue
		}
		if s.Metric == metric {
			values = append(values, s.Value)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("telemetry: read %s: %w", path, err)
	}
	return values, nil
}
