package telemetry

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"github.com/uma-runtime/uma/pkg/fault"
)

// CallLatencyMetric is the metric every capability call is recorded under.
const CallLatencyMetric = "uma.call.latency_ms"

// DefaultTargetMs is the default p99 target.
const DefaultTargetMs = 50

// Audit outcomes.
const (
	StatusSkipped = "skipped"
	StatusPass    = "pass"
	StatusWarn    = "warn"
)

// DriftReport is the result of one audit.
type DriftReport struct {
	Metric string  `json:"metric"`
	Status string  `json:"status"`
	Count  int     `json:"count"`
	P99    float64 `json:"p99"`
	Target float64 `json:"target"`
}

// Auditor compares the p99 of a metric against a target.
type Auditor struct {
	Metric   string
	TargetMs float64
	Logger   *slog.Logger
}

// P99 returns sorted[max(0, floor(0.99*n)-1)] over a sorted copy of values.
// It returns false for an empty slice.
func P99(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Floor(0.99*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx], true
}

// Audit evaluates samples. It never fails: no samples is reported as
// skipped, exceeding the target as warn.
func (a Auditor) Audit(ctx context.Context, samples []float64) DriftReport {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "drift")

	metric := a.Metric
	if metric == "" {
		metric = CallLatencyMetric
	}
	target := a.TargetMs
	if target <= 0 {
		target = DefaultTargetMs
	}
	r := DriftReport{Metric: metric, Count: len(samples), Target: target}

	p99, ok := P99(samples)
	if !ok {
		r.Status = StatusSkipped
		logger.WarnContext(ctx, "drift audit skipped: no samples", "metric", metric)
		return r
	}
	r.P99 = p99
	if p99 > target {
		r.Status = StatusWarn
		logger.WarnContext(ctx, "p99 latency exceeds target",
			"kind", fault.DriftWarning, "metric", metric, "p99", p99, "target", target, "samples", len(samples))
		return r
	}
	r.Status = StatusPass
	logger.InfoContext(ctx, "p99 latency within target", "metric", metric, "p99", p99, "target", target, "samples", len(samples))
	return r
}

// AuditFile audits the samples stored at path.
func (a Auditor) AuditFile(ctx context.Context, path string) (DriftReport, error) {
	metric := a.Metric
	if metric == "" {
		metric = CallLatencyMetric
	}
	samples, err := ReadSamples(path, metric)
	if err != nil {
		return DriftReport{}, err
	}
	return a.Audit(ctx, samples), nil
}
