package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/uma-runtime/uma/pkg/fault"
	"github.com/uma-runtime/uma/pkg/store"
	"github.com/uma-runtime/uma/pkg/telemetry"
)

// runDriftCmd implements `uma drift`. A warn or skipped audit is reported,
// never failed.
func runDriftCmd(args []string, stdout, stderr io.Writer) int {
	cfg, logger, ok := env(stderr)
	if !ok {
		return fault.ExitInternal
	}

	cmd := flag.NewFlagSet("drift", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		path   string
		target float64
		metric string
	)
	cmd.StringVar(&path, "telemetry", cfg.TelemetryPath, "Telemetry store (NDJSON)")
	cmd.Float64Var(&target, "target", cfg.DriftTargetMs, "p99 target in milliseconds")
	cmd.StringVar(&metric, "metric", telemetry.CallLatencyMetric, "Metric to audit")
	if err := cmd.Parse(args); err != nil {
		return fault.ExitInternal
	}

	a := telemetry.Auditor{Metric: metric, TargetMs: target, Logger: logger}
	report, err := a.AuditFile(context.Background(), path)
	if err != nil {
		return fail(stderr, err)
	}
	if err := writeJSON(stdout, report); err != nil {
		return fail(stderr, err)
	}
	return fault.ExitOK
}

// runPolicyCmd implements `uma policy digest` and `uma policy check`.
func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: uma policy <digest|check> -policy FILE [-contracts DIR]")
		return fault.ExitInternal
	}
	sub := args[0]
	if sub != "digest" && sub != "check" {
		_, _ = fmt.Fprintf(stderr, "Unknown policy command: %s\n", sub)
		return fault.ExitInternal
	}

	cmd := flag.NewFlagSet("policy "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var policyPath, contractsDir string
	cmd.StringVar(&policyPath, "policy", "", "Policy document (REQUIRED)")
	cmd.StringVar(&contractsDir, "contracts", "contracts", "Directory of contract documents (check only)")
	if err := cmd.Parse(args[1:]); err != nil {
		return fault.ExitInternal
	}
	if policyPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -policy is required")
		return fault.ExitInternal
	}

	cfg, logger, ok := env(stderr)
	if !ok {
		return fault.ExitInternal
	}
	engine, err := loadPolicy(policyPath, cfg.Mode(), logger)
	if err != nil {
		return fail(stderr, err)
	}
	if sub == "digest" {
		_, _ = fmt.Fprintln(stdout, engine.Digest())
		return fault.ExitOK
	}

	cs, err := loadContracts(contractsDir, logger)
	if err != nil {
		return fail(stderr, err)
	}
	verdict, err := engine.Check(context.Background(), cs.All())
	if werr := writeJSON(stdout, verdict); werr != nil {
		return fail(stderr, werr)
	}
	if err != nil {
		return fail(stderr, err)
	}
	return fault.ExitOK
}

// runHistoryCmd implements `uma history`: list archived lifecycle records of
// a service, newest first.
func runHistoryCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("history", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		service string
		limit   int
	)
	cmd.StringVar(&service, "service", "", "Service name (REQUIRED)")
	cmd.IntVar(&limit, "limit", 20, "Maximum records")
	if err := cmd.Parse(args); err != nil {
		return fault.ExitInternal
	}
	if service == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -service is required")
		return fault.ExitInternal
	}

	cfg, _, ok := env(stderr)
	if !ok {
		return fault.ExitInternal
	}
	if cfg.LifecycleDSN == "" {
		_, _ = fmt.Fprintln(stderr, "Error: UMA_LIFECYCLE_DSN is not set")
		return fault.ExitInternal
	}

	ctx := context.Background()
	s, err := store.Open(ctx, cfg.LifecycleDSN)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = s.Close() }()

	recs, err := s.List(ctx, service, limit)
	if err != nil {
		return fail(stderr, err)
	}
	if err := writeJSON(stdout, recs); err != nil {
		return fail(stderr, err)
	}
	return fault.ExitOK
}
