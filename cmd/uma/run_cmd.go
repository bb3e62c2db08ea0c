package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/uma-runtime/uma/pkg/config"
	"github.com/uma-runtime/uma/pkg/fault"
	"github.com/uma-runtime/uma/pkg/runtime"
)

// runRunCmd implements `uma run`.
//
// The lifecycle record is written to stdout as JSON, whether the run was
// finalized or aborted. A fatal fault additionally prints its fault line on
// stderr and sets the exit code.
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		contractsDir string
		policyPath   string
		manifestPath string
		runID        string
	)
	cmd.StringVar(&contractsDir, "contracts", "contracts", "Directory of contract documents")
	cmd.StringVar(&policyPath, "policy", "", "Policy document (REQUIRED)")
	cmd.StringVar(&manifestPath, "manifest", "", "Run manifest (REQUIRED)")
	cmd.StringVar(&runID, "run-id", "", "Run identifier (default: random)")

	if err := cmd.Parse(args); err != nil {
		return fault.ExitInternal
	}
	if policyPath == "" || manifestPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -policy and -manifest are required")
		return fault.ExitInternal
	}

	cfg, logger, ok := env(stderr)
	if !ok {
		return fault.ExitInternal
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := config.LoadRunManifest(manifestPath)
	if err != nil {
		return fail(stderr, err)
	}
	cs, err := loadContracts(contractsDir, logger)
	if err != nil {
		return fail(stderr, err)
	}
	engine, err := loadPolicy(policyPath, cfg.Mode(), logger)
	if err != nil {
		return fail(stderr, err)
	}

	runner, cl, err := buildRunner(ctx, cfg, cs, engine, m, logger)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() {
		if err := cl.close(context.Background()); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	plan, err := planFrom(m)
	if err != nil {
		return fail(stderr, err)
	}
	plan.RunID = runID

	rec, runErr := runner.Run(ctx, plan)
	if rec != nil {
		if err := writeJSON(stdout, rec); err != nil {
			return fail(stderr, err)
		}
	}
	if runErr != nil {
		return fail(stderr, runErr)
	}
	return fault.ExitOK
}

func planFrom(m *config.RunManifest) (runtime.Plan, error) {
	stage := func(s config.StageSpec) (runtime.Stage, error) {
		in, err := m.InputJSON(s)
		if err != nil {
			return runtime.Stage{}, err
		}
		return runtime.Stage{
			Service:    s.Service,
			Capability: s.Capability,
			Event:      s.Event,
			Key:        s.Key,
			Input:      in,
		}, nil
	}

	var plan runtime.Plan
	prod, err := stage(m.Producer)
	if err != nil {
		return plan, err
	}
	plan.Producer = prod
	for _, s := range m.Subscribers {
		sub, err := stage(s)
		if err != nil {
			return plan, err
		}
		plan.Subscribers = append(plan.Subscribers, sub)
	}
	return plan, nil
}
