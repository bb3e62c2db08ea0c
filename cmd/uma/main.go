package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/uma-runtime/uma/pkg/config"
	"github.com/uma-runtime/uma/pkg/fault"
	"github.com/uma-runtime/uma/pkg/observability"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return fault.ExitInternal
	}

	switch args[1] {
	case "run":
		return runRunCmd(args[2:], stdout, stderr)
	case "bindings":
		return runBindingsCmd(args[2:], stdout, stderr)
	case "validate":
		return runValidateCmd(args[2:], stdout, stderr)
	case "drift":
		return runDriftCmd(args[2:], stdout, stderr)
	case "policy":
		return runPolicyCmd(args[2:], stdout, stderr)
	case "history":
		return runHistoryCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return fault.ExitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return fault.ExitInternal
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: uma <command> [flags]

Commands:
  run       -contracts DIR -policy FILE -manifest FILE   execute one run
  bindings  -contracts DIR [-mermaid FILE]               resolve producer/subscriber bindings
  validate  -contracts DIR -event NAME -payload FILE     validate a payload against its event schema
  drift     [-telemetry FILE] [-target MS] [-metric M]   audit p99 latency
  policy    digest -policy FILE | check -policy FILE -contracts DIR
  history   -service NAME [-limit N]                     list archived lifecycle records

Configuration is read from UMA_* environment variables.
`)
}

// env loads the process configuration and logger. Commands report a bad
// environment the same way as any other fatal fault.
func env(stderr io.Writer) (*config.Config, *slog.Logger, bool) {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, fault.Line(err))
		return nil, nil, false
	}
	return cfg, observability.NewLogger(cfg.LogLevel, cfg.LogFormat, stderr), true
}

// fail prints the fault line for err and returns its exit code.
func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintln(stderr, fault.Line(err))
	return fault.ExitCode(err)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
