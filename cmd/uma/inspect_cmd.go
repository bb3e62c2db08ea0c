package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/uma-runtime/uma/pkg/binding"
	"github.com/uma-runtime/uma/pkg/contracts"
	"github.com/uma-runtime/uma/pkg/fault"
	"github.com/uma-runtime/uma/pkg/schema"
)

// runBindingsCmd implements `uma bindings`: resolve every producer and
// subscriber pair and print the report. Warnings never change the exit code.
func runBindingsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("bindings", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var contractsDir, mermaidPath string
	cmd.StringVar(&contractsDir, "contracts", "contracts", "Directory of contract documents")
	cmd.StringVar(&mermaidPath, "mermaid", "", "Also write the binding graph as a Mermaid flowchart")
	if err := cmd.Parse(args); err != nil {
		return fault.ExitInternal
	}

	_, logger, ok := env(stderr)
	if !ok {
		return fault.ExitInternal
	}
	cs, err := loadContracts(contractsDir, logger)
	if err != nil {
		return fail(stderr, err)
	}

	report := binding.NewResolver(logger).ResolveAll(context.Background(), cs.All())
	if mermaidPath != "" {
		if err := os.WriteFile(mermaidPath, []byte(report.Mermaid()), 0o600); err != nil {
			return fail(stderr, fmt.Errorf("write mermaid: %w", err))
		}
	}
	if err := writeJSON(stdout, report); err != nil {
		return fail(stderr, err)
	}
	return fault.ExitOK
}

// runValidateCmd implements `uma validate`: check a payload file against the
// schema of the contract that emits the event.
func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var contractsDir, event, service, payloadPath string
	cmd.StringVar(&contractsDir, "contracts", "contracts", "Directory of contract documents")
	cmd.StringVar(&event, "event", "", "Event name (REQUIRED)")
	cmd.StringVar(&service, "service", "", "Emitting contract, when more than one emits the event")
	cmd.StringVar(&payloadPath, "payload", "", "JSON payload file (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return fault.ExitInternal
	}
	if event == "" || payloadPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -event and -payload are required")
		return fault.ExitInternal
	}

	_, logger, ok := env(stderr)
	if !ok {
		return fault.ExitInternal
	}
	cs, err := loadContracts(contractsDir, logger)
	if err != nil {
		return fail(stderr, err)
	}
	producer, err := emitterOf(cs, event, service)
	if err != nil {
		return fail(stderr, err)
	}

	v := schema.NewValidator()
	if err := producer.RegisterSchemas(v); err != nil {
		return fail(stderr, err)
	}
	payload, err := os.ReadFile(payloadPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fail(stderr, fault.Wrap(fault.MissingFile, err, payloadPath))
		}
		return fail(stderr, err)
	}

	ref := contracts.SchemaRef(producer.Name, event)
	res := v.Validate(ref, payload)
	if err := writeJSON(stdout, res); err != nil {
		return fail(stderr, err)
	}
	if err := res.Err(ref); err != nil {
		return fail(stderr, err)
	}
	return fault.ExitOK
}

func emitterOf(cs *contracts.Store, event, service string) (*contracts.Contract, error) {
	if service != "" {
		c, err := cs.MustGet(service)
		if err != nil {
			return nil, err
		}
		if _, ok := c.Emit(event); !ok {
			return nil, fault.New(fault.ContractMalformed, "contract %s does not emit %s", service, event)
		}
		return c, nil
	}
	var found []*contracts.Contract
	for _, c := range cs.All() {
		if _, ok := c.Emit(event); ok {
			found = append(found, c)
		}
	}
	switch len(found) {
	case 0:
		return nil, fault.New(fault.MissingFile, "no contract emits %s", event)
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("event %s is emitted by %d contracts; pass -service", event, len(found))
	}
}
