package adapters

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
)

// ModuleRunner executes compiled portable modules.
type ModuleRunner interface {
	Probe(ctx context.Context, wasm []byte) error
	Run(ctx context.Context, wasm []byte, input []byte) ([]byte, error)
}

// HostWasi is the host identity of sandboxed implementations.
const HostWasi = "wasm32-wasi"

// WasiCandidate runs the module at path inside runner. It is unavailable
// when no runner is configured, the file is missing, or the module does not
// expose an entry point.
func WasiCandidate(runner ModuleRunner, path string) Candidate {
	var wasm []byte
	load := func(ctx context.Context) error {
		if runner == nil {
			return errors.New("no sandbox configured")
		}
		if path == "" {
			return errors.New("no module path")
		}
		if wasm == nil {
			b, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read module: %w", err)
			}
			wasm = b
		}
		return runner.Probe(ctx, wasm)
	}
	return Candidate{
		Name:      "wasi",
		Host:      HostWasi,
		Available: load,
		Build: func(ctx context.Context) (Capability, error) {
			if err := load(ctx); err != nil {
				return nil, err
			}
			return CapabilityFunc(func(ctx context.Context, req Request) (Response, error) {
				out, err := runner.Run(ctx, wasm, req.Input)
				if err != nil {
					return Response{}, err
				}
				return Response{Output: out}, nil
			}), nil
		},
	}
}

// NativeCandidate wraps an in-process implementation. It is always
// available and reports the host operating system.
func NativeCandidate(name string, c Capability) Candidate {
	return Candidate{
		Name: name,
		Host: runtime.GOOS,
		Build: func(context.Context) (Capability, error) {
			return c, nil
		},
	}
}
