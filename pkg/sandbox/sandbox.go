// Package sandbox hosts portable compiled modules under wazero.
//
// A module reads its validated input JSON on stdin and writes its output
// JSON on stdout. Deny-by-default: no filesystem, no network, no environment.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// EntryPoint is the export a runnable module must provide.
const EntryPoint = "_start"

// DefaultOutputMaxBytes bounds stdout+stderr of a single invocation.
const DefaultOutputMaxBytes = 1024 * 1024

// Config restricts every module run by a sandbox.
type Config struct {
	MemoryLimitBytes int64
	CPUTimeLimit     time.Duration
	OutputMaxBytes   int
}

// Deterministic error codes for sandbox violations.
const (
	ErrComputeTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	ErrComputeOutputExhausted = "ERR_COMPUTE_OUTPUT_EXHAUSTED"
	ErrModuleInvalid          = "ERR_MODULE_INVALID"
	ErrModuleExit             = "ERR_MODULE_EXIT"
)

// SandboxError is a typed error for sandbox failures.
type SandboxError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WasiSandbox runs WASI preview1 modules.
type WasiSandbox struct {
	runtime wazero.Runtime
	config  Config
}

// New creates a sandbox with its own wazero runtime.
func New(ctx context.Context, cfg Config) (*WasiSandbox, error) {
	if cfg.OutputMaxBytes <= 0 {
		cfg.OutputMaxBytes = DefaultOutputMaxBytes
	}
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / 65536) // 64KiB per page
		if pages == 0 {
			pages = 1
		}
		rc = rc.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rc)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate wasi: %w", err)
	}
	return &WasiSandbox{runtime: r, config: cfg}, nil
}

// Probe checks that wasm compiles and exports the entry point without
// running it.
func (s *WasiSandbox) Probe(ctx context.Context, wasm []byte) error {
	compiled, err := s.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return &SandboxError{Code: ErrModuleInvalid, Message: err.Error()}
	}
	defer func() { _ = compiled.Close(ctx) }()
	if _, ok := compiled.ExportedFunctions()[EntryPoint]; !ok {
		return &SandboxError{Code: ErrModuleInvalid, Message: "module does not export " + EntryPoint}
	}
	return nil
}

// Run executes wasm once with input on stdin and returns stdout. It is a
// single blocking call; there is no partial output.
func (s *WasiSandbox) Run(ctx context.Context, wasm []byte, input []byte) ([]byte, error) {
	execCtx := ctx
	if s.config.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.config.CPUTimeLimit)
		defer cancel()
	}

	compiled, err := s.runtime.CompileModule(execCtx, wasm)
	if err != nil {
		return nil, &SandboxError{Code: ErrModuleInvalid, Message: err.Error()}
	}
	defer func() { _ = compiled.Close(execCtx) }()

	var stdout, stderr bytes.Buffer
	mc := wazero.NewModuleConfig().
		WithName(""). // anonymous so the same module can run repeatedly
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions(EntryPoint)

	mod, err := s.runtime.InstantiateModule(execCtx, compiled, mc)
	if mod != nil {
		defer func() { _ = mod.Close(execCtx) }()
	}
	if err != nil {
		var exitErr *sys.ExitError
		switch {
		case errors.As(err, &exitErr) && exitErr.ExitCode() == 0:
			// proc_exit(0) is a normal return.
		case execCtx.Err() != nil:
			return nil, &SandboxError{
				Code:    ErrComputeTimeExhausted,
				Message: fmt.Sprintf("execution exceeded time limit (%s)", s.config.CPUTimeLimit),
			}
		case errors.As(err, &exitErr):
			return nil, &SandboxError{
				Code:    ErrModuleExit,
				Message: fmt.Sprintf("module exited with code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String())),
			}
		default:
			return nil, fmt.Errorf("sandbox: execution failed: %w", err)
		}
	}

	if total := stdout.Len() + stderr.Len(); total > s.config.OutputMaxBytes {
		return nil, &SandboxError{
			Code:    ErrComputeOutputExhausted,
			Message: fmt.Sprintf("output size %d exceeds limit %d", total, s.config.OutputMaxBytes),
		}
	}
	return stdout.Bytes(), nil
}

// Close releases the runtime and every compiled module.
func (s *WasiSandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}
