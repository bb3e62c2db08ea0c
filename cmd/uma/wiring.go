package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/uma-runtime/uma/pkg/adapters"
	"github.com/uma-runtime/uma/pkg/config"
	"github.com/uma-runtime/uma/pkg/contracts"
	"github.com/uma-runtime/uma/pkg/envelope"
	"github.com/uma-runtime/uma/pkg/modules"
	"github.com/uma-runtime/uma/pkg/observability"
	"github.com/uma-runtime/uma/pkg/policy"
	"github.com/uma-runtime/uma/pkg/runtime"
	"github.com/uma-runtime/uma/pkg/sandbox"
	"github.com/uma-runtime/uma/pkg/store"
	"github.com/uma-runtime/uma/pkg/telemetry"
)

// defaultPreference is used for capabilities the manifest does not list.
var defaultPreference = []string{"wasi", "native"}

// natives are the in-process implementations shipped with the binary.
func natives(cfg *config.Config) map[string]adapters.Capability {
	return map[string]adapters.Capability{
		"image.tagger":  modules.ImageTagger(),
		"edge.cache":    &modules.EdgeCache{Dir: cfg.CacheDir},
		"network.fetch": modules.NewHTTPFetch(),
	}
}

func loadContracts(dir string, logger *slog.Logger) (*contracts.Store, error) {
	cs := contracts.NewStore()
	if err := cs.LoadDir(dir); err != nil {
		return nil, err
	}
	logger.Info("contracts loaded", "dir", dir, "count", cs.Len())
	return cs, nil
}

func loadPolicy(path string, mode policy.Mode, logger *slog.Logger) (*policy.Engine, error) {
	l, err := policy.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return policy.NewEngine(l, mode, logger)
}

// closers releases resources in reverse order of acquisition.
type closers []func(context.Context) error

func (c *closers) add(fn func(context.Context) error) { *c = append(*c, fn) }

func (c closers) close(ctx context.Context) error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		errs = append(errs, c[i](ctx))
	}
	return errors.Join(errs...)
}

// buildRunner wires every collaborator of a run from the environment and the
// manifest. The returned closers must be released once the run is done.
func buildRunner(ctx context.Context, cfg *config.Config, cs *contracts.Store, engine *policy.Engine, m *config.RunManifest, logger *slog.Logger) (*runtime.Runner, closers, error) {
	var cl closers
	abort := func(err error) (*runtime.Runner, closers, error) {
		_ = cl.close(ctx)
		return nil, nil, err
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.RuntimeID = cfg.RuntimeID
	if cfg.OTLPEndpoint != "" {
		obsCfg.Enabled = true
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obsCfg.Insecure = true
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return abort(err)
	}
	cl.add(obs.Shutdown)

	var runner adapters.ModuleRunner
	if cfg.WasmDir != "" {
		sb, err := sandbox.New(ctx, sandbox.Config{})
		if err != nil {
			return abort(err)
		}
		cl.add(sb.Close)
		runner = sb
	}
	mgr := adapters.NewManager(cfg.AdapterOptions(m), logger)
	registerCapabilities(mgr, cfg, m, runner)
	logger.DebugContext(ctx, "capabilities registered", "capabilities", mgr.Capabilities())

	sink, err := envelope.OpenSink(ctx, cfg.EnvelopeSink)
	if err != nil {
		return abort(err)
	}
	if c, ok := sink.(io.Closer); ok {
		cl.add(func(context.Context) error { return c.Close() })
	}

	var fwd telemetry.Forwarder
	if cfg.MetricsEndpoint != "" {
		inner, err := telemetry.NewForwarder(ctx, cfg.MetricsEndpoint)
		if err != nil {
			logger.WarnContext(ctx, "telemetry forwarding disabled", "endpoint", cfg.MetricsEndpoint, "error", err)
		} else {
			fwd = telemetry.NewAsyncForwarder(inner, cfg.ForwardBuffer, rate.Limit(cfg.ForwardRate), logger)
		}
	}
	collector, err := telemetry.NewCollector(cfg.TelemetryPath, fwd, logger)
	if err != nil {
		return abort(err)
	}
	cl.add(collector.Close)

	var archive store.LifecycleStore
	if cfg.LifecycleDSN != "" {
		s, err := store.Open(ctx, cfg.LifecycleDSN)
		if err != nil {
			return abort(err)
		}
		cl.add(func(context.Context) error { return s.Close() })
		archive = s
	}

	r, err := runtime.New(ctx, runtime.Runner{
		Contracts: cs,
		Policy:    engine,
		Adapters:  mgr,
		Builder:   envelope.NewBuilder(cfg.RuntimeID),
		Sink:      sink,
		Telemetry: collector,
		Store:     archive,
		Obs:       obs,
		Logger:    logger,
		Placement: cfg.Placement,
	})
	if err != nil {
		return abort(err)
	}
	return r, cl, nil
}

// registerCapabilities gives every known capability its candidates in
// manifest preference order. A wasi candidate looks for <capability>.wasm in
// UMA_WASM_DIR and is only offered when that directory is set.
func registerCapabilities(mgr *adapters.Manager, cfg *config.Config, m *config.RunManifest, runner adapters.ModuleRunner) {
	native := natives(cfg)
	names := make(map[string]bool)
	for name := range native {
		names[name] = true
	}
	if m != nil {
		for name := range m.Capabilities {
			names[name] = true
		}
		for _, s := range append([]config.StageSpec{m.Producer}, m.Subscribers...) {
			names[capabilityOf(s)] = true
		}
	}

	for name := range names {
		pref := defaultPreference
		if m != nil && len(m.Capabilities[name]) > 0 {
			pref = m.Capabilities[name]
		}
		for _, impl := range pref {
			switch impl {
			case "wasi":
				if cfg.WasmDir != "" {
					mgr.Register(name, adapters.WasiCandidate(runner, filepath.Join(cfg.WasmDir, name+".wasm")))
				}
			case "native":
				if c, ok := native[name]; ok {
					mgr.Register(name, adapters.NativeCandidate("native", c))
				}
			}
		}
	}
}

func capabilityOf(s config.StageSpec) string {
	if s.Capability != "" {
		return s.Capability
	}
	return s.Service
}
