// Package config loads process configuration from the environment and run
// manifests from YAML.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/uma-runtime/uma/pkg/adapters"
	"github.com/uma-runtime/uma/pkg/policy"
)

// Switch is a presence-style boolean: any non-empty value other than
// "false" or "0" (any case) turns it on.
type Switch bool

func (s *Switch) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	*s = Switch(v != "" && v != "false" && v != "0")
	return nil
}

// Config is the process configuration.
type Config struct {
	FailMode        string  `env:"UMA_FAIL_MODE" envDefault:"closed"`
	MetricsEndpoint string  `env:"UMA_METRICS_ENDPOINT"`
	EnableRetry     Switch  `env:"UMA_ENABLE_RETRY"`
	EnableCache     Switch  `env:"UMA_ENABLE_CACHE"`
	RuntimeID       string  `env:"UMA_RUNTIME_ID" envDefault:"uma-go"`
	Placement       string  `env:"UMA_PLACEMENT" envDefault:"native"`
	TelemetryPath   string  `env:"UMA_TELEMETRY_PATH" envDefault:"telemetry/metrics.jsonl"`
	EnvelopeSink    string  `env:"UMA_ENVELOPE_SINK" envDefault:"file://events"`
	LifecycleDSN    string  `env:"UMA_LIFECYCLE_DSN"`
	WasmDir         string  `env:"UMA_WASM_DIR"`
	CacheDir        string  `env:"UMA_CACHE_DIR" envDefault:"cache"`
	DriftTargetMs   float64 `env:"UMA_DRIFT_TARGET_MS" envDefault:"50"`
	LogLevel        string  `env:"UMA_LOG_LEVEL" envDefault:"INFO"`
	LogFormat       string  `env:"UMA_LOG_FORMAT" envDefault:"text"`

	// OTLPEndpoint enables span export when set (host:port).
	OTLPEndpoint string `env:"UMA_OTLP_ENDPOINT"`
	// ForwardBuffer and ForwardRate bound the telemetry forwarder.
	ForwardBuffer int     `env:"UMA_FORWARD_BUFFER" envDefault:"256"`
	ForwardRate   float64 `env:"UMA_FORWARD_RATE" envDefault:"50"`
}

// Load parses the process environment.
func Load() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	return &c, nil
}

// LoadFrom parses an explicit environment instead of the process one.
func LoadFrom(environ map[string]string) (*Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	return &c, nil
}

// Mode returns the policy enforcement mode.
func (c *Config) Mode() policy.Mode {
	return policy.ParseMode(c.FailMode)
}

// AdapterOptions returns the decorator switches. A manifest decorator list,
// when given, enables the listed wrappers and fixes their order.
func (c *Config) AdapterOptions(m *RunManifest) adapters.Options {
	opts := adapters.Options{Retry: bool(c.EnableRetry), Cache: bool(c.EnableCache)}
	if m != nil && len(m.Decorators) > 0 {
		opts.Order = m.Decorators
		for _, d := range m.Decorators {
			switch d {
			case "retry":
				opts.Retry = true
			case "cache":
				opts.Cache = true
			}
		}
	}
	return opts
}
