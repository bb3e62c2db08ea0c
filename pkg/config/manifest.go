package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/uma-runtime/uma/pkg/fault"
)

// RunManifest describes one run: the producer stage, the subscribers fed
// from it, and the implementation preference per capability.
type RunManifest struct {
	Producer    StageSpec   `yaml:"producer"`
	Subscribers []StageSpec `yaml:"subscribers"`
	// Capabilities maps a capability to candidate names in preference
	// order, e.g. image.tagger: [wasi, native].
	Capabilities map[string][]string `yaml:"capabilities"`
	// Decorators lists wrappers innermost first, e.g. [retry, cache].
	Decorators []string `yaml:"decorators"`

	dir string
}

// StageSpec is one invocation in a run.
type StageSpec struct {
	Service    string `yaml:"service"`
	Capability string `yaml:"capability"`
	Event      string `yaml:"event"`
	Key        string `yaml:"key"`
	Input      any    `yaml:"input"`
	InputFile  string `yaml:"inputFile"`
}

// LoadRunManifest reads a YAML manifest. Relative input files resolve
// against the manifest's directory.
func LoadRunManifest(path string) (*RunManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fault.Wrap(fault.MissingFile, err, path)
		}
		return nil, fmt.Errorf("config: read manifest: %w", err)
	}
	var m RunManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse manifest %s: %w", path, err)
	}
	if m.Producer.Service == "" {
		return nil, fmt.Errorf("config: manifest %s: producer.service is required", path)
	}
	if m.Producer.Event == "" {
		return nil, fmt.Errorf("config: manifest %s: producer.event is required", path)
	}
	for i, s := range m.Subscribers {
		if s.Service == "" {
			return nil, fmt.Errorf("config: manifest %s: subscribers[%d].service is required", path, i)
		}
	}
	for _, d := range m.Decorators {
		if d != "retry" && d != "cache" {
			return nil, fmt.Errorf("config: manifest %s: unknown decorator %q", path, d)
		}
	}
	m.dir = filepath.Dir(path)
	return &m, nil
}

// InputJSON returns the stage input as JSON. It is nil when the stage
// declares no input.
func (m *RunManifest) InputJSON(s StageSpec) (json.RawMessage, error) {
	if s.InputFile != "" {
		p := s.InputFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(m.dir, p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fault.Wrap(fault.MissingFile, err, p)
			}
			return nil, fmt.Errorf("config: read input: %w", err)
		}
		if filepath.Ext(p) == ".yaml" || filepath.Ext(p) == ".yml" {
			var v any
			if err := yaml.Unmarshal(data, &v); err != nil {
				return nil, fmt.Errorf("config: parse input %s: %w", p, err)
			}
			return json.Marshal(v)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("config: input %s is not valid JSON", p)
		}
		return data, nil
	}
	if s.Input == nil {
		return nil, nil
	}
	out, err := json.Marshal(s.Input)
	if err != nil {
		return nil, fmt.Errorf("config: encode input: %w", err)
	}
	return out, nil
}
