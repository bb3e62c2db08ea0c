// Package policy verifies the organisation policy document and evaluates its
// deny rules against contract placement constraints.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gowebpki/jcs"
	"gopkg.in/yaml.v3"

	"github.com/uma-runtime/uma/pkg/fault"
)

// Document is the policy document.
type Document struct {
	Deny []DenyRule `json:"deny" yaml:"deny"`
}

// DenyRule forbids a service from declaring a placement. When, if set, is a
// CEL expression over `contract` that must also hold for the rule to match.
type DenyRule struct {
	Rule string    `json:"rule" yaml:"rule"`
	If   Condition `json:"if" yaml:"if"`
	When string    `json:"when,omitempty" yaml:"when,omitempty"`
}

// Condition selects a service and a placement.
type Condition struct {
	Service   string `json:"service" yaml:"service"`
	Placement string `json:"placement" yaml:"placement"`
}

// Loaded is a parsed document together with its digest.
type Loaded struct {
	Document Document
	Digest   string
	Source   string
}

// LoadFile reads a policy document. Files ending in .yaml or .yml are parsed
// as YAML, everything else as JSON. The digest covers the canonical JSON form,
// so formatting changes do not alter it but content changes do.
func LoadFile(path string) (*Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fault.Wrap(fault.MissingFile, err, path)
		}
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("policy: %s: %w", path, err)
		}
	}

	l, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy: %s: %w", path, err)
	}
	l.Source = path
	return l, nil
}

// Parse decodes a JSON policy document and digests it.
func Parse(data []byte) (*Loaded, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	for i, r := range doc.Deny {
		if r.Rule == "" {
			return nil, fmt.Errorf("deny rule %d: missing rule id", i)
		}
	}
	return &Loaded{Document: doc, Digest: Digest(data)}, nil
}

// Digest returns "sha256:<hex>" over the RFC 8785 canonical form of a JSON
// document. Content that is not valid JSON is digested as raw bytes.
func Digest(data []byte) string {
	canonical, err := jcs.Transform(data)
	if err != nil {
		canonical = data
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if v == nil {
		v = map[string]any{}
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return out, nil
}
