// Package schema compiles JSON Schemas once and validates event payloads
// against them by reference.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/uma-runtime/uma/pkg/fault"
)

const resourceBase = "https://uma.schemas.local/"

// Result is the verdict of a single validation.
type Result struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

// Message aggregates every validation error into one human-readable string.
func (r Result) Message() string {
	return strings.Join(r.Errors, "; ")
}

// Err converts a failed result into a PayloadValidationFailed fault.
func (r Result) Err(ref string) error {
	if r.OK {
		return nil
	}
	return fault.New(fault.PayloadValidationFailed, "payload failed schema %s: %s", ref, r.Message())
}

// Validator holds compiled schemas keyed by reference.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles an inline schema document under ref. Compilation failure
// means the declaring contract is malformed.
func (v *Validator) Register(ref string, document []byte) error {
	c := newCompiler()
	url := resourceBase + resourceName(ref) + ".schema.json"
	if err := c.AddResource(url, bytes.NewReader(document)); err != nil {
		return fault.Wrap(fault.ContractMalformed, err, fmt.Sprintf("schema %s: load failed", ref))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fault.Wrap(fault.ContractMalformed, err, fmt.Sprintf("schema %s: compile failed", ref))
	}
	v.schemas[ref] = compiled
	return nil
}

// RegisterFile compiles the schema at path under ref. Relative $refs inside
// the file resolve against its location.
func (v *Validator) RegisterFile(ref, path string) error {
	c := newCompiler()
	compiled, err := c.Compile(path)
	if err != nil {
		return fault.Wrap(fault.ContractMalformed, err, fmt.Sprintf("schema %s: compile %s failed", ref, path))
	}
	v.schemas[ref] = compiled
	return nil
}

// Has reports whether ref is registered.
func (v *Validator) Has(ref string) bool {
	_, ok := v.schemas[ref]
	return ok
}

// Refs lists registered references in sorted order.
func (v *Validator) Refs() []string {
	refs := make([]string, 0, len(v.schemas))
	for ref := range v.schemas {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Validate checks payload against the schema registered under ref. The
// payload may be raw JSON bytes or any JSON-marshalable value. A failed
// validation is reported in the result, never as a panic or error.
func (v *Validator) Validate(ref string, payload any) Result {
	compiled, ok := v.schemas[ref]
	if !ok {
		return Result{Errors: []string{fmt.Sprintf("schema %q is not registered", ref)}}
	}

	doc, err := decode(payload)
	if err != nil {
		return Result{Errors: []string{fmt.Sprintf("payload is not valid JSON: %v", err)}}
	}

	if err := compiled.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return Result{Errors: flatten(ve)}
		}
		return Result{Errors: []string{err.Error()}}
	}
	return Result{OK: true}
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	return c
}

func resourceName(ref string) string {
	r := strings.NewReplacer("#", "/", " ", "_")
	return r.Replace(ref)
}

// decode turns payload into the generic JSON form the compiled schema expects.
func decode(payload any) (any, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// flatten collects every leaf cause so callers see all violations, not just the first.
func flatten(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("at %s: %s", loc, ve.Message)}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, flatten(cause)...)
	}
	return out
}
