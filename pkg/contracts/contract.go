// Package contracts loads capability contracts: the declarative documents
// naming what a module emits, what it subscribes to, and where it may run.
package contracts

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/text/unicode/norm"

	"github.com/uma-runtime/uma/pkg/fault"
	"github.com/uma-runtime/uma/pkg/schema"
)

//go:embed schemas/contract.schema.json
var metaSchema []byte

const metaSchemaRef = "uma.contract"

// Contract describes one capability module.
type Contract struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Events      Events         `json:"events"`
	Constraints Constraints    `json:"constraints"`
	Policies    Policies       `json:"policies"`
	Parameters  map[string]any `json:"parameters,omitempty"`

	// Dir is the directory the contract was loaded from. Schema references
	// given as strings resolve against it.
	Dir string `json:"-"`

	semver *semver.Version
}

// Events lists emitted events and subscriptions in declaration order.
type Events struct {
	Emits      []EmitDecl     `json:"emits"`
	Subscribes []Subscription `json:"subscribes"`
}

// EmitDecl declares an emitted event and its payload schema. Schema is either
// an inline JSON Schema or a string path to one.
type EmitDecl struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// Subscription declares interest in events selected by Pattern.
type Subscription struct {
	Pattern string          `json:"pattern"`
	Schema  json.RawMessage `json:"schema,omitempty"`
	Policy  string          `json:"policy,omitempty"`

	matcher Pattern
}

// Matcher returns the parsed pattern.
func (s Subscription) Matcher() Pattern {
	if s.matcher.raw == "" {
		return ParsePattern(s.Pattern)
	}
	return s.matcher
}

// Constraints restrict where a module may run.
type Constraints struct {
	Placement []string `json:"placement"`
}

// Policies names the policies a module requires.
type Policies struct {
	Requires []string `json:"requires"`
}

var metaValidator = func() *schema.Validator {
	v := schema.NewValidator()
	if err := v.Register(metaSchemaRef, metaSchema); err != nil {
		panic(fmt.Sprintf("contracts: embedded meta-schema: %v", err))
	}
	return v
}()

// Parse decodes a contract document and checks it against the contract
// meta-schema. Any failure is ContractMalformed.
func Parse(data []byte) (*Contract, error) {
	if res := metaValidator.Validate(metaSchemaRef, json.RawMessage(data)); !res.OK {
		return nil, fault.New(fault.ContractMalformed, "contract failed meta-schema: %s", res.Message())
	}

	var c Contract
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&c); err != nil {
		return nil, fault.Wrap(fault.ContractMalformed, err, "contract decode failed")
	}

	v, err := semver.StrictNewVersion(c.Version)
	if err != nil {
		return nil, fault.Wrap(fault.ContractMalformed, err, fmt.Sprintf("contract %s: version %q is not MAJOR.MINOR.PATCH", c.Name, c.Version))
	}
	c.semver = v
	c.normalize()
	return &c, nil
}

// normalize puts names into NFC so visually identical names compare equal,
// and parses subscription patterns once.
func (c *Contract) normalize() {
	c.Name = norm.NFC.String(c.Name)
	for i := range c.Events.Emits {
		c.Events.Emits[i].Name = norm.NFC.String(c.Events.Emits[i].Name)
	}
	for i := range c.Events.Subscribes {
		s := &c.Events.Subscribes[i]
		s.Pattern = norm.NFC.String(s.Pattern)
		s.matcher = ParsePattern(s.Pattern)
	}
	for i := range c.Constraints.Placement {
		c.Constraints.Placement[i] = norm.NFC.String(c.Constraints.Placement[i])
	}
}

// Major returns the contract's semver major version.
func (c *Contract) Major() uint64 {
	if c.semver == nil {
		v, err := semver.NewVersion(c.Version)
		if err != nil {
			return 0
		}
		c.semver = v
	}
	return c.semver.Major()
}

// ID returns "name:version", the producer identity used as envelope source.
func (c *Contract) ID() string {
	return c.Name + ":" + c.Version
}

// Emit returns the declaration for event, if the contract emits it.
func (c *Contract) Emit(event string) (EmitDecl, bool) {
	for _, e := range c.Events.Emits {
		if e.Name == event {
			return e, true
		}
	}
	return EmitDecl{}, false
}

// AllowsPlacement reports whether env is among the declared placements.
func (c *Contract) AllowsPlacement(env string) bool {
	for _, p := range c.Constraints.Placement {
		if p == env {
			return true
		}
	}
	return false
}

// SchemaRef names the validator entry for an emitted event.
func SchemaRef(contract, event string) string {
	return contract + "#" + event
}

// SubscriptionRef names the validator entry for a subscription's input schema.
func SubscriptionRef(contract, pattern string) string {
	return contract + "#in:" + pattern
}

// RegisterSchemas compiles every schema the contract declares into v.
func (c *Contract) RegisterSchemas(v *schema.Validator) error {
	for _, e := range c.Events.Emits {
		if err := c.register(v, SchemaRef(c.Name, e.Name), e.Schema); err != nil {
			return err
		}
	}
	for _, s := range c.Events.Subscribes {
		if len(s.Schema) == 0 {
			continue
		}
		if err := c.register(v, SubscriptionRef(c.Name, s.Pattern), s.Schema); err != nil {
			return err
		}
	}
	return nil
}

func (c *Contract) register(v *schema.Validator, ref string, raw json.RawMessage) error {
	var path string
	if err := json.Unmarshal(raw, &path); err == nil {
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.Dir, path)
		}
		if _, err := os.Stat(path); err != nil {
			return fault.Wrap(fault.MissingFile, err, fmt.Sprintf("contract %s: schema %s", c.Name, path))
		}
		return v.RegisterFile(ref, path)
	}
	return v.Register(ref, raw)
}
