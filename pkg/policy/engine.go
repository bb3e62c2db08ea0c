package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/uma-runtime/uma/pkg/contracts"
	"github.com/uma-runtime/uma/pkg/fault"
)

// Mode selects how a deny match is enforced.
type Mode string

const (
	// ModeClosed aborts the run on a deny match. It is the default.
	ModeClosed Mode = "closed"
	// ModeOpen logs a deny match and lets the run continue.
	ModeOpen Mode = "open"
)

// ParseMode maps the fail-mode flag: "closed" or empty is closed, anything
// else is open.
func ParseMode(s string) Mode {
	if s == "" || s == string(ModeClosed) {
		return ModeClosed
	}
	return ModeOpen
}

// Match records one deny rule that fired.
type Match struct {
	RuleID    string `json:"ruleId"`
	Service   string `json:"service"`
	Placement string `json:"placement"`
}

// Verdict is the outcome of deny-rule evaluation.
type Verdict struct {
	OK      bool    `json:"ok"`
	Reason  string  `json:"reason,omitempty"`
	Matches []Match `json:"matches,omitempty"`
}

// Engine evaluates a loaded policy document.
type Engine struct {
	policy   *Loaded
	mode     Mode
	programs []cel.Program // parallel to policy.Document.Deny; nil when the rule has no When
	logger   *slog.Logger
}

// NewEngine compiles the document's CEL guards. A guard that fails to compile
// is a configuration error.
func NewEngine(l *Loaded, mode Mode, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		policy:   l,
		mode:     mode,
		programs: make([]cel.Program, len(l.Document.Deny)),
		logger:   logger.With("component", "policy"),
	}

	var env *cel.Env
	for i, r := range l.Document.Deny {
		if r.When == "" {
			continue
		}
		if env == nil {
			var err error
			env, err = cel.NewEnv(cel.Variable("contract", cel.MapType(cel.StringType, cel.DynType)))
			if err != nil {
				return nil, fmt.Errorf("policy: cel env: %w", err)
			}
		}
		ast, iss := env.Compile(r.When)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("policy: rule %s: compile when: %w", r.Rule, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("policy: rule %s: when must be boolean, got %s", r.Rule, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %s: program: %w", r.Rule, err)
		}
		e.programs[i] = prg
	}
	return e, nil
}

// Digest returns the policy digest, used as the run's policy reference.
func (e *Engine) Digest() string { return e.policy.Digest }

// Mode returns the enforcement mode.
func (e *Engine) Mode() Mode { return e.mode }

// Evaluate runs every deny rule against every contract. It has no side
// effects: identical inputs always yield identical verdicts.
func (e *Engine) Evaluate(set []*contracts.Contract) Verdict {
	var matches []Match
	var reasons []string
	for _, c := range set {
		for i, r := range e.policy.Document.Deny {
			if r.If.Service != c.Name || !c.AllowsPlacement(r.If.Placement) {
				continue
			}
			ok, detail := e.guard(i, c)
			if !ok {
				continue
			}
			if detail != "" {
				reasons = append(reasons, fmt.Sprintf("rule %s: %s", r.Rule, detail))
			}
			matches = append(matches, Match{RuleID: r.Rule, Service: c.Name, Placement: r.If.Placement})
			reasons = append(reasons, fmt.Sprintf("rule %s denies %s placement %q", r.Rule, c.Name, r.If.Placement))
		}
	}
	if len(matches) == 0 {
		return Verdict{OK: true}
	}
	return Verdict{Reason: strings.Join(reasons, "; "), Matches: matches}
}

// guard evaluates the optional When expression. An expression that errors at
// evaluation counts as a match so a broken guard never silently allows.
func (e *Engine) guard(i int, c *contracts.Contract) (bool, string) {
	prg := e.programs[i]
	if prg == nil {
		return true, ""
	}
	out, _, err := prg.Eval(map[string]any{"contract": celInput(c)})
	if err != nil {
		return true, fmt.Sprintf("when evaluation failed (%v)", err)
	}
	b, ok := out.Value().(bool)
	return ok && b, ""
}

func celInput(c *contracts.Contract) map[string]any {
	placement := make([]any, len(c.Constraints.Placement))
	for i, p := range c.Constraints.Placement {
		placement[i] = p
	}
	requires := make([]any, len(c.Policies.Requires))
	for i, p := range c.Policies.Requires {
		requires[i] = p
	}
	params := c.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"name":       c.Name,
		"version":    c.Version,
		"major":      int64(c.Major()),
		"placement":  placement,
		"requires":   requires,
		"parameters": params,
	}
}

// Check performs both policy checks. The digest is always logged and never
// blocks. A deny match returns a PolicyViolation fault under closed mode and
// is logged as a warning under open mode.
func (e *Engine) Check(ctx context.Context, set []*contracts.Contract) (Verdict, error) {
	e.logger.InfoContext(ctx, "policy digest", "digest", e.policy.Digest, "source", e.policy.Source, "mode", e.mode)

	v := e.Evaluate(set)
	if v.OK {
		e.logger.InfoContext(ctx, "policy allows contract set", "contracts", len(set))
		return v, nil
	}
	if e.mode == ModeClosed {
		return v, fault.New(fault.PolicyViolation, "%s", v.Reason)
	}
	e.logger.WarnContext(ctx, "policy violation ignored (fail-open)", "kind", fault.PolicyViolation, "reason", v.Reason)
	return v, nil
}
