package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/uma-runtime/uma/pkg/fault"
)

// Fallback reason codes.
const (
	ReasonPreconditionUnmet = "PRECONDITION_UNMET"
	ReasonBuildFailed       = "BUILD_FAILED"
)

// Candidate is one implementation of a capability.
type Candidate struct {
	Name string
	Host string
	// Available checks the implementation's preconditions. Nil means always
	// available.
	Available func(ctx context.Context) error
	Build     func(ctx context.Context) (Capability, error)
}

// Fallback records a candidate that was skipped during resolution.
type Fallback struct {
	Candidate  string `json:"candidate"`
	ReasonCode string `json:"reasonCode"`
	Detail     string `json:"detail"`
}

// Resolution is the composed handle chosen for a capability.
type Resolution struct {
	Capability     string     `json:"capability"`
	Implementation string     `json:"implementation"`
	Host           string     `json:"host"`
	Fallbacks      []Fallback `json:"fallbacks,omitempty"`
	Handle         Capability `json:"-"`
}

// Manager holds ordered candidate lists per capability.
type Manager struct {
	candidates map[string][]Candidate
	opts       Options
	logger     *slog.Logger
}

// NewManager creates a manager applying opts to every resolution.
func NewManager(opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		candidates: make(map[string][]Candidate),
		opts:       opts,
		logger:     logger.With("component", "adapters"),
	}
}

// Register appends candidates to capability's preference list.
func (m *Manager) Register(capability string, candidates ...Candidate) {
	m.candidates[capability] = append(m.candidates[capability], candidates...)
}

// Capabilities returns the registered capability names, sorted.
func (m *Manager) Capabilities() []string {
	names := make([]string, 0, len(m.candidates))
	for name := range m.candidates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve walks capability's candidates in preference order and returns the
// first one whose preconditions hold, wrapped per the manager's options.
// Every skipped candidate is recorded. Exhausting the list is fatal.
func (m *Manager) Resolve(ctx context.Context, capability string) (*Resolution, error) {
	cands, ok := m.candidates[capability]
	if !ok || len(cands) == 0 {
		return nil, fault.New(fault.CapabilityUnavailable, "capability %s: no implementations registered", capability)
	}

	res := &Resolution{Capability: capability}
	for _, c := range cands {
		if c.Available != nil {
			if err := c.Available(ctx); err != nil {
				res.Fallbacks = append(res.Fallbacks, m.skip(ctx, capability, c, ReasonPreconditionUnmet, err))
				continue
			}
		}
		base, err := c.Build(ctx)
		if err != nil {
			res.Fallbacks = append(res.Fallbacks, m.skip(ctx, capability, c, ReasonBuildFailed, err))
			continue
		}
		res.Handle, res.Implementation = Chain(base, c.Name, m.opts.Wrappers()...)
		res.Host = c.Host
		m.logger.InfoContext(ctx, "capability resolved",
			"capability", capability,
			"implementation", res.Implementation,
			"host", res.Host,
			"fallbacks", len(res.Fallbacks),
		)
		return res, nil
	}

	tried := make([]string, len(res.Fallbacks))
	for i, f := range res.Fallbacks {
		tried[i] = fmt.Sprintf("%s (%s: %s)", f.Candidate, f.ReasonCode, f.Detail)
	}
	return res, fault.New(fault.CapabilityUnavailable, "capability %s: all candidates exhausted: %s", capability, strings.Join(tried, ", "))
}

func (m *Manager) skip(ctx context.Context, capability string, c Candidate, reason string, err error) Fallback {
	m.logger.WarnContext(ctx, "capability candidate unavailable, falling back",
		"kind", fault.CapabilityUnavailable,
		"capability", capability,
		"candidate", c.Name,
		"reason_code", reason,
		"error", err,
	)
	return Fallback{Candidate: c.Name, ReasonCode: reason, Detail: err.Error()}
}
