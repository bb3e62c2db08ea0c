// Package lifecycle keeps the run-scoped event log and produces the final,
// immutable lifecycle record.
package lifecycle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/uma-runtime/uma/pkg/envelope"
	"github.com/uma-runtime/uma/pkg/fault"
)

// ErrFinalized is returned by mutations after the record was finalized.
var ErrFinalized = errors.New("lifecycle: record is finalized")

// BindingChoice is the implementation chosen for a capability.
type BindingChoice struct {
	Capability     string   `json:"capability"`
	Implementation string   `json:"implementation"`
	Host           string   `json:"host"`
	Fallbacks      []string `json:"fallbacks,omitempty"`
}

// Entry is one appended envelope. Clock is the logical clock after the
// append; Hash chains the entry to its predecessor.
type Entry struct {
	Clock uint64 `json:"clock"`
	*envelope.Envelope
	Hash string `json:"hash"`
}

// AbortReason records the fault that ended a run.
type AbortReason struct {
	Kind   fault.Kind `json:"kind"`
	Detail string     `json:"detail"`
}

// Record is the finalized account of one run.
type Record struct {
	RunID          string          `json:"runId"`
	Service        string          `json:"service"`
	Version        string          `json:"version"`
	PolicyRef      string          `json:"policyRef"`
	Placement      string          `json:"placement,omitempty"`
	BindingsChosen []BindingChoice `json:"bindingsChosen"`
	FinalState     State           `json:"finalState"`
	AbortReason    *AbortReason    `json:"abortReason,omitempty"`
	LogicalClock   uint64          `json:"logicalClock"`
	EventLog       []Entry         `json:"eventLog"`
	ChainHash      string          `json:"chainHash"`
	StartedAt      time.Time       `json:"startedAt"`
	FinishedAt     time.Time       `json:"finishedAt"`
}

// OrderingSignature renders the host-independent ordering of the event log:
// one "clock type source" line per entry. Identifiers and timestamps are
// excluded so runs on different hosts compare equal.
func (r *Record) OrderingSignature() string {
	var b strings.Builder
	for _, e := range r.EventLog {
		fmt.Fprintf(&b, "%d %s %s\n", e.Clock, e.Type, e.Source)
	}
	return b.String()
}

// Recorder accumulates one run's lifecycle.
type Recorder struct {
	mu sync.Mutex

	runID     string
	service   string
	version   string
	policyRef string
	placement string
	started   time.Time
	now       func() time.Time

	state    State
	bindings []BindingChoice
	log      []Entry
	hash     string
	abort    *AbortReason
	final    *Record
}

// NewRecorder starts a record for service in the Idle state.
func NewRecorder(runID, service, version string) *Recorder {
	return &Recorder{
		runID:   runID,
		service: service,
		version: version,
		now:     time.Now,
		started: time.Now().UTC(),
		state:   Idle,
	}
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetPolicyRef records the digest of the policy the run was checked against.
func (r *Recorder) SetPolicyRef(ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return ErrFinalized
	}
	r.policyRef = ref
	return nil
}

// SetPlacement records the host environment the run executes in.
func (r *Recorder) SetPlacement(placement string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final == nil {
		r.placement = placement
	}
}

// Transition moves the run forward along the state graph.
func (r *Recorder) Transition(to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return ErrFinalized
	}
	if !CanTransition(r.state, to) {
		return &TransitionError{From: r.state, To: to}
	}
	r.state = to
	return nil
}

// Bind records the implementation chosen for a capability.
func (r *Recorder) Bind(choice BindingChoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return ErrFinalized
	}
	r.bindings = append(r.bindings, choice)
	return nil
}

// Append adds an envelope to the event log and returns the new logical
// clock, which always equals the number of entries.
func (r *Recorder) Append(e *envelope.Envelope) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return 0, ErrFinalized
	}
	clock := uint64(len(r.log)) + 1
	h, err := chain(r.hash, clock, e)
	if err != nil {
		return 0, err
	}
	r.hash = h
	r.log = append(r.log, Entry{Clock: clock, Envelope: e, Hash: h})
	return clock, nil
}

// Clock returns the current logical clock.
func (r *Recorder) Clock() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint64(len(r.log))
}

// Finalize closes a run that reached its last Recorded stage.
func (r *Recorder) Finalize() (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return r.final.clone(), nil
	}
	if !CanTransition(r.state, Finalized) {
		return nil, &TransitionError{From: r.state, To: Finalized}
	}
	r.state = Finalized
	return r.seal(), nil
}

// Abort ends the run in the Aborted state with err's kind and detail. It is
// legal from every non-terminal state. Aborting a finalized record returns it
// unchanged.
func (r *Recorder) Abort(err error) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return r.final.clone()
	}
	var fe *fault.Error
	reason := &AbortReason{Kind: fault.KindOf(err)}
	if errors.As(err, &fe) {
		reason.Detail = fe.Detail
	} else if err != nil {
		reason.Detail = err.Error()
	}
	r.abort = reason
	r.state = Aborted
	return r.seal()
}

func (r *Recorder) seal() *Record {
	r.final = &Record{
		RunID:          r.runID,
		Service:        r.service,
		Version:        r.version,
		PolicyRef:      r.policyRef,
		Placement:      r.placement,
		BindingsChosen: r.bindings,
		FinalState:     r.state,
		AbortReason:    r.abort,
		LogicalClock:   uint64(len(r.log)),
		EventLog:       r.log,
		ChainHash:      r.hash,
		StartedAt:      r.started,
		FinishedAt:     r.now().UTC(),
	}
	return r.final.clone()
}

func (r *Record) clone() *Record {
	c := *r
	c.BindingsChosen = append([]BindingChoice(nil), r.BindingsChosen...)
	c.EventLog = append([]Entry(nil), r.EventLog...)
	if r.AbortReason != nil {
		a := *r.AbortReason
		c.AbortReason = &a
	}
	return &c
}

func chain(prev string, clock uint64, e *envelope.Envelope) (string, error) {
	dataHash := ""
	if len(e.Data) > 0 {
		canonical, err := jcs.Transform(e.Data)
		if err != nil {
			return "", fmt.Errorf("lifecycle: canonicalize %s: %w", e.ID, err)
		}
		sum := sha256.Sum256(canonical)
		dataHash = hex.EncodeToString(sum[:])
	}
	link, err := json.Marshal(map[string]any{
		"clock":    clock,
		"id":       e.ID,
		"type":     e.Type,
		"source":   e.Source,
		"dataHash": dataHash,
		"prev":     prev,
	})
	if err != nil {
		return "", fmt.Errorf("lifecycle: encode link: %w", err)
	}
	sum := sha256.Sum256(link)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
