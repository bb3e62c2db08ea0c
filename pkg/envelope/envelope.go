// Package envelope wraps produced payloads in audit envelopes and writes them
// to a sink.
package envelope

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uma-runtime/uma/pkg/contracts"
)

const (
	SpecVersion     = "1.0"
	DataContentType = "application/json"

	PhaseNormal   = "normal"
	PhaseDegraded = "degraded"
	ReasonOK      = "OK"
)

// Envelope is the structured wrapper around one payload.
type Envelope struct {
	SpecVersion     string          `json:"specversion"`
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Type            string          `json:"type"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	Data            json.RawMessage `json:"data"`
	ServiceID       string          `json:"uma.serviceId"`
	ContractVersion string          `json:"uma.contractVersion"`
	RuntimeID       string          `json:"uma.runtimeId"`
	Phase           string          `json:"phase"`
	ReasonCode      string          `json:"reasonCode"`
}

// Option adjusts an envelope before it is returned by Build.
type Option func(*Envelope)

// WithPhase overrides the default normal/OK phase pair.
func WithPhase(phase, reasonCode string) Option {
	return func(e *Envelope) {
		e.Phase = phase
		e.ReasonCode = reasonCode
	}
}

// Builder creates envelopes for one run. Timestamps it hands out never go
// backwards, even if the clock does.
type Builder struct {
	RuntimeID string
	Now       func() time.Time
	NewID     func() string

	mu   sync.Mutex
	last time.Time
}

// NewBuilder returns a builder using the wall clock and random UUIDs.
func NewBuilder(runtimeID string) *Builder {
	return &Builder{RuntimeID: runtimeID}
}

// Build wraps payload as an event of eventType produced by producer.
func (b *Builder) Build(producer *contracts.Contract, eventType string, payload json.RawMessage, opts ...Option) *Envelope {
	e := &Envelope{
		SpecVersion:     SpecVersion,
		ID:              b.newID(),
		Source:          producer.ID(),
		Type:            eventType,
		Time:            b.now(),
		DataContentType: DataContentType,
		Data:            payload,
		ServiceID:       producer.Name,
		ContractVersion: producer.Version,
		RuntimeID:       b.RuntimeID,
		Phase:           PhaseNormal,
		ReasonCode:      ReasonOK,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (b *Builder) newID() string {
	if b.NewID != nil {
		return b.NewID()
	}
	return uuid.NewString()
}

func (b *Builder) now() time.Time {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	t := now().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()
	if t.Before(b.last) {
		t = b.last
	}
	b.last = t
	return t
}
