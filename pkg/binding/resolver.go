// Package binding derives producer-to-subscriber wiring from contracts.
//
// Bindings are computed fresh for every run and never mutated. They inform
// logging and diagram export; nothing is dispatched from them directly.
package binding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/uma-runtime/uma/pkg/contracts"
	"github.com/uma-runtime/uma/pkg/fault"
)

// Binding pairs one emitted event with one subscriber.
type Binding struct {
	Event      string `json:"event"`
	Schema     string `json:"schema"`
	Producer   string `json:"producer"`
	Subscriber string `json:"subscriber"`
	Pattern    string `json:"pattern"`
}

// Warning is a non-fatal finding produced while resolving.
type Warning struct {
	Kind       fault.Kind `json:"kind"`
	Producer   string     `json:"producer,omitempty"`
	Subscriber string     `json:"subscriber"`
	Detail     string     `json:"detail"`
}

// Report is the outcome of resolving a whole contract set.
type Report struct {
	Bindings []Binding `json:"bindings"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// Resolve binds every emitted event of producer to every matching
// subscription of subscriber, in emits x subscribes order. An event matched by
// two patterns yields two bindings.
func Resolve(producer, subscriber *contracts.Contract) []Binding {
	var out []Binding
	for _, e := range producer.Events.Emits {
		for _, s := range subscriber.Events.Subscribes {
			if !s.Matcher().Matches(e.Name) {
				continue
			}
			out = append(out, Binding{
				Event:      e.Name,
				Schema:     contracts.SchemaRef(producer.Name, e.Name),
				Producer:   producer.Name,
				Subscriber: subscriber.Name,
				Pattern:    s.Pattern,
			})
		}
	}
	return out
}

// Resolver resolves a full contract set and logs its findings.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a resolver. A nil logger uses the default logger.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger.With("component", "binding")}
}

// ResolveAll resolves every ordered (producer, subscriber) pair of distinct
// contracts. A subscriber whose subscriptions match nothing produces a
// BindingAbsent warning; a bound pair whose majors differ produces a
// VersionMismatch warning. Neither is an error.
func (r *Resolver) ResolveAll(ctx context.Context, set []*contracts.Contract) Report {
	var rep Report
	for _, sub := range set {
		if len(sub.Events.Subscribes) == 0 {
			continue
		}
		bound := 0
		for _, prod := range set {
			if prod == sub {
				continue
			}
			bs := Resolve(prod, sub)
			if len(bs) == 0 {
				continue
			}
			bound += len(bs)
			rep.Bindings = append(rep.Bindings, bs...)
			if prod.Major() != sub.Major() {
				w := Warning{
					Kind:       fault.VersionMismatch,
					Producer:   prod.Name,
					Subscriber: sub.Name,
					Detail:     fmt.Sprintf("producer %s is v%d, subscriber %s is v%d", prod.ID(), prod.Major(), sub.ID(), sub.Major()),
				}
				rep.Warnings = append(rep.Warnings, w)
				r.logger.WarnContext(ctx, "major version mismatch", "kind", w.Kind, "producer", prod.ID(), "subscriber", sub.ID())
			}
		}
		if bound == 0 {
			w := Warning{
				Kind:       fault.BindingAbsent,
				Subscriber: sub.Name,
				Detail:     fmt.Sprintf("no emitted event matches subscriptions %s", patterns(sub)),
			}
			rep.Warnings = append(rep.Warnings, w)
			r.logger.WarnContext(ctx, "no bindings for subscriber", "kind", w.Kind, "subscriber", sub.Name)
		}
	}
	for _, b := range rep.Bindings {
		r.logger.InfoContext(ctx, "binding", "event", b.Event, "producer", b.Producer, "subscriber", b.Subscriber, "pattern", b.Pattern)
	}
	return rep
}

// SubscribersOf returns the bindings in rep whose producer emits event.
func (rep Report) SubscribersOf(producer, event string) []Binding {
	var out []Binding
	for _, b := range rep.Bindings {
		if b.Producer == producer && b.Event == event {
			out = append(out, b)
		}
	}
	return out
}

// Mermaid renders the bindings as a flowchart definition.
func (rep Report) Mermaid() string {
	var sb strings.Builder
	sb.WriteString("flowchart LR\n")
	for _, b := range rep.Bindings {
		fmt.Fprintf(&sb, "  %s -- %q --> %s\n", nodeID(b.Producer), b.Event, nodeID(b.Subscriber))
	}
	return sb.String()
}

func nodeID(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", ":", "_").Replace(name) + "[\"" + name + "\"]"
}

func patterns(c *contracts.Contract) string {
	ps := make([]string, 0, len(c.Events.Subscribes))
	for _, s := range c.Events.Subscribes {
		ps = append(ps, s.Pattern)
	}
	return "[" + strings.Join(ps, ", ") + "]"
}
