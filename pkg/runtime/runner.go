// Package runtime drives one run through the state machine: policy check,
// binding, then invoke, validate and record for the producer and each
// subscriber in turn.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/uma-runtime/uma/pkg/adapters"
	"github.com/uma-runtime/uma/pkg/binding"
	"github.com/uma-runtime/uma/pkg/contracts"
	"github.com/uma-runtime/uma/pkg/envelope"
	"github.com/uma-runtime/uma/pkg/fault"
	"github.com/uma-runtime/uma/pkg/lifecycle"
	"github.com/uma-runtime/uma/pkg/observability"
	"github.com/uma-runtime/uma/pkg/policy"
	"github.com/uma-runtime/uma/pkg/schema"
	"github.com/uma-runtime/uma/pkg/store"
	"github.com/uma-runtime/uma/pkg/telemetry"
)

// Stage is one capability invocation.
type Stage struct {
	// Service names the contract the stage runs as.
	Service string
	// Capability defaults to Service.
	Capability string
	// Event is the emitted event type. It defaults to the contract's first
	// declared emit.
	Event string
	Key   string
	// Input is the request document. A subscriber with no Input receives
	// the upstream envelope's data.
	Input json.RawMessage
}

// Plan is one producer stage and the subscribers it is dispatched to.
type Plan struct {
	RunID    string
	Producer Stage
	// Subscribers run in order. When empty, every contract bound to the
	// producer's event is dispatched with default stages.
	Subscribers []Stage
}

// Runner holds the per-run collaborators. Nothing is shared through
// package state; a runner serves one run at a time.
type Runner struct {
	Contracts *contracts.Store
	Policy    *policy.Engine
	Validator *schema.Validator
	Adapters  *adapters.Manager
	Builder   *envelope.Builder
	Sink      envelope.Sink
	Telemetry *telemetry.Collector
	Store     store.LifecycleStore
	Obs       *observability.Provider
	Logger    *slog.Logger
	// Placement is the host environment the run executes in. Stages whose
	// contract does not list it are logged.
	Placement string

	log *slog.Logger
}

// New fills the optional collaborators of r and registers every contract
// schema with the validator.
func New(ctx context.Context, r Runner) (*Runner, error) {
	if r.Contracts == nil || r.Policy == nil || r.Adapters == nil {
		return nil, fmt.Errorf("runtime: contracts, policy and adapters are required")
	}
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	r.log = r.Logger.With("component", "runtime")
	if r.Validator == nil {
		r.Validator = schema.NewValidator()
		for _, c := range r.Contracts.All() {
			if err := c.RegisterSchemas(r.Validator); err != nil {
				return nil, err
			}
		}
	}
	if r.Builder == nil {
		r.Builder = envelope.NewBuilder("uma-go")
	}
	if r.Sink == nil {
		r.Sink = &envelope.MemorySink{}
	}
	if r.Obs == nil {
		p, err := observability.New(ctx, nil)
		if err != nil {
			return nil, err
		}
		r.Obs = p
	}
	return &r, nil
}

// run is the per-call state.
type run struct {
	*Runner
	rec      *lifecycle.Recorder
	resolved map[string]*adapters.Resolution
}

// Run executes plan. A fatal fault ends the run in the Aborted state; the
// record is persisted and returned together with the fault.
func (r *Runner) Run(ctx context.Context, plan Plan) (*lifecycle.Record, error) {
	producer, err := r.Contracts.MustGet(plan.Producer.Service)
	if err != nil {
		return nil, err
	}
	if plan.RunID == "" {
		plan.RunID = uuid.NewString()
	}

	ctx, end := r.Obs.TrackStage(ctx, "uma.run",
		attribute.String("uma.run_id", plan.RunID),
		attribute.String("uma.service", producer.Name),
	)
	rn := &run{
		Runner:   r,
		rec:      lifecycle.NewRecorder(plan.RunID, producer.Name, producer.Version),
		resolved: make(map[string]*adapters.Resolution),
	}
	rn.rec.SetPlacement(r.Placement)
	rec, err := rn.execute(ctx, producer, plan)
	end(err)
	if err != nil {
		rec = rn.rec.Abort(err)
		r.log.ErrorContext(ctx, "run aborted", "run_id", plan.RunID, "kind", fault.KindOf(err), "error", err)
	} else {
		r.log.InfoContext(ctx, "run finalized", "run_id", plan.RunID, "logical_clock", rec.LogicalClock, "chain_hash", rec.ChainHash)
	}

	if r.Store != nil {
		if serr := r.Store.Append(ctx, rec); serr != nil {
			r.log.ErrorContext(ctx, "lifecycle archive failed", "run_id", plan.RunID, "error", serr)
			if err == nil {
				err = fault.Wrap(fault.Internal, serr, "archive lifecycle record")
			}
		}
	}
	return rec, err
}

func (rn *run) execute(ctx context.Context, producer *contracts.Contract, plan Plan) (*lifecycle.Record, error) {
	// 1. Policy
	if err := rn.checkPolicy(ctx); err != nil {
		return nil, err
	}

	// 2. Contract bindings
	report := binding.NewResolver(rn.Logger).ResolveAll(ctx, rn.Contracts.All())
	if err := rn.rec.Transition(lifecycle.Bound); err != nil {
		return nil, err
	}

	// 3. Producer
	prod := plan.Producer
	event, err := eventOf(producer, prod.Event)
	if err != nil {
		return nil, err
	}
	prod.Event = event
	upstream, err := rn.stage(ctx, producer, prod, prod.Input)
	if err != nil {
		return nil, err
	}

	// 4. Subscribers
	subs, err := rn.subscribers(ctx, report, producer, event, plan.Subscribers)
	if err != nil {
		return nil, err
	}
	for _, d := range subs {
		if err := rn.checkSubscription(d, upstream.Data); err != nil {
			return nil, err
		}
		input := d.stage.Input
		if input == nil {
			input = upstream.Data
		}
		if _, err := rn.stage(ctx, d.contract, d.stage, input); err != nil {
			return nil, err
		}
	}

	return rn.rec.Finalize()
}

func (rn *run) checkPolicy(ctx context.Context) error {
	ctx, end := rn.Obs.TrackStage(ctx, "uma.policy")
	_, err := rn.Policy.Check(ctx, rn.Contracts.All())
	end(err)
	if serr := rn.rec.SetPolicyRef(rn.Policy.Digest()); serr != nil {
		return serr
	}
	if terr := rn.rec.Transition(lifecycle.PolicyChecked); terr != nil {
		return terr
	}
	return err
}

// dispatch is a subscriber stage with the binding that selected it.
type dispatch struct {
	contract *contracts.Contract
	stage    Stage
	pattern  string
}

func (rn *run) subscribers(ctx context.Context, report binding.Report, producer *contracts.Contract, event string, explicit []Stage) ([]dispatch, error) {
	bound := report.SubscribersOf(producer.Name, event)
	patternFor := func(service string) (string, bool) {
		for _, b := range bound {
			if b.Subscriber == service {
				return b.Pattern, true
			}
		}
		return "", false
	}

	var out []dispatch
	if len(explicit) == 0 {
		seen := make(map[string]bool)
		for _, b := range bound {
			if seen[b.Subscriber] {
				continue
			}
			seen[b.Subscriber] = true
			explicit = append(explicit, Stage{Service: b.Subscriber})
		}
	}
	for _, s := range explicit {
		c, err := rn.Contracts.MustGet(s.Service)
		if err != nil {
			return nil, err
		}
		pattern, ok := patternFor(c.Name)
		if !ok {
			rn.log.WarnContext(ctx, "subscriber not bound to producer event, skipping",
				"kind", fault.BindingAbsent, "subscriber", c.Name, "producer", producer.Name, "event", event)
			continue
		}
		ev, err := eventOf(c, s.Event)
		if err != nil {
			return nil, err
		}
		s.Event = ev
		out = append(out, dispatch{contract: c, stage: s, pattern: pattern})
	}
	return out, nil
}

// checkSubscription validates the upstream payload against the input schema
// of the subscription, when one is declared.
func (rn *run) checkSubscription(d dispatch, data json.RawMessage) error {
	ref := contracts.SubscriptionRef(d.contract.Name, d.pattern)
	if !rn.Validator.Has(ref) {
		return nil
	}
	return rn.Validator.Validate(ref, data).Err(ref)
}

// stage runs Invoking → Validated → Recorded for one capability call.
func (rn *run) stage(ctx context.Context, c *contracts.Contract, s Stage, input json.RawMessage) (*envelope.Envelope, error) {
	capability := s.Capability
	if capability == "" {
		capability = c.Name
	}
	ctx, end := rn.Obs.TrackStage(ctx, "uma.stage",
		attribute.String("uma.service", c.Name),
		attribute.String("uma.capability", capability),
		attribute.String("uma.event", s.Event),
	)
	env, err := rn.invoke(ctx, c, s, capability, input)
	end(err)
	return env, err
}

func (rn *run) invoke(ctx context.Context, c *contracts.Contract, s Stage, capability string, input json.RawMessage) (*envelope.Envelope, error) {
	if err := rn.rec.Transition(lifecycle.Invoking); err != nil {
		return nil, err
	}
	if rn.Placement != "" && len(c.Constraints.Placement) > 0 && !c.AllowsPlacement(rn.Placement) {
		rn.log.WarnContext(ctx, "host placement not declared by contract",
			"service", c.Name, "placement", rn.Placement, "declared", c.Constraints.Placement)
	}
	handle, err := rn.resolve(ctx, capability)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := handle.Invoke(ctx, adapters.Request{Key: s.Key, Input: input})
	// A cache hit made no upstream call.
	if rn.Telemetry != nil && !resp.CacheHit {
		rn.Telemetry.Observe(ctx, time.Since(start), c.Name+".latency_ms", telemetry.CallLatencyMetric)
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, fmt.Sprintf("%s: invoke %s", c.Name, capability))
	}

	if err := rn.rec.Transition(lifecycle.Validated); err != nil {
		return nil, err
	}
	ref := contracts.SchemaRef(c.Name, s.Event)
	if err := rn.Validator.Validate(ref, resp.Output).Err(ref); err != nil {
		return nil, err
	}

	var opts []envelope.Option
	if resp.Degraded() {
		opts = append(opts, envelope.WithPhase(envelope.PhaseDegraded, resp.Status))
		rn.log.WarnContext(ctx, "capability reported degraded execution", "service", c.Name, "reason_code", resp.Status)
	}
	env := rn.Builder.Build(c, s.Event, resp.Output, opts...)
	if err := rn.Sink.Write(ctx, env); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "write envelope "+env.ID)
	}
	clock, err := rn.rec.Append(env)
	if err != nil {
		return nil, err
	}
	if err := rn.rec.Transition(lifecycle.Recorded); err != nil {
		return nil, err
	}
	rn.log.InfoContext(ctx, "event recorded", "clock", clock, "type", env.Type, "source", env.Source, "id", env.ID)
	return env, nil
}

// resolve returns the composed handle for capability. Each capability is
// resolved once per run so cached results survive across stages.
func (rn *run) resolve(ctx context.Context, capability string) (adapters.Capability, error) {
	if res, ok := rn.resolved[capability]; ok {
		return res.Handle, nil
	}
	res, err := rn.Adapters.Resolve(ctx, capability)
	if err != nil {
		return nil, err
	}
	choice := lifecycle.BindingChoice{Capability: capability, Implementation: res.Implementation, Host: res.Host}
	for _, f := range res.Fallbacks {
		choice.Fallbacks = append(choice.Fallbacks, f.Candidate+":"+f.ReasonCode)
	}
	if err := rn.rec.Bind(choice); err != nil {
		return nil, err
	}
	rn.resolved[capability] = res
	return res.Handle, nil
}

func eventOf(c *contracts.Contract, event string) (string, error) {
	if event != "" {
		if _, ok := c.Emit(event); !ok {
			return "", fault.New(fault.ContractMalformed, "contract %s does not emit %s", c.Name, event)
		}
		return event, nil
	}
	if len(c.Events.Emits) == 0 {
		return "", fault.New(fault.ContractMalformed, "contract %s declares no emitted event", c.Name)
	}
	return c.Events.Emits[0].Name, nil
}
