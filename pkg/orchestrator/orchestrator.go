// Package orchestrator runs policies through a fixed, linear state machine:
//
//	validate -> resolve -> fetch -> filter -> act -> report
//
// Validation and resolution failures abort the run before any provider call.
// Fetch and act work is split into independent units, one per target
// (account/region), executed on a bounded worker pool. A fatal error in any
// unit stops units that have not started; running units finish and their
// results are kept. Every run returns an ExecutionResult, partial when a
// fatal error is also returned.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudsteward/steward/pkg/actions"
	"github.com/cloudsteward/steward/pkg/cache"
	"github.com/cloudsteward/steward/pkg/engine"
	"github.com/cloudsteward/steward/pkg/filters"
	"github.com/cloudsteward/steward/pkg/policy"
	"github.com/cloudsteward/steward/pkg/registry"
	"github.com/cloudsteward/steward/pkg/resources"
	"github.com/cloudsteward/steward/pkg/retry"
	"github.com/cloudsteward/steward/pkg/telemetry"
)

// ErrNoClient reports a target without a provider client.
var ErrNoClient = errors.New("no provider client")

// Binding pairs a target with an already-authenticated provider client.
type Binding struct {
	Target engine.Target
	Client engine.ProviderClient
}

// Options configures an Orchestrator.
type Options struct {
	// Registry resolves resource types. Required.
	Registry *registry.Registry

	// Cache is shared by all runs of this orchestrator. A memory-only cache
	// is created when nil.
	Cache *cache.Cache

	// CacheTTL is the freshness window for listings.
	CacheTTL time.Duration

	// Workers bounds the number of targets processed in parallel.
	Workers int

	// CallConcurrency bounds parallel provider calls within one target.
	CallConcurrency int

	// CallTimeout bounds each provider call. Zero disables it.
	CallTimeout time.Duration

	// Retry governs every provider call.
	Retry retry.Policy

	// Clock supplies the time captured at the start of each run.
	Clock engine.Clock

	// Guardrails, when set, are enforced during validation.
	Guardrails *policy.Guardrails

	// History, when set, receives every finished result.
	History Recorder

	// Telemetry supplies logging, metrics, tracing and events.
	Telemetry *telemetry.Telemetry
}

// Recorder persists finished execution results.
type Recorder interface {
	Record(ctx context.Context, result *engine.ExecutionResult) error
}

// Orchestrator executes policies.
type Orchestrator struct {
	registry        *registry.Registry
	cache           *cache.Cache
	cacheTTL        time.Duration
	workers         int
	callConcurrency int
	callTimeout     time.Duration
	retry           retry.Policy
	clock           engine.Clock
	guardrails      *policy.Guardrails
	history         Recorder
	tel             *telemetry.Telemetry
	logger          *telemetry.Logger
	actions         *actions.Engine
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNop()
	}
	o := &Orchestrator{
		registry:        opts.Registry,
		cache:           opts.Cache,
		cacheTTL:        opts.CacheTTL,
		workers:         opts.Workers,
		callConcurrency: opts.CallConcurrency,
		callTimeout:     opts.CallTimeout,
		retry:           opts.Retry,
		clock:           opts.Clock,
		guardrails:      opts.Guardrails,
		history:         opts.History,
		tel:             tel,
		logger:          tel.Logger.NewComponentLogger("orchestrator"),
	}
	if o.workers <= 0 {
		o.workers = 1
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.cache == nil {
		o.cache = cache.New(cache.Options{Logger: tel.Logger, Metrics: tel.Metrics})
	}
	o.actions = actions.NewEngine(actions.Options{
		Retry:   opts.Retry,
		Logger:  tel.Logger,
		Metrics: tel.Metrics,
		Events:  tel.Events,
	})
	return o, nil
}

// Cache returns the orchestrator's listing cache.
func (o *Orchestrator) Cache() *cache.Cache {
	return o.cache
}

// Compiled is a policy checked against its resource type and ready to run.
type Compiled struct {
	Policy       *policy.Policy
	ResourceType engine.ResourceType
	Filter       filters.Node
	Actions      *actions.Plan
	Warnings     []engine.Warning
}

// Validate checks p without touching any provider: the document shape, the
// resource type, every filter and every action. All failures are
// SchemaError or UnknownResourceType.
func (o *Orchestrator) Validate(ctx context.Context, p *policy.Policy) (*Compiled, error) {
	if err := policy.Validate(p); err != nil {
		return nil, err
	}

	rt, err := o.registry.Describe(p.Resource)
	if err != nil {
		return nil, inPhase(err, engine.PhaseValidate)
	}

	node, err := filters.Parse(p.Filters, rt)
	if err != nil {
		return nil, err
	}

	specs, err := actions.ParseSpecs(p.Actions)
	if err != nil {
		return nil, engine.NewSchemaError("invalid action list", err)
	}
	plan, err := actions.Compile(specs, rt)
	if err != nil {
		return nil, err
	}

	c := &Compiled{Policy: p, ResourceType: rt, Filter: node, Actions: plan}

	if o.guardrails != nil {
		report, err := o.guardrails.Enforce(ctx, p)
		if err != nil {
			return nil, err
		}
		for _, w := range report.Warnings {
			c.Warnings = append(c.Warnings, engine.Warning{
				Phase:   engine.PhaseValidate,
				Message: fmt.Sprintf("guardrail %s: %s", w.Guardrail, w.Message),
			})
		}
	}
	return c, nil
}

// Request is the input of one run.
type Request struct {
	Policy *policy.Policy

	// Targets are the units to fetch from and act on. When the policy
	// names regions, targets in other regions are ignored.
	Targets []Binding

	// DryRun stops every action before its mutating call.
	DryRun bool
}

// run holds the state of one execution.
type run struct {
	id      string
	now     time.Time
	policy  string
	result  *engine.ExecutionResult
	log     *telemetry.Logger
	ctx     context.Context
	span    trace.Span
	timer   *telemetry.Timer
	targets []Binding
}

// Run executes req.Policy. It always returns a result. The error is
// non-nil only when a fatal error terminated the run; the result then
// holds whatever had been assembled.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*engine.ExecutionResult, error) {
	r := o.start(ctx, req)
	ctx = r.ctx
	defer r.span.End()

	// validate
	o.enter(r, engine.PhaseValidate)
	if req.Policy == nil {
		return o.fail(r, engine.NewSchemaError("policy is required", nil))
	}
	compiled, err := o.Validate(ctx, req.Policy)
	if err != nil {
		return o.fail(r, err)
	}
	r.result.ResourceType = compiled.ResourceType.Name
	r.result.Warnings = append(r.result.Warnings, compiled.Warnings...)
	r.log = r.log.WithResourceType(compiled.ResourceType.Name)
	r.log.WithField("mode", req.Policy.Mode.EffectiveType()).Debug("Policy validated")

	// resolve
	o.enter(r, engine.PhaseResolve)
	manager, err := o.registry.Manager(compiled.ResourceType.Name, resources.Options{
		Cache:   o.cache,
		TTL:     o.cacheTTL,
		Retry:   o.retry,
		Logger:  o.tel.Logger,
		Metrics: o.tel.Metrics,
	})
	if err != nil {
		return o.fail(r, inPhase(err, engine.PhaseResolve))
	}
	r.targets = selectTargets(req.Targets, req.Policy.Regions)
	if len(r.targets) == 0 {
		r.result.Warnings = append(r.result.Warnings, engine.Warning{
			Phase:   engine.PhaseResolve,
			Message: "no targets match the policy's regions",
		})
	}

	// fetch
	o.enter(r, engine.PhaseFetch)
	sets, err := o.fetch(ctx, r, manager, req.Policy.EngineQuery())
	if err != nil {
		return o.fail(r, err)
	}

	// filter
	o.enter(r, engine.PhaseFilter)
	matched := o.filter(r, compiled, sets)

	// act
	o.enter(r, engine.PhaseAct)
	if err := o.act(ctx, r, compiled, matched); err != nil {
		return o.fail(r, err)
	}

	// report
	o.enter(r, engine.PhaseReport)
	return o.complete(r), nil
}

func (o *Orchestrator) start(ctx context.Context, req Request) *run {
	now := o.clock()
	name := ""
	if req.Policy != nil {
		name = req.Policy.Name
	}
	r := &run{
		id:     uuid.NewString(),
		now:    now,
		policy: name,
		timer:  telemetry.NewTimer(),
		result: &engine.ExecutionResult{
			Policy:    name,
			Status:    engine.RunStatusRunning,
			DryRun:    req.DryRun,
			Matched:   []string{},
			StartedAt: now,
		},
	}
	r.result.RunID = r.id
	r.log = o.logger.WithRunID(r.id).WithPolicy(name)

	resource := ""
	if req.Policy != nil {
		resource = req.Policy.Resource
	}
	ctx = o.tel.WithContext(ctx)
	r.ctx, r.span = o.tel.Tracer.StartRunSpan(ctx, r.id, name, resource)

	o.tel.Metrics.RecordRunStarted(name)
	unpublished(r.log, telemetry.EventTypeRunStarted, o.tel.Events.PublishRunStarted(r.id, name, req.DryRun))
	r.log.WithField("dry_run", req.DryRun).Info("Policy run started")
	return r
}

func (o *Orchestrator) enter(r *run, phase engine.Phase) {
	r.result.Phase = phase
	unpublished(r.log, telemetry.EventTypePhaseEntered, o.tel.Events.PublishPhaseEntered(r.id, r.policy, string(phase)))
	r.log.WithPhase(phase).Debug("Entering phase")
}

// unpublished logs an event the publisher refused. Events never fail a run.
func unpublished(log *telemetry.Logger, event string, err error) {
	if err != nil {
		log.WithError(err).WithField("event", event).Warn("Event not published")
	}
}

// phaseSpan wraps fn in a span named after the current phase.
func (o *Orchestrator) phaseSpan(ctx context.Context, r *run, fn func(ctx context.Context) error) error {
	ctx, span := o.tel.Tracer.StartPhaseSpan(ctx, r.result.Phase)
	defer span.End()
	err := fn(ctx)
	telemetry.EndSpan(span, err)
	return err
}

// targetSpan wraps one target unit of the current phase in its own span.
func (o *Orchestrator) targetSpan(ctx context.Context, r *run, t engine.Target, fn func(ctx context.Context) error) error {
	ctx, span := o.tel.Tracer.StartTargetSpan(ctx, r.result.Phase, t)
	defer span.End()
	err := fn(ctx)
	telemetry.EndSpan(span, err)
	return err
}

func (o *Orchestrator) execContext(b Binding, r *run, dryRun bool) *engine.ExecContext {
	now := r.now
	return &engine.ExecContext{
		Client:      b.Client,
		Target:      b.Target,
		Concurrency: o.callConcurrency,
		CallTimeout: o.callTimeout,
		Clock:       func() time.Time { return now },
		DryRun:      dryRun,
	}
}

// fetch lists resources for every target. A fatal unit error stops the
// run; other unit errors are recorded and the target contributes nothing.
func (o *Orchestrator) fetch(ctx context.Context, r *run, manager *resources.Manager, query engine.Query) ([]*engine.ResourceSet, error) {
	sets := make([]*engine.ResourceSet, len(r.targets))
	unitErrs := make([]error, len(r.targets))

	var pr poolResult
	_ = o.phaseSpan(ctx, r, func(ctx context.Context) error {
		pr = runPool(ctx, o.workers, len(r.targets), func(ctx context.Context, i int) error {
			b := r.targets[i]
			if b.Client == nil {
				unitErrs[i] = fmt.Errorf("%w for %s", ErrNoClient, b.Target)
				return unitErrs[i]
			}
			var set *engine.ResourceSet
			err := o.targetSpan(ctx, r, b.Target, func(ctx context.Context) error {
				var err error
				set, err = manager.Resources(ctx, o.execContext(b, r, r.result.DryRun), query)
				return err
			})
			if err != nil {
				unitErrs[i] = err
				if isFatal(err) {
					return err
				}
				return nil
			}
			sets[i] = set
			return nil
		})
		return pr.fatal
	})

	for i, set := range sets {
		t := r.targets[i].Target
		if err := unitErrs[i]; err != nil {
			runErr := engine.NewRunError(engine.PhaseFetch, "", err)
			runErr.Target = &t
			r.result.Errors = append(r.result.Errors, runErr)
			o.tel.Metrics.RecordError(string(runErr.Class), runErr.Code)
			r.log.WithTarget(t).WithError(err).Warn("Fetch failed for target")
			continue
		}
		if set == nil {
			continue
		}
		r.result.Fetched += len(set.Records)
		r.result.Warnings = append(r.result.Warnings, set.Warnings...)
		r.log.WithTarget(t).WithField("count", len(set.Records)).Info("Fetched resources")
	}

	if pr.fatal != nil {
		return sets, pr.fatal
	}
	return sets, nil
}

// filter narrows each target's records. Filtering is pure and cannot fail.
func (o *Orchestrator) filter(r *run, c *Compiled, sets []*engine.ResourceSet) [][]engine.Record {
	env := filters.Env{Now: r.now}
	matched := make([][]engine.Record, len(sets))
	for i, set := range sets {
		if set == nil {
			continue
		}
		matched[i] = filters.Apply(c.Filter, env, set.Records)
		for _, rec := range matched[i] {
			r.result.Matched = append(r.result.Matched, rec.ID(c.ResourceType.IDField))
		}
	}
	o.tel.Metrics.SetResourceCounts(r.policy, c.ResourceType.Name, r.result.Fetched, len(r.result.Matched))
	r.log.WithField("fetched", r.result.Fetched).
		WithField("matched", len(r.result.Matched)).
		Info("Filtered resources")
	return matched
}

// act applies the action plan to each target's matched records. Outcomes
// are assembled in target order.
func (o *Orchestrator) act(ctx context.Context, r *run, c *Compiled, matched [][]engine.Record) error {
	if len(c.Actions.Steps) == 0 || len(r.result.Matched) == 0 {
		return nil
	}

	results := make([]*actions.Result, len(r.targets))
	var pr poolResult
	_ = o.phaseSpan(ctx, r, func(ctx context.Context) error {
		pr = runPool(ctx, o.workers, len(r.targets), func(ctx context.Context, i int) error {
			if len(matched[i]) == 0 {
				return nil
			}
			b := r.targets[i]
			return o.targetSpan(ctx, r, b.Target, func(ctx context.Context) error {
				res, err := o.actions.Apply(ctx, o.execContext(b, r, r.result.DryRun), c.Actions, actions.Request{
					RunID:   r.id,
					Policy:  r.policy,
					Records: matched[i],
				})
				results[i] = res
				return err
			})
		})
		return pr.fatal
	})

	for i, res := range results {
		if res == nil {
			if !pr.started[i] && len(matched[i]) > 0 {
				o.skipUnit(r, c, r.targets[i].Target, matched[i], pr.fatal)
			}
			continue
		}
		r.result.Outcomes = append(r.result.Outcomes, res.Outcomes...)
		r.result.Errors = append(r.result.Errors, res.Errors...)
		for _, e := range res.Errors {
			o.tel.Metrics.RecordError(string(e.Class), e.Code)
		}
	}
	return pr.fatal
}

// skipUnit records a skipped outcome for every call of a unit that never
// started because the run was aborted.
func (o *Orchestrator) skipUnit(r *run, c *Compiled, t engine.Target, records []engine.Record, cause error) {
	reason := "not attempted: run aborted"
	if cause != nil {
		reason = "not attempted: " + cause.Error()
	}
	for _, step := range c.Actions.Steps {
		for _, rec := range records {
			r.result.Outcomes = append(r.result.Outcomes, engine.ActionOutcome{
				Action:     step.Spec.Type,
				Index:      step.Index,
				ResourceID: rec.ID(c.ResourceType.IDField),
				Target:     t,
				Status:     engine.OutcomeSkipped,
				Message:    reason,
			})
		}
	}
}

// fail terminates the run with err and returns the partial result.
func (o *Orchestrator) fail(r *run, err error) (*engine.ExecutionResult, error) {
	phase := r.result.Phase
	status := engine.RunStatusFailed
	if errors.Is(err, context.Canceled) {
		status = engine.RunStatusCancelled
	}

	if !recorded(r.result.Errors, err) {
		runErr := engine.NewRunError(phase, resourceOf(err), err)
		r.result.Errors = append(r.result.Errors, runErr)
		o.tel.Metrics.RecordError(string(runErr.Class), runErr.Code)
	}

	o.finish(r, status)
	o.record(r)
	telemetry.FinishRunSpan(r.span, status, len(r.result.Matched), err)
	unpublished(r.log, telemetry.EventTypeRunFailed, o.tel.Events.PublishRunFailed(r.id, r.policy, err.Error()))
	r.log.WithPhase(phase).WithError(err).Error("Policy run failed")
	return r.result, err
}

func (o *Orchestrator) complete(r *run) *engine.ExecutionResult {
	status := engine.RunStatusSucceeded
	if len(r.result.Errors) > 0 {
		status = engine.RunStatusPartial
	}
	o.finish(r, status)
	o.record(r)
	telemetry.FinishRunSpan(r.span, status, len(r.result.Matched), nil)
	unpublished(r.log, telemetry.EventTypeRunCompleted,
		o.tel.Events.PublishRunCompleted(r.id, r.policy, string(status), len(r.result.Matched), r.result.Duration))

	log := r.log.WithField("status", string(status)).
		WithField("fetched", r.result.Fetched).
		WithField("matched", len(r.result.Matched)).
		WithField("duration", r.result.Duration.String())
	for s, n := range r.result.Summary() {
		log = log.WithField(string(s), n)
	}
	log.Info("Policy run completed")
	return r.result
}

func (o *Orchestrator) finish(r *run, status engine.RunStatus) {
	r.result.Status = status
	r.result.Duration = r.timer.Duration()
	r.result.CompletedAt = r.now.Add(r.result.Duration)
	o.tel.Metrics.RecordRunCompleted(r.policy, string(status), r.result.Duration)
}

// record hands the finished result to the history store. Cancelled runs
// are recorded too.
func (o *Orchestrator) record(r *run) {
	if o.history == nil {
		return
	}
	if err := o.history.Record(context.WithoutCancel(r.ctx), r.result); err != nil {
		r.log.WithError(err).Warn("Failed to record run history")
	}
}

// recorded reports whether err is already in errs, e.g. a fetch error
// recorded against its target before it aborted the run.
func recorded(errs []engine.RunError, err error) bool {
	for _, e := range errs {
		if e.Err == err {
			return true
		}
	}
	return false
}

func resourceOf(err error) string {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee.Resource
	}
	return ""
}

func inPhase(err error, phase engine.Phase) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Phase == "" {
		ee.Phase = phase
	}
	return err
}

func isFatal(err error) bool {
	return engine.IsFatal(err) || errors.Is(err, context.Canceled) || errors.Is(err, ErrNoClient)
}

// selectTargets keeps the targets in regions, or all of them when regions
// is empty.
func selectTargets(targets []Binding, regions []string) []Binding {
	if len(regions) == 0 {
		return targets
	}
	allowed := make(map[string]bool, len(regions))
	for _, r := range regions {
		allowed[r] = true
	}
	out := make([]Binding, 0, len(targets))
	for _, t := range targets {
		if allowed[t.Target.Region] {
			out = append(out, t)
		}
	}
	return out
}
