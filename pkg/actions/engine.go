// Package actions implements the action engine: it applies a policy's
// ordered action list to the resources that passed the filter.
//
// Actions run in declared order and, within an action, resources run in
// matched order. Every provider call goes through the shared retry policy;
// idempotent actions also retry timeout-class failures. A failure on one
// resource is recorded as that resource's outcome and never stops the
// others. The one exception is an authorization failure: credentials that
// were revoked mid-run fail every later call too, so the remaining calls of
// the unit are recorded as skipped and the error is returned to the caller.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudsteward/steward/pkg/engine"
	"github.com/cloudsteward/steward/pkg/retry"
	"github.com/cloudsteward/steward/pkg/telemetry"
)

// Options configures an Engine.
type Options struct {
	// Retry governs every mutating call. A zero policy uses
	// retry.DefaultPolicy.
	Retry retry.Policy

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

// Engine applies compiled action plans.
type Engine struct {
	retry   retry.Policy
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
}

// NewEngine creates an action engine.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		retry:   opts.Retry,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		events:  opts.Events,
	}
	if e.logger == nil {
		e.logger = telemetry.NewNopLogger()
	}
	e.logger = e.logger.NewComponentLogger("actions")
	if e.retry.MaxAttempts == 0 {
		onRetry := e.retry.OnRetry
		e.retry = retry.DefaultPolicy()
		e.retry.OnRetry = onRetry
	}
	if e.retry.OnRetry == nil {
		e.retry.OnRetry = func(operation string, attempt int, err error, wait time.Duration) {
			e.metrics.RecordRetry(operation, string(engine.Classify(err)))
			e.logger.WithError(err).
				WithField("operation", operation).
				WithField("attempt", attempt).
				WithField("wait", wait.String()).
				Warn("Action call failed, retrying")
		}
	}
	return e
}

// Request is the input of one Apply call: the matched resources of one
// target.
type Request struct {
	RunID   string
	Policy  string
	Records []engine.Record
}

// Result holds the outcomes of one Apply call, ordered by action and then
// by resource, plus an error entry for every failed outcome.
type Result struct {
	Outcomes []engine.ActionOutcome
	Errors   []engine.RunError
}

// Apply runs plan against req.Records in ec's target. The returned error is
// non-nil only when the unit was aborted (authorization revoked or context
// canceled); the result then still holds every outcome recorded so far and
// a skipped outcome for each call that was not made.
func (e *Engine) Apply(ctx context.Context, ec *engine.ExecContext, plan *Plan, req Request) (*Result, error) {
	res := &Result{}
	if plan == nil || len(plan.Steps) == 0 || len(req.Records) == 0 {
		return res, nil
	}

	rt := plan.ResourceType
	log := e.logger.WithRunID(req.RunID).WithPolicy(req.Policy).WithResourceType(rt.Name).WithTarget(ec.Target)
	now := ec.Now()

	var abortErr error
	for _, step := range plan.Steps {
		u := &unit{
			e:      e,
			ec:     ec,
			rt:     rt,
			step:   step,
			req:    req,
			now:    now,
			res:    res,
			log:    log.WithField("action", step.Spec.Type),
			policy: e.retry,
		}

		switch {
		case abortErr != nil:
			u.skipAll(req.Records, "not attempted: "+abortErr.Error())
		case ec.DryRun:
			u.dryRun()
		default:
			abortErr = u.run(ctx)
		}
	}

	if abortErr != nil {
		log.WithError(abortErr).Error("Action unit aborted")
	}
	return res, abortErr
}

// unit applies one step to the records of one target.
type unit struct {
	e      *Engine
	ec     *engine.ExecContext
	rt     engine.ResourceType
	step   Step
	req    Request
	now    time.Time
	res    *Result
	log    *telemetry.Logger
	policy retry.Policy
}

func (u *unit) newCall(r engine.Record, id string) (*call, error) {
	params, err := resolveParams(u.step.Spec.Params, r, u.rt.TagsField)
	if err != nil {
		return nil, err
	}
	return &call{
		client: u.ec.Client,
		rtype:  u.rt,
		target: u.ec.Target,
		id:     id,
		record: r,
		params: params,
		now:    u.now,
		runID:  u.req.RunID,
		policy: u.req.Policy,
		events: u.e.events,
	}, nil
}

// dryRun exercises parameter resolution for every resource and stops
// before the provider call.
func (u *unit) dryRun() {
	for _, r := range u.req.Records {
		id := r.ID(u.rt.IDField)
		if !u.step.Spec.DryRunCapable {
			u.record(id, engine.OutcomeSkipped, 0, "action does not support dry-run", nil, nil)
			continue
		}
		if _, err := u.newCall(r, id); err != nil {
			u.record(id, engine.OutcomeFailed, 0, err.Error(), nil, engine.NewActionError(u.step.Spec.Type, id, err))
			continue
		}
		u.record(id, engine.OutcomeWouldApply, 0, "", nil, nil)
	}
}

func (u *unit) run(ctx context.Context) error {
	if u.ec.Client == nil {
		err := fmt.Errorf("no provider client for %s", u.ec.Target)
		u.skipAll(u.req.Records, err.Error())
		return err
	}

	if u.step.Spec.Batch && !hasReferences(u.step.Spec.Params) {
		if bh, ok := u.step.impl.(batchHandler); ok {
			if client, ok := u.ec.Client.(engine.BatchMutator); ok {
				return u.runBatch(ctx, bh, client)
			}
			u.log.Debug("Client has no bulk operation, applying per resource")
		}
	}

	for i, r := range u.req.Records {
		if err := ctx.Err(); err != nil {
			u.skipAll(u.req.Records[i:], "not attempted: "+err.Error())
			return err
		}

		id := r.ID(u.rt.IDField)
		c, err := u.newCall(r, id)
		if err != nil {
			u.record(id, engine.OutcomeFailed, 0, err.Error(), nil, engine.NewActionError(u.step.Spec.Type, id, err))
			continue
		}

		out, result, err := retry.Do(ctx, u.policy, "action:"+u.step.Spec.Type,
			retry.ForAction(u.step.Spec.Idempotent),
			func(ctx context.Context) (map[string]interface{}, error) {
				var out map[string]interface{}
				err := u.invoke(ctx, func(ctx context.Context) error {
					var err error
					out, err = u.step.impl.apply(ctx, c)
					return err
				})
				return out, err
			})

		if abort := u.settle(id, result.Attempts, out, err); abort != nil {
			u.skipAll(u.req.Records[i+1:], "not attempted: "+abort.Error())
			return abort
		}
	}
	return nil
}

func (u *unit) runBatch(ctx context.Context, bh batchHandler, client engine.BatchMutator) error {
	ids := make([]string, len(u.req.Records))
	for i, r := range u.req.Records {
		ids[i] = r.ID(u.rt.IDField)
	}
	req := engine.BatchMutateRequest{
		ResourceType: u.rt.Name,
		Target:       u.ec.Target,
		IDs:          ids,
		Params:       u.step.Spec.Params,
	}

	results, result, err := retry.Do(ctx, u.policy, "action:"+u.step.Spec.Type+":batch",
		retry.ForAction(u.step.Spec.Idempotent),
		func(ctx context.Context) ([]engine.BatchResult, error) {
			var results []engine.BatchResult
			err := u.invoke(ctx, func(ctx context.Context) error {
				var err error
				results, err = bh.applyBatch(ctx, client, req)
				return err
			})
			return results, err
		})

	if err != nil {
		for _, id := range ids {
			u.settle(id, result.Attempts, nil, err)
		}
		if engine.IsUnauthorized(err) || ctx.Err() != nil {
			return err
		}
		return nil
	}

	byID := make(map[string]engine.BatchResult, len(results))
	for _, br := range results {
		byID[br.ID] = br
	}
	var abort error
	for _, id := range ids {
		br, ok := byID[id]
		if !ok {
			u.record(id, engine.OutcomeFailed, result.Attempts, "no result returned for resource", nil,
				engine.NewActionError(u.step.Spec.Type, id, errors.New("no result returned for resource")))
			continue
		}
		if a := u.settle(id, result.Attempts, br.Output, br.Err); a != nil && abort == nil {
			abort = a
		}
	}
	return abort
}

// invoke applies the per-call timeout and provider telemetry.
func (u *unit) invoke(ctx context.Context, fn func(ctx context.Context) error) error {
	if u.ec.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.ec.CallTimeout)
		defer cancel()
	}
	return telemetry.RecordProviderOperation(ctx, u.rt.Name, u.step.Spec.Type, fn)
}

// settle records the outcome of one call and returns a non-nil error when
// the unit must stop.
func (u *unit) settle(id string, attempts int, out map[string]interface{}, err error) error {
	switch {
	case err == nil:
		u.record(id, engine.OutcomeSucceeded, attempts, "", out, nil)
		return nil
	case engine.IsNotFound(err):
		u.record(id, engine.OutcomeSkipped, attempts, "resource no longer exists", nil, nil)
		return nil
	case engine.IsSkipped(err):
		u.record(id, engine.OutcomeSkipped, attempts, skipReason(err), nil, nil)
		return nil
	}

	actionErr := engine.NewActionError(u.step.Spec.Type, id, err)
	actionErr.Attempts = attempts
	u.record(id, engine.OutcomeFailed, attempts, err.Error(), nil, actionErr)

	if engine.IsUnauthorized(err) {
		return actionErr
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func skipReason(err error) string {
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Message != "" {
		return ee.Message
	}
	return err.Error()
}

func (u *unit) skipAll(records []engine.Record, reason string) {
	for _, r := range records {
		u.record(r.ID(u.rt.IDField), engine.OutcomeSkipped, 0, reason, nil, nil)
	}
}

func (u *unit) record(id string, status engine.OutcomeStatus, attempts int, message string, out map[string]interface{}, err error) {
	u.res.Outcomes = append(u.res.Outcomes, engine.ActionOutcome{
		Action:     u.step.Spec.Type,
		Index:      u.step.Index,
		ResourceID: id,
		Target:     u.ec.Target,
		Status:     status,
		Attempts:   attempts,
		Message:    message,
		Output:     out,
	})
	if err != nil {
		runErr := engine.NewRunError(engine.PhaseAct, id, err)
		target := u.ec.Target
		runErr.Target = &target
		u.res.Errors = append(u.res.Errors, runErr)
	}

	u.e.metrics.RecordActionOutcome(u.step.Spec.Type, string(status))
	log := u.log.WithResourceID(id).WithField("status", string(status))
	if err := u.e.events.PublishActionOutcome(u.req.RunID, u.req.Policy, id, u.step.Spec.Type, string(status), message); err != nil {
		log.WithError(err).WithField("event", telemetry.EventTypeActionOutcome).Warn("Event not published")
	}

	switch status {
	case engine.OutcomeFailed:
		log.WithField("message", message).Warn("Action failed")
	case engine.OutcomeSkipped:
		log.WithField("message", message).Debug("Action skipped")
	default:
		log.Debug("Action applied")
	}
}
