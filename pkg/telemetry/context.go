package telemetry

import (
	"context"
	"errors"

	"github.com/cloudsteward/steward/pkg/engine"
)

// Telemetry bundles the logger, tracer, metrics and event publisher shared
// by one engine instance.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds every component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tel := &Telemetry{Config: cfg}
	var err error
	if tel.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if tel.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		return nil, err
	}
	if tel.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	if tel.Events, err = NewEventPublisher(cfg.Events); err != nil {
		return nil, err
	}
	return tel, nil
}

// NewNop returns telemetry that logs nothing, exports nothing and keeps no
// metrics. Tests and library callers without configuration use it.
func NewNop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false
	tracer, _ := NewTracer(TracingConfig{}, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	metrics, _ := NewMetrics(cfg.Metrics)
	events, _ := NewEventPublisher(cfg.Events)
	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}
}

// WithContext attaches t and its logger to ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryContextKey{}, t))
}

// FromTelemetryContext returns the telemetry attached to ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown drains pending events and flushes the tracer. Both are
// attempted even if the first fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
}

// RecordProviderOperation runs one provider call under a span and records
// its latency. Failures are counted by error class. Without telemetry on
// ctx, fn simply runs.
func RecordProviderOperation(ctx context.Context, resourceType, operation string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	ctx, span := tel.Tracer.StartProviderSpan(ctx, resourceType, operation)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)
	tel.Metrics.RecordProviderCall(resourceType, operation, timer.Duration())
	if err != nil {
		tel.Metrics.RecordProviderError(resourceType, operation, string(engine.Classify(err)))
	}
	EndSpan(span, err)
	return err
}
