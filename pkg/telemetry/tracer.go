package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cloudsteward/steward/pkg/engine"
)

// Span attribute keys.
var (
	AttrRunID        = attribute.Key("run.id")
	AttrRunStatus    = attribute.Key("run.status")
	AttrRunMatched   = attribute.Key("run.matched")
	AttrPolicy       = attribute.Key("policy.name")
	AttrPhase        = attribute.Key("phase")
	AttrResourceType = attribute.Key("resource.type")
	AttrAccount      = attribute.Key("target.account")
	AttrRegion       = attribute.Key("target.region")
	AttrProviderOp   = attribute.Key("provider.operation")
	AttrErrorClass   = attribute.Key("error.class")
	AttrErrorCode    = attribute.Key("error.code")
)

// Tracer starts the spans of a policy run. A run span parents one span per
// phase, which parents one span per target and one per provider call.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer. When tracing is disabled the tracer still
// hands out valid spans, but nothing is sampled or exported.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
		attribute.String("environment", environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	provider := newProvider(cfg, res, exporter)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

// newExporter returns nil for the none exporter.
func newExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "none":
		return nil, nil
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter %q", cfg.Exporter)
	}
}

func newProvider(cfg TracingConfig, res *resource.Resource, exporter sdktrace.SpanExporter) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter == nil {
		return sdktrace.NewTracerProvider(opts...)
	}

	var batch []sdktrace.BatchSpanProcessorOption
	if cfg.MaxExportBatchSize > 0 {
		batch = append(batch, sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize))
	}
	if cfg.ExportTimeout > 0 {
		batch = append(batch, sdktrace.WithExportTimeout(cfg.ExportTimeout))
	}
	return sdktrace.NewTracerProvider(append(opts, sdktrace.WithBatcher(exporter, batch...))...)
}

// StartSpan starts a span named operation carrying attrs.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartRunSpan starts the root span of a policy run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID, policy, resourceType string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "policy.run",
		AttrRunID.String(runID),
		AttrPolicy.String(policy),
		AttrResourceType.String(resourceType),
	)
}

// StartPhaseSpan starts the span of one run phase.
func (t *Tracer) StartPhaseSpan(ctx context.Context, phase engine.Phase) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "phase."+string(phase), AttrPhase.String(string(phase)))
}

// StartTargetSpan starts the span of one account/region unit of a phase.
func (t *Tracer) StartTargetSpan(ctx context.Context, phase engine.Phase, target engine.Target) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "target."+string(phase),
		AttrPhase.String(string(phase)),
		AttrAccount.String(target.Account),
		AttrRegion.String(target.Region),
	)
}

// StartProviderSpan starts the span of one provider call.
func (t *Tracer) StartProviderSpan(ctx context.Context, resourceType, operation string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "provider."+operation,
		AttrResourceType.String(resourceType),
		AttrProviderOp.String(operation),
	)
}

// Shutdown flushes buffered spans and stops the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// EndSpan sets the span status from err. Classified errors also tag the
// span with their class and code. The span itself is not ended.
func EndSpan(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetAttributes(AttrErrorClass.String(string(engine.Classify(err))))
	if code := engine.CodeOf(err); code != "" {
		span.SetAttributes(AttrErrorCode.String(code))
	}
	span.SetStatus(codes.Error, err.Error())
}

// FinishRunSpan tags a run span with the final status and match count and
// sets its status from err.
func FinishRunSpan(span trace.Span, status engine.RunStatus, matched int, err error) {
	span.SetAttributes(
		AttrRunStatus.String(string(status)),
		AttrRunMatched.Int(matched),
	)
	EndSpan(span, err)
}
