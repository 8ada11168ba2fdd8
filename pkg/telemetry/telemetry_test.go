package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/cloudsteward/steward/pkg/engine"
)

func TestLogger_StructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("resources").
		WithRunID("run-1").
		WithTarget(engine.Target{Account: "123", Region: "us-east-1"}).
		WithError(engine.NewThrottledError("slow down", nil)).
		Warn("retrying list")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", buf.String(), err)
	}

	want := map[string]string{
		"component":   "resources",
		"run_id":      "run-1",
		"account":     "123",
		"region":      "us-east-1",
		"error_class": "throttled",
		"level":       "warn",
		"message":     "retrying list",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("field %s = %v, want %s", k, entry[k], v)
		}
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered, got %q", buf.String())
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordRunStarted("p")
	m.RecordCacheHit()
	m.RecordActionOutcome("stop", "failed")
	m.RecordError("permanent", "")

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	disabled.RecordProviderCall("aws.ec2", "list", time.Millisecond)
	if disabled.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
}

func TestEventPublisher_AsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    10,
		MaxBatchSize:  100,
		FlushInterval: time.Hour,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.ResourceID)
		mu.Unlock()
	}, nil)

	for _, id := range []string{"i-1", "i-2", "i-3"} {
		if err := ep.PublishActionOutcome("run-1", "p", id, "stop", "succeeded", ""); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "i-1" || got[2] != "i-3" {
		t.Errorf("delivered = %v", got)
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: false})
	if err := ep.Publish(Event{Type: EventTypeError}); err != nil {
		t.Errorf("Publish() on disabled publisher = %v", err)
	}
}

func TestRecordProviderOperation_WithoutTelemetry(t *testing.T) {
	want := errors.New("boom")
	err := RecordProviderOperation(context.Background(), "aws.ec2", "list", func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("RecordProviderOperation() = %v", err)
	}
}

func TestEventPublisher_FilterByType(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var all, notes []string
	ep.Subscribe(func(e Event) { all = append(all, e.Type) }, nil)
	ep.Subscribe(func(e Event) { notes = append(notes, e.Message) }, FilterByType(EventTypeNotification))

	_ = ep.PublishRunStarted("run-1", "idle", false)
	_ = ep.PublishNotification("run-1", "idle", "i-1", "instance i-1 is idle", nil)
	_ = ep.PublishActionOutcome("run-1", "idle", "i-1", "notify", "failed", "boom")

	if len(all) != 3 {
		t.Errorf("unfiltered subscriber got %v", all)
	}
	if len(notes) != 1 || notes[0] != "instance i-1 is idle" {
		t.Errorf("notification subscriber got %v", notes)
	}
}

func TestEventPublisher_PublishAfterShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := ep.PublishRunStarted("run-1", "p", false); !errors.Is(err, errPublisherStopped) {
		t.Errorf("Publish() after shutdown = %v, want %v", err, errPublisherStopped)
	}
}

func TestFinishRunSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer("test")

	_, span := tracer.Start(context.Background(), "policy.run")
	FinishRunSpan(span, engine.RunStatusFailed, 2, engine.NewThrottledError("slow down", nil))
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	got := ended[0]
	if got.Status().Code != codes.Error {
		t.Errorf("status = %v, want error", got.Status())
	}
	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range got.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs[AttrRunStatus].AsString() != string(engine.RunStatusFailed) {
		t.Errorf("run.status = %v", attrs[AttrRunStatus])
	}
	if attrs[AttrRunMatched].AsInt64() != 2 {
		t.Errorf("run.matched = %v", attrs[AttrRunMatched])
	}
	if attrs[AttrErrorClass].AsString() != "throttled" {
		t.Errorf("error.class = %v", attrs[AttrErrorClass])
	}
}

func TestTracer_TargetSpan(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: true, Exporter: "none", SamplingRate: 1}, "steward", "test", "test")
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}
	defer tr.Shutdown(context.Background())

	ctx, run := tr.StartRunSpan(context.Background(), "run-1", "p", "aws.ec2")
	_, span := tr.StartTargetSpan(ctx, engine.PhaseFetch, engine.Target{Account: "123", Region: "eu-west-1"})
	defer span.End()
	defer run.End()

	if !span.SpanContext().IsValid() || !span.IsRecording() {
		t.Fatal("target span should be sampled")
	}
	if span.SpanContext().TraceID() != run.SpanContext().TraceID() {
		t.Error("target span should share the run's trace")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, "endpoint is required"},
		{"unknown exporter ignored while disabled", func(c *Config) { c.Tracing.Exporter = "zipkin" }, ""},
		{"sampling rate", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, "sampling rate"},
		{"async without batch size", func(c *Config) {
			c.Events.EnableAsync = true
			c.Events.MaxBatchSize = 0
		}, "batch size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
