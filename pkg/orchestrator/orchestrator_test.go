package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudsteward/steward/pkg/engine"
	"github.com/cloudsteward/steward/pkg/policy"
	"github.com/cloudsteward/steward/pkg/registry"
	"github.com/cloudsteward/steward/pkg/retry"
	"github.com/cloudsteward/steward/pkg/telemetry"
)

var (
	now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ec2 = engine.ResourceType{
		Name:      "aws.ec2",
		IDField:   "InstanceId",
		DateField: "LaunchTime",
		Actions:   []string{"stop", "start", "terminate"},
	}

	east = engine.Target{Account: "123456789012", Region: "us-east-1"}
	west = engine.Target{Account: "123456789012", Region: "eu-west-1"}
)

// mockClient serves one page of records and logs every call.
type mockClient struct {
	mu sync.Mutex

	records   []engine.Record
	listErr   error
	mutateErr map[string]error

	listCalls   atomic.Int32
	mutateCalls []string
}

type onePage struct {
	records []engine.Record
	done    bool
}

func (it *onePage) NextPage(ctx context.Context) (*engine.Page, error) {
	if it.done {
		return &engine.Page{Last: true}, nil
	}
	it.done = true
	return &engine.Page{Records: it.records, Last: true}, nil
}

func (m *mockClient) List(ctx context.Context, req engine.ListRequest) (engine.PageIterator, error) {
	m.listCalls.Add(1)
	if m.listErr != nil {
		return nil, m.listErr
	}
	return &onePage{records: m.records}, nil
}

func (m *mockClient) Mutate(ctx context.Context, req engine.MutateRequest) (*engine.MutateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutateCalls = append(m.mutateCalls, req.Operation+":"+req.ID)
	if err := m.mutateErr[req.ID]; err != nil {
		return nil, err
	}
	return &engine.MutateResponse{}, nil
}

func (m *mockClient) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.mutateCalls...)
}

func instance(id, env string, age time.Duration) engine.Record {
	return engine.Record{
		"InstanceId": id,
		"LaunchTime": now.Add(-age).Format(time.RFC3339),
		"Tags": []interface{}{
			map[string]interface{}{"Key": "Environment", "Value": env},
		},
	}
}

func fleet() []engine.Record {
	return []engine.Record{
		instance("i-old-dev", "dev", 45*24*time.Hour),
		instance("i-new-dev", "dev", 10*24*time.Hour),
		instance("i-old-prod", "prod", 45*24*time.Hour),
	}
}

func stopOldDev() *policy.Policy {
	return &policy.Policy{
		Name:     "stop-old-dev",
		Resource: "ec2",
		Filters: []interface{}{
			map[string]interface{}{"tag:Environment": "dev"},
			map[string]interface{}{"type": "age", "days": 30},
		},
		Actions: []interface{}{"stop"},
	}
}

func newOrchestrator(t *testing.T, workers int) *Orchestrator {
	t.Helper()
	reg := registry.New()
	reg.MustRegister(ec2, nil)
	o, err := New(Options{
		Registry: reg,
		Workers:  workers,
		Clock:    func() time.Time { return now },
		Retry: retry.Policy{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			Multiplier:      1,
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func TestRun_StopsOldDevInstances(t *testing.T) {
	client := &mockClient{records: fleet()}
	o := newOrchestrator(t, 2)

	result, err := o.Run(context.Background(), Request{
		Policy:  stopOldDev(),
		Targets: []Binding{{Target: east, Client: client}},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Status != engine.RunStatusSucceeded {
		t.Errorf("status = %s, want succeeded", result.Status)
	}
	if result.Phase != engine.PhaseReport {
		t.Errorf("phase = %s, want report", result.Phase)
	}
	if result.Fetched != 3 {
		t.Errorf("fetched = %d, want 3", result.Fetched)
	}
	if strings.Join(result.Matched, ",") != "i-old-dev" {
		t.Errorf("matched = %v", result.Matched)
	}
	if got := client.calls(); len(got) != 1 || got[0] != "stop:i-old-dev" {
		t.Errorf("mutate calls = %v", got)
	}
	if len(result.Outcomes) != 1 || result.Outcomes[0].Status != engine.OutcomeSucceeded {
		t.Errorf("outcomes = %+v", result.Outcomes)
	}
	if result.RunID == "" || result.ResourceType != "aws.ec2" || !result.StartedAt.Equal(now) {
		t.Errorf("result header = %+v", result)
	}
}

func TestRun_UnknownResourceTypeMakesNoCalls(t *testing.T) {
	client := &mockClient{records: fleet()}
	o := newOrchestrator(t, 1)

	p := stopOldDev()
	p.Resource = "not-a-real-type"
	result, err := o.Run(context.Background(), Request{
		Policy:  p,
		Targets: []Binding{{Target: east, Client: client}},
	})
	if !errors.Is(err, engine.ErrUnknownResourceType) {
		t.Fatalf("error = %v, want UnknownResourceType", err)
	}
	if result.Status != engine.RunStatusFailed || result.Phase != engine.PhaseValidate {
		t.Errorf("status = %s, phase = %s", result.Status, result.Phase)
	}
	if client.listCalls.Load() != 0 || len(client.calls()) != 0 {
		t.Errorf("provider was called: list=%d mutate=%v", client.listCalls.Load(), client.calls())
	}
	if len(result.Errors) != 1 || result.Errors[0].Phase != engine.PhaseValidate {
		t.Errorf("errors = %+v", result.Errors)
	}
}

func TestRun_InvalidFilterFailsValidation(t *testing.T) {
	client := &mockClient{records: fleet()}
	o := newOrchestrator(t, 1)

	p := stopOldDev()
	p.Filters = []interface{}{map[string]interface{}{"type": "no-such-filter"}}
	_, err := o.Run(context.Background(), Request{
		Policy:  p,
		Targets: []Binding{{Target: east, Client: client}},
	})
	if !errors.Is(err, engine.ErrSchema) {
		t.Fatalf("error = %v, want SchemaError", err)
	}
	if client.listCalls.Load() != 0 {
		t.Error("provider was called")
	}
}

func TestRun_DryRun(t *testing.T) {
	client := &mockClient{records: fleet()}
	o := newOrchestrator(t, 1)

	result, err := o.Run(context.Background(), Request{
		Policy:  stopOldDev(),
		Targets: []Binding{{Target: east, Client: client}},
		DryRun:  true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(client.calls()) != 0 {
		t.Errorf("dry run mutated: %v", client.calls())
	}
	if !result.DryRun || len(result.Outcomes) != 1 || result.Outcomes[0].Status != engine.OutcomeWouldApply {
		t.Errorf("result = %+v", result)
	}
}

func TestRun_NonFatalFetchErrorIsPartial(t *testing.T) {
	good := &mockClient{records: fleet()}
	broken := &mockClient{listErr: engine.NewPermanentError("InvalidParameterValue", nil)}
	o := newOrchestrator(t, 2)

	result, err := o.Run(context.Background(), Request{
		Policy: stopOldDev(),
		Targets: []Binding{
			{Target: east, Client: good},
			{Target: west, Client: broken},
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Status != engine.RunStatusPartial {
		t.Errorf("status = %s, want partial", result.Status)
	}
	if len(result.Errors) != 1 || result.Errors[0].Phase != engine.PhaseFetch || *result.Errors[0].Target != west {
		t.Errorf("errors = %+v", result.Errors)
	}
	if strings.Join(result.Matched, ",") != "i-old-dev" {
		t.Errorf("matched = %v", result.Matched)
	}
}

func TestRun_FatalFetchKeepsPartialResult(t *testing.T) {
	first := &mockClient{records: fleet()}
	denied := &mockClient{listErr: engine.NewUnauthorizedError("AccessDenied", nil)}
	never := &mockClient{records: fleet()}
	o := newOrchestrator(t, 1)

	result, err := o.Run(context.Background(), Request{
		Policy: stopOldDev(),
		Targets: []Binding{
			{Target: east, Client: first},
			{Target: west, Client: denied},
			{Target: engine.Target{Account: "210987654321", Region: "us-east-1"}, Client: never},
		},
	})
	if !errors.Is(err, engine.ErrAuthorization) {
		t.Fatalf("error = %v, want AuthorizationError", err)
	}
	if result.Status != engine.RunStatusFailed || result.Phase != engine.PhaseFetch {
		t.Errorf("status = %s, phase = %s", result.Status, result.Phase)
	}
	if result.Fetched != 3 {
		t.Errorf("fetched = %d, want the first target's 3", result.Fetched)
	}
	if never.listCalls.Load() != 0 {
		t.Error("unit after the fatal error was started")
	}
	if len(first.calls()) != 0 {
		t.Error("actions ran after a fatal fetch error")
	}
	if len(result.Errors) != 1 {
		t.Errorf("errors = %+v, want the fatal error once", result.Errors)
	}
}

func TestRun_UnauthorizedDuringAct(t *testing.T) {
	records := []engine.Record{
		instance("i-1", "dev", 45*24*time.Hour),
		instance("i-2", "dev", 45*24*time.Hour),
		instance("i-3", "dev", 45*24*time.Hour),
	}
	client := &mockClient{
		records:   records,
		mutateErr: map[string]error{"i-2": engine.NewUnauthorizedError("token revoked", nil)},
	}
	o := newOrchestrator(t, 1)

	result, err := o.Run(context.Background(), Request{
		Policy:  stopOldDev(),
		Targets: []Binding{{Target: east, Client: client}},
	})
	if !errors.Is(err, engine.ErrAuthorization) {
		t.Fatalf("error = %v, want AuthorizationError", err)
	}
	if result.Status != engine.RunStatusFailed || result.Phase != engine.PhaseAct {
		t.Errorf("status = %s, phase = %s", result.Status, result.Phase)
	}
	if got := strings.Join(client.calls(), ","); got != "stop:i-1,stop:i-2" {
		t.Errorf("mutate calls = %s", got)
	}

	statuses := map[string]engine.OutcomeStatus{}
	for _, out := range result.Outcomes {
		statuses[out.ResourceID] = out.Status
	}
	if statuses["i-1"] != engine.OutcomeSucceeded || statuses["i-2"] != engine.OutcomeFailed || statuses["i-3"] != engine.OutcomeSkipped {
		t.Errorf("outcomes = %v", statuses)
	}
}

func TestRun_MultipleTargetsInOrder(t *testing.T) {
	eastClient := &mockClient{records: []engine.Record{instance("i-east", "dev", 40*24*time.Hour)}}
	westClient := &mockClient{records: []engine.Record{instance("i-west", "dev", 40*24*time.Hour)}}
	o := newOrchestrator(t, 4)

	result, err := o.Run(context.Background(), Request{
		Policy: stopOldDev(),
		Targets: []Binding{
			{Target: east, Client: eastClient},
			{Target: west, Client: westClient},
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.Join(result.Matched, ",") != "i-east,i-west" {
		t.Errorf("matched = %v", result.Matched)
	}
	if len(result.Outcomes) != 2 || result.Outcomes[0].Target != east || result.Outcomes[1].Target != west {
		t.Errorf("outcomes = %+v", result.Outcomes)
	}
}

func TestRun_RegionsRestrictTargets(t *testing.T) {
	eastClient := &mockClient{records: fleet()}
	westClient := &mockClient{records: fleet()}
	o := newOrchestrator(t, 2)

	p := stopOldDev()
	p.Regions = []string{"eu-west-1"}
	if _, err := o.Run(context.Background(), Request{
		Policy: p,
		Targets: []Binding{
			{Target: east, Client: eastClient},
			{Target: west, Client: westClient},
		},
	}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if eastClient.listCalls.Load() != 0 || westClient.listCalls.Load() != 1 {
		t.Errorf("list calls east=%d west=%d", eastClient.listCalls.Load(), westClient.listCalls.Load())
	}
}

func TestRun_ListingIsCachedAcrossRuns(t *testing.T) {
	client := &mockClient{records: fleet()}
	o := newOrchestrator(t, 1)
	req := Request{Policy: stopOldDev(), Targets: []Binding{{Target: east, Client: client}}, DryRun: true}

	for i := 0; i < 2; i++ {
		if _, err := o.Run(context.Background(), req); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	}
	if client.listCalls.Load() != 1 {
		t.Errorf("list calls = %d, want 1", client.listCalls.Load())
	}
}

func TestRun_CancelledContext(t *testing.T) {
	client := &mockClient{records: fleet()}
	o := newOrchestrator(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := o.Run(ctx, Request{Policy: stopOldDev(), Targets: []Binding{{Target: east, Client: client}}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if result.Status != engine.RunStatusCancelled {
		t.Errorf("status = %s, want cancelled", result.Status)
	}
}

// mockRecorder keeps recorded results.
type mockRecorder struct {
	mu      sync.Mutex
	results []*engine.ExecutionResult
	err     error
}

func (m *mockRecorder) Record(ctx context.Context, result *engine.ExecutionResult) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	return m.err
}

func TestRun_RecordsHistory(t *testing.T) {
	rec := &mockRecorder{}
	o := newOrchestrator(t, 1)
	o.history = rec

	client := &mockClient{records: fleet()}
	ok, err := o.Run(context.Background(), Request{Policy: stopOldDev(), Targets: []Binding{{Target: east, Client: client}}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cancelled, _ := o.Run(ctx, Request{Policy: stopOldDev(), Targets: []Binding{{Target: east, Client: client}}})

	if len(rec.results) != 2 {
		t.Fatalf("recorded %d results, want 2", len(rec.results))
	}
	if rec.results[0] != ok || rec.results[1] != cancelled {
		t.Error("recorded results differ from returned ones")
	}
	if rec.results[1].Status != engine.RunStatusCancelled {
		t.Errorf("recorded status = %s, want cancelled", rec.results[1].Status)
	}
}

func TestRun_HistoryFailureDoesNotFailRun(t *testing.T) {
	o := newOrchestrator(t, 1)
	o.history = &mockRecorder{err: errors.New("disk full")}

	result, err := o.Run(context.Background(), Request{
		Policy:  stopOldDev(),
		Targets: []Binding{{Target: east, Client: &mockClient{records: fleet()}}},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Status != engine.RunStatusSucceeded {
		t.Errorf("status = %s, want succeeded", result.Status)
	}
}

func TestRun_MissingClientIsFatal(t *testing.T) {
	o := newOrchestrator(t, 1)
	_, err := o.Run(context.Background(), Request{Policy: stopOldDev(), Targets: []Binding{{Target: east}}})
	if !errors.Is(err, ErrNoClient) {
		t.Fatalf("error = %v, want ErrNoClient", err)
	}
}

func TestValidate_Guardrails(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(ec2, nil)
	g, err := policy.NewGuardrails(context.Background(), nil)
	if err != nil {
		t.Fatalf("NewGuardrails() error = %v", err)
	}
	o, err := New(Options{Registry: reg, Guardrails: g})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	nuke := &policy.Policy{Name: "nuke", Resource: "ec2", Actions: []interface{}{"terminate"}}
	if _, err := o.Validate(context.Background(), nuke); !errors.Is(err, engine.ErrSchema) {
		t.Errorf("error = %v, want SchemaError", err)
	}

	noisy := stopOldDev()
	noisy.Name = "Stop_Old_Dev"
	c, err := o.Validate(context.Background(), noisy)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(c.Warnings) != 1 || !strings.Contains(c.Warnings[0].Message, "policy-naming") {
		t.Errorf("warnings = %+v", c.Warnings)
	}
}

func TestRunPool_AbortSkipsUnstartedUnits(t *testing.T) {
	boom := errors.New("boom")
	var ran atomic.Int32
	res := runPool(context.Background(), 1, 4, func(ctx context.Context, i int) error {
		ran.Add(1)
		if i == 1 {
			return boom
		}
		return nil
	})
	if !errors.Is(res.fatal, boom) {
		t.Errorf("fatal = %v", res.fatal)
	}
	if ran.Load() != 2 {
		t.Errorf("ran = %d, want 2", ran.Load())
	}
	want := []bool{true, true, false, false}
	for i := range want {
		if res.started[i] != want[i] {
			t.Errorf("started = %v, want %v", res.started, want)
			break
		}
	}
}

func TestRunPool_BoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	res := runPool(context.Background(), 3, 12, func(ctx context.Context, i int) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil
	})
	if res.fatal != nil {
		t.Fatalf("fatal = %v", res.fatal)
	}
	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}
}

// lockedBuffer is a bytes.Buffer safe for concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRun_StoppedPublisherIsLogged(t *testing.T) {
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 1})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	if err := events.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	var out lockedBuffer
	tel := telemetry.NewNop()
	tel.Logger = telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{Level: "debug"}, &out)
	tel.Events = events

	reg := registry.New()
	reg.MustRegister(ec2, nil)
	o, err := New(Options{
		Registry:  reg,
		Clock:     func() time.Time { return now },
		Telemetry: tel,
		Retry:     retry.Policy{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result, err := o.Run(context.Background(), Request{
		Policy:  stopOldDev(),
		Targets: []Binding{{Target: east, Client: &mockClient{records: fleet()}}},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Status != engine.RunStatusSucceeded {
		t.Errorf("status = %s, want succeeded", result.Status)
	}

	logs := out.String()
	for _, event := range []string{
		telemetry.EventTypeRunStarted,
		telemetry.EventTypePhaseEntered,
		telemetry.EventTypeActionOutcome,
		telemetry.EventTypeRunCompleted,
	} {
		if !strings.Contains(logs, `"event":"`+event+`"`) {
			t.Errorf("no log for unpublished %s event", event)
		}
	}
	if !strings.Contains(logs, "event publisher stopped") {
		t.Errorf("publisher error missing from logs:\n%s", logs)
	}
}
