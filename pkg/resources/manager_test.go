package resources

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudsteward/steward/pkg/engine"
	"github.com/cloudsteward/steward/pkg/retry"
)

// mockClient serves fixed pages and scripted failures.
type mockClient struct {
	mu sync.Mutex

	pages [][]engine.Record

	// pageFailures[i] lists errors returned, in order, before page i succeeds.
	pageFailures map[int][]error

	describe map[string]func() (engine.Record, error)

	listCalls     int
	pageCalls     int
	describeCalls int
}

type mockIterator struct {
	client *mockClient
	next   int
}

func (m *mockClient) List(ctx context.Context, req engine.ListRequest) (engine.PageIterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	return &mockIterator{client: m}, nil
}

func (it *mockIterator) NextPage(ctx context.Context) (*engine.Page, error) {
	m := it.client
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageCalls++

	if fails := m.pageFailures[it.next]; len(fails) > 0 {
		err := fails[0]
		m.pageFailures[it.next] = fails[1:]
		return nil, err
	}
	if it.next >= len(m.pages) {
		return &engine.Page{Last: true}, nil
	}
	page := &engine.Page{Records: m.pages[it.next], Last: it.next == len(m.pages)-1}
	it.next++
	return page, nil
}

func (m *mockClient) Mutate(ctx context.Context, req engine.MutateRequest) (*engine.MutateResponse, error) {
	return &engine.MutateResponse{}, nil
}

func (m *mockClient) Describe(ctx context.Context, req engine.DescribeRequest) (engine.Record, error) {
	m.mu.Lock()
	m.describeCalls++
	fn := m.describe[req.ID]
	m.mu.Unlock()
	if fn == nil {
		return engine.Record{}, nil
	}
	return fn()
}

var ec2 = engine.ResourceType{Name: "aws.ec2", IDField: "InstanceId", DateField: "LaunchTime"}

func fastRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1,
	}
}

func newExecContext(client engine.ProviderClient) *engine.ExecContext {
	return &engine.ExecContext{
		Client:      client,
		Target:      engine.Target{Account: "123456789012", Region: "us-east-1"},
		Concurrency: 4,
	}
}

func rec(id string) engine.Record {
	return engine.Record{"InstanceId": id}
}

func TestResources_PaginatesAndDeduplicates(t *testing.T) {
	client := &mockClient{pages: [][]engine.Record{
		{rec("i-1"), rec("i-2")},
		{rec("i-2"), {"State": "running"}, rec("i-3")},
	}}

	m, err := New(ec2, Options{Retry: fastRetry()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	set, err := m.Resources(context.Background(), newExecContext(client), nil)
	if err != nil {
		t.Fatalf("Resources() error = %v", err)
	}

	ids := set.IDs("InstanceId")
	want := []string{"i-1", "i-2", "i-3"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
	if len(set.Warnings) != 1 {
		t.Errorf("expected one warning for the record without id, got %v", set.Warnings)
	}
}

func TestResources_RetriesThrottledPageWithoutSkipping(t *testing.T) {
	throttled := engine.NewThrottledError("Rate exceeded", nil)
	client := &mockClient{
		pages: [][]engine.Record{{rec("i-1")}, {rec("i-2")}},
		pageFailures: map[int][]error{
			1: {throttled, throttled},
		},
	}

	m, _ := New(ec2, Options{Retry: fastRetry()})
	set, err := m.Resources(context.Background(), newExecContext(client), nil)
	if err != nil {
		t.Fatalf("Resources() error = %v", err)
	}
	if ids := set.IDs("InstanceId"); len(ids) != 2 || ids[1] != "i-2" {
		t.Errorf("ids = %v", ids)
	}
	if client.pageCalls != 4 {
		t.Errorf("page calls = %d, want 4", client.pageCalls)
	}
}

func TestResources_ThrottleExceeded(t *testing.T) {
	throttled := engine.NewThrottledError("Rate exceeded", nil)
	client := &mockClient{
		pages:        [][]engine.Record{{rec("i-1")}},
		pageFailures: map[int][]error{0: {throttled, throttled, throttled, throttled}},
	}

	m, _ := New(ec2, Options{Retry: fastRetry()})
	_, err := m.Resources(context.Background(), newExecContext(client), nil)
	if !errors.Is(err, engine.ErrThrottleExceeded) {
		t.Fatalf("expected ThrottleExceeded, got %v", err)
	}
	if !engine.IsFatal(err) {
		t.Error("throttle exhaustion during fetch must be fatal")
	}
	if client.pageCalls != 3 {
		t.Errorf("page calls = %d, want 3", client.pageCalls)
	}
}

func TestResources_UsesCache(t *testing.T) {
	client := &mockClient{pages: [][]engine.Record{{rec("i-1")}}}
	m, _ := New(ec2, Options{Retry: fastRetry()})
	ec := newExecContext(client)

	for i := 0; i < 3; i++ {
		if _, err := m.Resources(context.Background(), ec, engine.Query{"State": "running"}); err != nil {
			t.Fatalf("Resources() error = %v", err)
		}
	}
	if client.listCalls != 1 {
		t.Errorf("list calls = %d, want 1", client.listCalls)
	}

	if _, err := m.Resources(context.Background(), ec, engine.Query{"State": "stopped"}); err != nil {
		t.Fatalf("Resources() error = %v", err)
	}
	if client.listCalls != 2 {
		t.Errorf("a different query must list again, calls = %d", client.listCalls)
	}
}

func TestResources_Enrichment(t *testing.T) {
	rt := ec2
	rt.Enrich = true

	client := &mockClient{
		pages: [][]engine.Record{{rec("i-1"), rec("i-2"), rec("i-3"), rec("i-4")}},
		describe: map[string]func() (engine.Record, error){
			"i-1": func() (engine.Record, error) {
				return engine.Record{"Tags": []interface{}{map[string]interface{}{"Key": "Environment", "Value": "dev"}}}, nil
			},
			"i-2": func() (engine.Record, error) {
				return nil, engine.NewNotFoundError("InvalidInstanceID.NotFound", nil)
			},
			"i-3": func() (engine.Record, error) {
				return nil, errors.New("internal error")
			},
		},
	}

	m, _ := New(rt, Options{Retry: fastRetry()})
	set, err := m.Resources(context.Background(), newExecContext(client), nil)
	if err != nil {
		t.Fatalf("Resources() error = %v", err)
	}

	ids := set.IDs("InstanceId")
	want := []string{"i-1", "i-3", "i-4"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %s, want %s", i, ids[i], want[i])
		}
	}

	if v, ok := set.Records[0].Tag("Tags", "Environment"); !ok || v != "dev" {
		t.Errorf("enrichment not merged, tag = %q", v)
	}
	if len(set.Warnings) != 2 {
		t.Errorf("expected 2 warnings, got %v", set.Warnings)
	}
}

func TestResources_EnrichmentUnauthorizedIsFatal(t *testing.T) {
	rt := ec2
	rt.Enrich = true

	client := &mockClient{
		pages: [][]engine.Record{{rec("i-1")}},
		describe: map[string]func() (engine.Record, error){
			"i-1": func() (engine.Record, error) {
				return nil, engine.NewUnauthorizedError("ExpiredToken", nil)
			},
		},
	}

	m, _ := New(rt, Options{Retry: fastRetry()})
	_, err := m.Resources(context.Background(), newExecContext(client), nil)
	if !engine.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	if client.describeCalls != 1 {
		t.Errorf("unauthorized must not be retried, describe calls = %d", client.describeCalls)
	}
}

func TestResources_NoClient(t *testing.T) {
	m, _ := New(ec2, Options{})
	if _, err := m.Resources(context.Background(), &engine.ExecContext{}, nil); err == nil {
		t.Fatal("expected error without a client")
	}
}
