package fixture

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudsteward/steward/pkg/engine"
	"github.com/cloudsteward/steward/pkg/registry"
)

const sample = `
targets:
  - account: "123456789012"
    region: us-east-1
    page_size: 2
    resources:
      ec2:
        - InstanceId: i-1
          State: {Name: running}
          Tags: [{Key: Environment, Value: dev}]
        - InstanceId: i-2
          State: {Name: stopped}
        - InstanceId: i-3
          State: {Name: running}
      aws.s3:
        - Name: logs
    details:
      aws.s3:
        logs: {Versioning: Enabled}
    failures:
      "stop:i-3": [throttled]
  - account: "123456789012"
    region: eu-west-1
    resources:
      azure.appserviceplan:
        - name: cctest-appserviceplan-win
          sku: {name: S1, tier: Standard}
          tags: {sku: B1}
        - name: cctest-consumption-win
          sku: {name: Y1, tier: Dynamic}
`

var (
	east = engine.Target{Account: "123456789012", Region: "us-east-1"}
	west = engine.Target{Account: "123456789012", Region: "eu-west-1"}
)

func mustParse(t *testing.T) *Fixture {
	t.Helper()
	f, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return f
}

func listAll(t *testing.T, c *Client, resourceType string, q engine.Query) ([]engine.Record, int) {
	t.Helper()
	it, err := c.List(context.Background(), engine.ListRequest{ResourceType: resourceType, Query: q})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var all []engine.Record
	pages := 0
	for {
		page, err := it.NextPage(context.Background())
		if err != nil {
			t.Fatalf("NextPage() error = %v", err)
		}
		pages++
		all = append(all, page.Records...)
		if page.Last {
			return all, pages
		}
	}
}

func ids(records []engine.Record, field string) string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID(field)
	}
	return strings.Join(out, ",")
}

func TestParse(t *testing.T) {
	f := mustParse(t)
	targets := f.Targets()
	if len(targets) != 2 || targets[0] != east || targets[1] != west {
		t.Fatalf("targets = %v", targets)
	}
	if f.Client(east) == nil || f.Client(engine.Target{Region: "nowhere"}) != nil {
		t.Error("Client() lookup mismatch")
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no targets", "targets: []\n"},
		{"missing region", "targets:\n  - account: a\n"},
		{"unknown key", "targets:\n  - account: a\n    region: r\n    extra: 1\n"},
		{"bad failure kind", "targets:\n  - account: a\n    region: r\n    failures: {\"list:aws.ec2\": [boom]}\n"},
		{"duplicate target", "targets:\n  - {account: a, region: r}\n  - {account: a, region: r}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestList_PagesAndQuery(t *testing.T) {
	c := mustParse(t).Client(east)

	records, pages := listAll(t, c, "aws.ec2", nil)
	if ids(records, "InstanceId") != "i-1,i-2,i-3" || pages != 2 {
		t.Errorf("records = %s over %d pages", ids(records, "InstanceId"), pages)
	}

	running, _ := listAll(t, c, "aws.ec2", engine.Query{"State.Name": "running"})
	if ids(running, "InstanceId") != "i-1,i-3" {
		t.Errorf("running = %s", ids(running, "InstanceId"))
	}
	if c.Calls("list:aws.ec2") != 2 {
		t.Errorf("list calls = %d", c.Calls("list:aws.ec2"))
	}
}

func TestDescribe(t *testing.T) {
	c := mustParse(t).Client(east)
	ctx := context.Background()

	extra, err := c.Describe(ctx, engine.DescribeRequest{ResourceType: "aws.s3", ID: "logs"})
	if err != nil || extra["Versioning"] != "Enabled" {
		t.Errorf("Describe() = %v, %v", extra, err)
	}
	_, err = c.Describe(ctx, engine.DescribeRequest{ResourceType: "aws.s3", ID: "gone"})
	if !engine.IsNotFound(err) {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestMutate_ChangesStoredState(t *testing.T) {
	c := mustParse(t).Client(east)
	ctx := context.Background()

	before, _ := listAll(t, c, "aws.ec2", nil)

	resp, err := c.Mutate(ctx, engine.MutateRequest{ResourceType: "aws.ec2", ID: "i-1", Operation: "stop"})
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if resp.Output["PreviousState"] != "running" || resp.Output["CurrentState"] != "stopped" {
		t.Errorf("output = %v", resp.Output)
	}

	stopped, _ := listAll(t, c, "aws.ec2", engine.Query{"State.Name": "stopped"})
	if ids(stopped, "InstanceId") != "i-1,i-2" {
		t.Errorf("stopped = %s", ids(stopped, "InstanceId"))
	}
	if v, _ := before[0].Lookup("State.Name"); v != "running" {
		t.Errorf("earlier listing changed: %v", v)
	}

	if _, err := c.Mutate(ctx, engine.MutateRequest{ResourceType: "aws.ec2", ID: "i-1", Operation: "reboot"}); err == nil {
		t.Error("expected error for unsupported operation")
	}
	if _, err := c.Mutate(ctx, engine.MutateRequest{ResourceType: "aws.ec2", ID: "i-9", Operation: "stop"}); !engine.IsNotFound(err) {
		t.Errorf("error = %v, want not found", err)
	}
	if got := c.Mutations(); len(got) != 1 || got[0].ID != "i-1" {
		t.Errorf("mutations = %+v", got)
	}
}

func TestMutate_InjectedFailure(t *testing.T) {
	c := mustParse(t).Client(east)
	req := engine.MutateRequest{ResourceType: "aws.ec2", ID: "i-3", Operation: "stop"}

	if _, err := c.Mutate(context.Background(), req); !engine.IsThrottled(err) {
		t.Fatalf("first call error = %v, want throttled", err)
	}
	if _, err := c.Mutate(context.Background(), req); err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if c.Calls("stop:i-3") != 2 {
		t.Errorf("calls = %d", c.Calls("stop:i-3"))
	}
}

func TestMutateBatch_Delete(t *testing.T) {
	c := NewClient(east)
	c.Put("ebs", engine.Record{"VolumeId": "vol-1"}, engine.Record{"VolumeId": "vol-2"}, engine.Record{"VolumeId": "vol-3"})

	results, err := c.MutateBatch(context.Background(), engine.BatchMutateRequest{
		ResourceType: "aws.ebs",
		IDs:          []string{"vol-1", "vol-9", "vol-3"},
		Operation:    "delete",
	})
	if err != nil {
		t.Fatalf("MutateBatch() error = %v", err)
	}
	if results[0].Err != nil || !engine.IsNotFound(results[1].Err) || results[2].Err != nil {
		t.Errorf("results = %+v", results)
	}
	if got := ids(c.Records("aws.ebs"), "VolumeId"); got != "vol-2" {
		t.Errorf("remaining = %s", got)
	}
	for _, m := range c.Mutations() {
		if !m.Batch {
			t.Errorf("mutation %+v not marked as batch", m)
		}
	}
}

func TestResizePlan(t *testing.T) {
	c := mustParse(t).Client(west)
	ctx := context.Background()

	resp, err := c.Mutate(ctx, engine.MutateRequest{
		ResourceType: "azure.appserviceplan",
		ID:           "cctest-appserviceplan-win",
		Operation:    "resize-plan",
		Params:       map[string]interface{}{"size": "F1"},
	})
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	sku := resp.Output["sku"].(map[string]interface{})
	if sku["name"] != "F1" || sku["tier"] != "FREE" {
		t.Errorf("sku = %v", sku)
	}

	_, err = c.Mutate(ctx, engine.MutateRequest{
		ResourceType: "azure.appserviceplan",
		ID:           "cctest-consumption-win",
		Operation:    "resize-plan",
		Params:       map[string]interface{}{"size": "F1"},
	})
	if !errors.Is(err, engine.ErrSkipped) {
		t.Fatalf("error = %v, want skipped", err)
	}
	want := "Skipping cctest-consumption-win, because this App Service Plan is for Consumption Azure Functions."
	if !strings.Contains(err.Error(), want) {
		t.Errorf("error = %v", err)
	}
}

func TestSkuTier(t *testing.T) {
	tests := map[string]string{
		"F1": "FREE", "D1": "SHARED", "B1": "BASIC", "S2": "STANDARD",
		"P1": "PREMIUM", "P1v2": "PREMIUMV2", "P2V3": "PREMIUMV3", "I1": "ISOLATED",
	}
	for size, want := range tests {
		if got, err := skuTier(size); err != nil || got != want {
			t.Errorf("skuTier(%s) = %s, %v, want %s", size, got, err, want)
		}
	}
	if _, err := skuTier("X9"); err == nil {
		t.Error("expected error for unknown size")
	}
}

func TestTagAndUntag_KeepShape(t *testing.T) {
	f := mustParse(t)
	ctx := context.Background()

	ec2 := f.Client(east)
	if err := ec2.Tag(ctx, engine.TagRequest{ResourceType: "aws.ec2", ID: "i-1", Tags: map[string]string{"Owner": "ops"}}); err != nil {
		t.Fatalf("Tag() error = %v", err)
	}
	r := ec2.Records("aws.ec2")[0]
	if _, isList := r["Tags"].([]interface{}); !isList {
		t.Errorf("tags shape = %T, want list", r["Tags"])
	}
	if tags := r.Tags("Tags"); tags["Owner"] != "ops" || tags["Environment"] != "dev" {
		t.Errorf("tags = %v", tags)
	}

	plans := f.Client(west)
	if err := plans.Untag(ctx, engine.UntagRequest{ResourceType: "azure.appserviceplan", ID: "cctest-appserviceplan-win", Keys: []string{"sku"}}); err != nil {
		t.Fatalf("Untag() error = %v", err)
	}
	p := plans.Records("azure.appserviceplan")[0]
	if m, isMap := p["tags"].(map[string]interface{}); !isMap || len(m) != 0 {
		t.Errorf("tags = %#v", p["tags"])
	}
}

func TestRegister(t *testing.T) {
	reg := registry.New()
	if err := Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	rt, err := reg.Describe("ec2")
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if strings.Join(rt.Actions, ",") != "start,stop,terminate" {
		t.Errorf("actions = %v", rt.Actions)
	}
	if _, err := reg.Describe("azure.appserviceplan"); err != nil {
		t.Errorf("Describe() error = %v", err)
	}
}
