package fixture_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cloudsteward/steward/pkg/engine"
	"github.com/cloudsteward/steward/pkg/orchestrator"
	"github.com/cloudsteward/steward/pkg/policy"
	"github.com/cloudsteward/steward/pkg/providers/fixture"
	"github.com/cloudsteward/steward/pkg/registry"
	"github.com/cloudsteward/steward/pkg/retry"
)

const plans = `
targets:
  - account: sub-1
    region: westus
    resources:
      azure.appserviceplan:
        - name: cctest-appserviceplan-win
          sku: {name: S1, tier: Standard}
          tags: {sku: B1}
        - name: cctest-appserviceplan-linux
          sku: {name: S1, tier: Standard}
        - name: cctest-consumption-win
          sku: {name: Y1, tier: Dynamic}
`

func newRun(t *testing.T) (*orchestrator.Orchestrator, *fixture.Fixture, []orchestrator.Binding) {
	t.Helper()
	reg := registry.New()
	if err := fixture.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	f, err := fixture.Parse([]byte(plans))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	o, err := orchestrator.New(orchestrator.Options{
		Registry: reg,
		Retry:    retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var bindings []orchestrator.Binding
	for _, target := range f.Targets() {
		bindings = append(bindings, orchestrator.Binding{Target: target, Client: f.Client(target)})
	}
	return o, f, bindings
}

func parsePolicy(t *testing.T, doc string) *policy.Policy {
	t.Helper()
	l, err := policy.NewLoader(nil)
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	policies, err := l.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return &policies[0]
}

func TestResizePlan_SelectedBySku(t *testing.T) {
	o, f, bindings := newRun(t)
	p := parsePolicy(t, `
name: downsize-standard-plans
resource: azure.appserviceplan
filters:
  - type: value
    key: name
    op: eq
    value_type: normalize
    value: cctest-appserviceplan-win
  - type: value
    key: sku.name
    op: eq
    value: S1
actions:
  - type: resize-plan
    size: F1
`)

	result, err := o.Run(context.Background(), orchestrator.Request{Policy: p, Targets: bindings})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.Join(result.Matched, ",") != "cctest-appserviceplan-win" {
		t.Fatalf("matched = %v", result.Matched)
	}

	muts := f.Client(bindings[0].Target).Mutations()
	if len(muts) != 1 || muts[0].ID != "cctest-appserviceplan-win" || muts[0].Params["size"] != "F1" {
		t.Fatalf("mutations = %+v", muts)
	}
	sku := result.Outcomes[0].Output["sku"].(map[string]interface{})
	if sku["tier"] != "FREE" {
		t.Errorf("sku = %v", sku)
	}
}

func TestResizePlan_SizeFromResourceTag(t *testing.T) {
	o, f, bindings := newRun(t)
	p := parsePolicy(t, `
name: resize-from-tag
resource: azure.appserviceplan
filters:
  - name: cctest-appserviceplan-win
actions:
  - type: resize-plan
    size:
      type: resource
      key: tags.sku
`)

	if _, err := o.Run(context.Background(), orchestrator.Request{Policy: p, Targets: bindings}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rec := f.Client(bindings[0].Target).Records("azure.appserviceplan")[0]
	if name, _ := rec.Lookup("sku.name"); name != "B1" {
		t.Errorf("sku.name = %v, want B1", name)
	}
	if tier, _ := rec.Lookup("sku.tier"); tier != "BASIC" {
		t.Errorf("sku.tier = %v, want BASIC", tier)
	}
}

func TestResizePlan_SkipsConsumptionPlans(t *testing.T) {
	o, f, bindings := newRun(t)
	p := parsePolicy(t, `
name: resize-consumption
resource: azure.appserviceplan
filters:
  - name: cctest-consumption-win
actions:
  - type: resize-plan
    size: F1
`)

	result, err := o.Run(context.Background(), orchestrator.Request{Policy: p, Targets: bindings})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Status != engine.RunStatusSucceeded {
		t.Errorf("status = %s, want succeeded", result.Status)
	}
	if len(result.Outcomes) != 1 || result.Outcomes[0].Status != engine.OutcomeSkipped {
		t.Fatalf("outcomes = %+v", result.Outcomes)
	}
	want := "Skipping cctest-consumption-win, because this App Service Plan is for Consumption Azure Functions."
	if result.Outcomes[0].Message != want {
		t.Errorf("message = %q", result.Outcomes[0].Message)
	}
	if len(f.Client(bindings[0].Target).Mutations()) != 0 {
		t.Error("consumption plan was resized")
	}
}
