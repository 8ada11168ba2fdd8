package filters

import (
	"errors"
	"testing"
	"time"

	"github.com/cloudsteward/steward/pkg/engine"
)

func TestExpressionFilters(t *testing.T) {
	running := instance("i-1", now.Add(-45*24*time.Hour), map[string]string{"Environment": "dev"})
	running["State"] = "running"
	running["CpuCount"] = 4

	stopped := instance("i-2", now.Add(-2*24*time.Hour), map[string]string{"Environment": "prod"})
	stopped["State"] = "stopped"
	stopped["CpuCount"] = 2

	const regoModule = `package steward.filters

import rego.v1

match if {
	input.resource.State == "running"
	input.tags.Environment == "dev"
}
`
	const starlarkScript = `
def match(resource, tags, now):
    return resource["State"] == "running" and tags.get("Environment") == "dev" and resource["CpuCount"] > 2
`

	tests := []struct {
		name   string
		filter map[string]interface{}
	}{
		{"expr", map[string]interface{}{
			"type":       "expr",
			"expression": `resource.State == "running" && tags.Environment == "dev" && resource.CpuCount > 2`,
		}},
		{"cel", map[string]interface{}{
			"type":       "cel",
			"expression": `resource.State == "running" && tags["Environment"] == "dev" && resource.CpuCount > 2`,
		}},
		{"rego", map[string]interface{}{
			"type": "rego",
			"rego": regoModule,
		}},
		{"rego explicit query", map[string]interface{}{
			"type":  "rego",
			"rego":  regoModule,
			"query": "data.steward.filters.match",
		}},
		{"starlark", map[string]interface{}{
			"type":   "starlark",
			"script": starlarkScript,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := Parse([]interface{}{tt.filter}, ec2)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			env := Env{Now: now}
			if !node.Match(env, running) {
				t.Error("expected running dev instance to match")
			}
			if node.Match(env, stopped) {
				t.Error("expected stopped prod instance not to match")
			}
		})
	}
}

func TestExpressionFilters_SeeNow(t *testing.T) {
	r := instance("i-1", now.Add(-45*24*time.Hour), nil)

	tests := []struct {
		name   string
		filter map[string]interface{}
	}{
		{"expr", map[string]interface{}{"type": "expr", "expression": `now.Year() == 2024`}},
		{"cel", map[string]interface{}{"type": "cel", "expression": `now.getFullYear() == 2024`}},
		{"starlark", map[string]interface{}{"type": "starlark", "script": "def match(resource, tags, now):\n    return now == 1717243200\n"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := Parse([]interface{}{tt.filter}, ec2)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if !node.Match(Env{Now: now}, r) {
				t.Error("expected match on evaluation time")
			}
		})
	}
}

func TestExpressionFilters_RuntimeErrorIsNoMatch(t *testing.T) {
	r := engine.Record{"InstanceId": "i-1"}

	tests := []map[string]interface{}{
		{"type": "cel", "expression": `resource.State == "running"`},
		{"type": "starlark", "script": "def match(resource, tags, now):\n    return resource[\"State\"] == \"running\"\n"},
		{"type": "starlark", "script": "def match(resource, tags, now):\n    return \"yes\"\n"},
	}

	for _, raw := range tests {
		node, err := Parse([]interface{}{raw}, ec2)
		if err != nil {
			t.Fatalf("Parse(%v) error = %v", raw, err)
		}
		if node.Match(Env{Now: now}, r) {
			t.Errorf("%s: expected no match", node)
		}
	}
}

func TestExpressionFilters_CompileErrors(t *testing.T) {
	tests := []map[string]interface{}{
		{"type": "expr"},
		{"type": "expr", "expression": `resource.State +`},
		{"type": "cel", "expression": `resource.State ==`},
		{"type": "cel", "expression": `1 + 2`},
		{"type": "rego", "rego": "package x\n\nmatch if {"},
		{"type": "rego", "rego": "package x\n\nimport rego.v1\n\nmatch if http.send({\"method\": \"get\", \"url\": \"http://169.254.169.254/\"}).status_code == 200\n"},
		{"type": "rego", "rego": "package x\n\nimport rego.v1\n\nmatch if net.lookup_ip_addr(\"example.com\")\n"},
		{"type": "rego", "rego": "package x\n\nimport rego.v1\n\nmatch if time.now_ns() > 0\n"},
		{"type": "starlark", "script": "def match(:\n"},
		{"type": "starlark", "script": "match = 1\n"},
	}

	for _, raw := range tests {
		_, err := Parse([]interface{}{raw}, ec2)
		if !errors.Is(err, engine.ErrSchema) {
			t.Errorf("Parse(%v) error = %v, want SchemaError", raw, err)
		}
	}
}
