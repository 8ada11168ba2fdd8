package filters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/cloudsteward/steward/pkg/engine"
)

// regoDeniedBuiltins reach outside the resource record or read the clock
// and entropy. Matching must be a pure function of the record and Env.Now,
// which modules get as input.now.
var regoDeniedBuiltins = map[string]struct{}{
	"http.send":          {},
	"net.lookup_ip_addr": {},
	"opa.runtime":        {},
	"time.now_ns":        {},
	"rand.intn":          {},
	"uuid.rfc4122":       {},
	"trace":              {},
}

// RegoFilter evaluates a Rego module. The query defaults to the module's
// "match" rule; the resource matches when the query yields true.
type RegoFilter struct {
	Query string

	query     rego.PreparedEvalQuery
	tagsField string
}

func newRegoFilter(p params, rt engine.ResourceType) (Node, error) {
	if err := p.only("rego", "query"); err != nil {
		return nil, err
	}
	module, err := p.requiredStr("rego")
	if err != nil {
		return nil, err
	}
	query, err := p.str("query")
	if err != nil {
		return nil, err
	}
	if query == "" {
		query = fmt.Sprintf("data.%s.match", packageName(module))
	}

	prepared, err := rego.New(
		rego.Module("filter.rego", module),
		rego.Query(query),
		rego.UnsafeBuiltins(regoDeniedBuiltins),
	).PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego query: %w", err)
	}

	return &RegoFilter{Query: query, query: prepared, tagsField: rt.TagsField}, nil
}

// packageName extracts the package name from Rego source.
func packageName(module string) string {
	for _, line := range strings.Split(module, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "steward"
}

// Match implements Node.
func (f *RegoFilter) Match(env Env, r engine.Record) bool {
	input := map[string]interface{}{
		"resource": map[string]interface{}(r),
		"tags":     r.Tags(f.tagsField),
		"now":      env.Now.UTC().Format(time.RFC3339),
	}
	rs, err := f.query.Eval(context.Background(), rego.EvalInput(input))
	if err != nil {
		return false
	}
	return rs.Allowed()
}

func (f *RegoFilter) String() string {
	return "rego: " + f.Query
}
