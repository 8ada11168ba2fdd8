// Package filters evaluates composable predicate trees over resource records.
//
// A tree is built once per policy by Parse, which validates and compiles
// every leaf (regular expressions, durations, expression programs) so that
// evaluation is total: Match never fails and never performs I/O. Malformed
// parameters are rejected at parse time with a SchemaError; malformed
// resource data (an unparseable date, a garbage tag value) simply does not
// match.
//
// Combinators evaluate their children in declared order and short-circuit.
// Records are never modified.
package filters

import (
	"time"

	"github.com/cloudsteward/steward/pkg/engine"
)

// Env is the evaluation environment shared by every node in one run.
type Env struct {
	// Now is captured once per run so that all resources see the same time.
	Now time.Time
}

// Node is one node of a filter tree.
type Node interface {
	// Match reports whether r satisfies the node.
	Match(env Env, r engine.Record) bool

	// String returns a short human-readable label.
	String() string
}

// Parent is implemented by combinators.
type Parent interface {
	Children() []Node
}

// And is true iff every child is true.
type And struct {
	Nodes []Node
}

// Match implements Node.
func (a *And) Match(env Env, r engine.Record) bool {
	for _, n := range a.Nodes {
		if !n.Match(env, r) {
			return false
		}
	}
	return true
}

func (a *And) String() string   { return "and" }
func (a *And) Children() []Node { return a.Nodes }

// Or is true iff any child is true.
type Or struct {
	Nodes []Node
}

// Match implements Node.
func (o *Or) Match(env Env, r engine.Record) bool {
	for _, n := range o.Nodes {
		if n.Match(env, r) {
			return true
		}
	}
	return false
}

func (o *Or) String() string   { return "or" }
func (o *Or) Children() []Node { return o.Nodes }

// Not negates its child.
type Not struct {
	Node Node
}

// Match implements Node.
func (n *Not) Match(env Env, r engine.Record) bool {
	return !n.Node.Match(env, r)
}

func (n *Not) String() string   { return "not" }
func (n *Not) Children() []Node { return []Node{n.Node} }

// MatchAll matches every record. It is the tree of a policy without filters.
type MatchAll struct{}

// Match implements Node.
func (MatchAll) Match(Env, engine.Record) bool { return true }

func (MatchAll) String() string { return "match-all" }

// Evaluate matches r against node. A nil node matches everything.
func Evaluate(node Node, env Env, r engine.Record) bool {
	if node == nil {
		return true
	}
	return node.Match(env, r)
}

// Apply returns the records that match node, in input order.
func Apply(node Node, env Env, records []engine.Record) []engine.Record {
	out := make([]engine.Record, 0, len(records))
	for _, r := range records {
		if Evaluate(node, env, r) {
			out = append(out, r)
		}
	}
	return out
}

// Walk visits node and its descendants depth-first in declared order.
// Returning false from fn stops descent below that node.
func Walk(node Node, fn func(n Node, depth int) bool) {
	walk(node, 0, fn)
}

func walk(node Node, depth int, fn func(Node, int) bool) {
	if node == nil || !fn(node, depth) {
		return
	}
	if p, ok := node.(Parent); ok {
		for _, c := range p.Children() {
			walk(c, depth+1, fn)
		}
	}
}
