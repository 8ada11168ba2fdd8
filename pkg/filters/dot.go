package filters

import (
	"fmt"

	"github.com/awalterschulze/gographviz"
)

// RenderDOT renders a filter tree as a Graphviz digraph. Combinators are
// drawn as ellipses, leaves as boxes, and edges follow evaluation order.
func RenderDOT(name string, root Node) (string, error) {
	g := gographviz.NewEscape()
	if err := g.SetName(name); err != nil {
		return "", fmt.Errorf("failed to name graph: %w", err)
	}
	if err := g.SetDir(true); err != nil {
		return "", fmt.Errorf("failed to set graph direction: %w", err)
	}

	if root == nil {
		root = MatchAll{}
	}

	var (
		next   int
		addErr error
		stack  []string
	)
	Walk(root, func(n Node, depth int) bool {
		if addErr != nil {
			return false
		}
		id := fmt.Sprintf("n%d", next)
		next++

		shape := "box"
		if _, ok := n.(Parent); ok {
			shape = "ellipse"
		}
		if err := g.AddNode(name, id, map[string]string{
			"label": n.String(),
			"shape": shape,
		}); err != nil {
			addErr = fmt.Errorf("failed to add node: %w", err)
			return false
		}

		stack = stack[:depth]
		if depth > 0 {
			if err := g.AddEdge(stack[depth-1], id, true, nil); err != nil {
				addErr = fmt.Errorf("failed to add edge: %w", err)
				return false
			}
		}
		stack = append(stack, id)
		return true
	})
	if addErr != nil {
		return "", addErr
	}

	return g.String(), nil
}
