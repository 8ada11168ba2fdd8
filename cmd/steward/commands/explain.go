package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudsteward/steward/pkg/filters"
)

func newExplainCommand() *cobra.Command {
	var policyPaths []string

	cmd := &cobra.Command{
		Use:   "explain NAME",
		Short: "Render a policy's filter tree as a Graphviz graph",
		Example: `  steward explain stop-old-dev -p ./policies | dot -Tpng > filters.png`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			paths, err := e.policyPaths(policyPaths)
			if err != nil {
				return err
			}
			policies, err := e.loader.LoadFromPaths(ctx, paths)
			if err != nil {
				return err
			}
			selected, err := selectPolicies(policies, args)
			if err != nil {
				return err
			}

			o, err := e.newOrchestrator(nil, nil, nil)
			if err != nil {
				return err
			}
			compiled, err := o.Validate(ctx, &selected[0])
			if err != nil {
				return err
			}

			dot, err := filters.RenderDOT(graphName(selected[0].Name), compiled.Filter)
			if err != nil {
				return err
			}
			fmt.Println(dot)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&policyPaths, "policy", "p", nil, "policy files or directories")

	return cmd
}

// graphName turns a policy name into a DOT identifier.
func graphName(name string) string {
	out := []rune(name)
	for i, r := range out {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			out[i] = '_'
		}
	}
	return string(out)
}
