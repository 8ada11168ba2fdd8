package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type validation struct {
	Policy       string   `json:"policy"`
	ResourceType string   `json:"resource_type,omitempty"`
	Valid        bool     `json:"valid"`
	Error        string   `json:"error,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var (
		policyPaths []string
		guardrails  string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate policies without running them",
		Long: `Validate policy documents.

Each policy is checked against the document schema, its resource type is
resolved, its filters and actions are compiled and the guardrails are
evaluated. No provider is contacted.`,
		Example: `  steward validate -p ./policies
  steward validate -p policy.yml --guardrails ./guardrails --json`,
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
			g, err := e.guardrails(ctx, guardrails)
			if err != nil {
				return err
			}
			o, err := e.newOrchestrator(nil, g, nil)
			if err != nil {
				return err
			}

			var (
				results []validation
				invalid int
			)
			for i := range policies {
				v := validation{Policy: policies[i].Name, Valid: true}
				compiled, err := o.Validate(ctx, &policies[i])
				if err != nil {
					v.Valid = false
					v.Error = err.Error()
					invalid++
				} else {
					v.ResourceType = compiled.ResourceType.Name
					for _, w := range compiled.Warnings {
						v.Warnings = append(v.Warnings, w.Message)
					}
				}
				results = append(results, v)
			}

			if jsonOutput {
				if err := printJSON(os.Stdout, results); err != nil {
					return err
				}
			} else {
				for _, v := range results {
					if !v.Valid {
						fmt.Printf("✗ %s: %s\n", v.Policy, v.Error)
						continue
					}
					fmt.Printf("✓ %s (%s)\n", v.Policy, v.ResourceType)
					for _, w := range v.Warnings {
						fmt.Printf("    warning: %s\n", w)
					}
				}
			}

			log.Debug().Int("policies", len(policies)).Int("invalid", invalid).Msg("Validation complete")
			if invalid > 0 {
				return fmt.Errorf("%d of %d policies are invalid", invalid, len(policies))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&policyPaths, "policy", "p", nil, "policy files or directories")
	cmd.Flags().StringVar(&guardrails, "guardrails", "", "directory of additional .rego guardrails")

	return cmd
}
