package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "steward",
		Short: "Steward - cloud resource governance engine",
		Long: `Steward evaluates declarative policies against cloud resources.

A policy names a resource type, a filter tree and an ordered list of
actions. Each run validates the policy, fetches resources for every
target (account/region), keeps those that match the filters and applies
the actions to them, reporting a structured result.

Features:
  - YAML/JSON policy documents with schema validation
  - Value, age, marked-for-op, off-hours and expression filters
    (expr, CEL, Rego, Starlark)
  - Throttle-aware retries and a shared listing cache
  - Dry runs that never mutate
  - Rego guardrails over policy documents`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default: ./steward.yaml or $HOME/.steward/steward.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newResourcesCommand())
	rootCmd.AddCommand(newExplainCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}
