package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudsteward/steward/pkg/engine"
	"github.com/cloudsteward/steward/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect run history",
		Long: `Inspect past policy runs.

Runs are recorded when history.path is configured. Each record keeps the
full execution result and one row per action outcome.`,
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	cmd.AddCommand(newRunsOutcomesCommand())

	return cmd
}

// withHistory runs fn against the configured history store.
func withHistory(ctx context.Context, fn func(s *stores.SQLiteStore) error) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.close()

	s, err := e.openHistory(ctx)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("run history is disabled; set history.path")
	}
	defer s.Close()

	return fn(s)
}

func newRunsListCommand() *cobra.Command {
	var (
		policyName string
		status     string
		since      time.Duration
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Example: `  steward runs list --policy stop-old-dev --limit 10
  steward runs list --status failed --since 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withHistory(ctx, func(s *stores.SQLiteStore) error {
				filter := stores.RunFilter{
					Policy: policyName,
					Status: engine.RunStatus(status),
					Limit:  limit,
				}
				if status != "" {
					if err := filter.Status.Validate(); err != nil {
						return err
					}
				}
				if since > 0 {
					filter.Since = time.Now().Add(-since)
				}

				runs, err := s.ListRuns(ctx, filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(os.Stdout, runs)
				}

				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tPOLICY\tSTATUS\tFETCHED\tMATCHED\tERRORS\tSTARTED\tDURATION")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
						r.ID, r.Policy, r.Status, r.Fetched, r.Matched, r.Errors,
						r.StartedAt.Local().Format(time.RFC3339), r.Duration.Round(time.Millisecond))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&policyName, "policy", "", "only runs of this policy")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	cmd.Flags().DurationVar(&since, "since", 0, "only runs started within this window")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show the full result of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withHistory(ctx, func(s *stores.SQLiteStore) error {
				result, err := s.GetResult(ctx, args[0])
				if err != nil {
					return err
				}
				return printResult(os.Stdout, result)
			})
		},
	}
}

func newRunsOutcomesCommand() *cobra.Command {
	var (
		resourceID string
		status     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:     "outcomes",
		Short:   "List recorded action outcomes",
		Example: `  steward runs outcomes --resource i-0abc123 --status failed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withHistory(ctx, func(s *stores.SQLiteStore) error {
				outcomes, err := s.ListOutcomes(ctx, stores.OutcomeFilter{
					ResourceID: resourceID,
					Status:     engine.OutcomeStatus(status),
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(os.Stdout, outcomes)
				}

				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tTARGET\tRESOURCE\tACTION\tSTATUS\tATTEMPTS\tMESSAGE")
				for _, o := range outcomes {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
						o.RunID, o.Target, o.ResourceID, o.Action, o.Status, o.Attempts, o.Message)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&resourceID, "resource", "", "only outcomes for this resource id")
	cmd.Flags().StringVar(&status, "status", "", "only outcomes with this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of outcomes")

	return cmd
}
