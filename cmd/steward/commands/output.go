package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/cloudsteward/steward/pkg/engine"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult writes a run result as JSON or as a short human summary.
func printResult(w io.Writer, result *engine.ExecutionResult) error {
	if result == nil {
		return nil
	}
	if jsonOutput {
		return printJSON(w, result)
	}

	mode := ""
	if result.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "Policy %s [%s]%s: %s in %s\n",
		result.Policy, result.ResourceType, mode, result.Status, result.Duration.Round(1e6))
	fmt.Fprintf(w, "  fetched %d, matched %d\n", result.Fetched, len(result.Matched))

	if len(result.Outcomes) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  TARGET\tRESOURCE\tACTION\tSTATUS\tMESSAGE")
		for _, o := range result.Outcomes {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", o.Target, o.ResourceID, o.Action, o.Status, o.Message)
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		summary := result.Summary()
		statuses := make([]string, 0, len(summary))
		for s := range summary {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		fmt.Fprint(w, "  outcomes:")
		for _, s := range statuses {
			fmt.Fprintf(w, " %s=%d", s, summary[engine.OutcomeStatus(s)])
		}
		fmt.Fprintln(w)
	}

	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "  warning [%s] %s %s\n", warn.Phase, warn.ResourceID, warn.Message)
	}
	for _, e := range result.Errors {
		where := ""
		if e.Target != nil {
			where = " " + e.Target.String()
		}
		fmt.Fprintf(w, "  error [%s/%s]%s %s %s\n", e.Phase, e.Class, where, e.ResourceID, e.Message)
	}
	return nil
}
