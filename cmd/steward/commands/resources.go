package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newResourcesCommand() *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:     "resources",
		Aliases: []string{"schema"},
		Short:   "List registered resource types",
		Example: `  steward resources
  steward resources --provider azure --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			types := e.registry.Descriptors()
			if provider != "" {
				filtered := types[:0]
				for _, rt := range types {
					if rt.Provider == provider {
						filtered = append(filtered, rt)
					}
				}
				types = filtered
			}

			if jsonOutput {
				return printJSON(os.Stdout, types)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tID FIELD\tDATE FIELD\tTAGS FIELD\tACTIONS")
			for _, rt := range types {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					rt.Name, rt.IDField, dash(rt.DateField), dash(rt.TagsField), dash(strings.Join(rt.Actions, ",")))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "only list types of this provider")

	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
