package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dhcgn/outbox-mailer/render"
)

func NewEnginesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "List the template engines and how they are selected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ENGINE\tALIASES\tEXTENSIONS\tDESCRIPTION")
			for _, info := range render.Engines() {
				exts := strings.Join(info.Extensions, " ")
				if exts == "" {
					exts = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Name, strings.Join(info.Aliases, ", "), exts, info.Summary)
			}
			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "Without a known extension the first lines may carry a marker such as <!--template liquid-->.")
			return tw.Flush()
		},
	}
}
