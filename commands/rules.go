package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newRulesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect lifecycle rule identifiers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the rules attached to each transition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			infos := svc.Rules()
			return a.emit(infos, func(w io.Writer) {
				if len(infos) == 0 {
					fmt.Fprintln(w, "no rules declared")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "DOMAIN\tTRANSITION\tRULES")
				for _, info := range infos {
					fmt.Fprintf(tw, "%s\t%s -> %s\t%s\n", info.Domain, info.From, info.To, strings.Join(info.Rules, ", "))
				}
				tw.Flush()
			})
		},
	})
	return cmd
}
