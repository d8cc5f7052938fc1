package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newComposeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Generate instruction documents from layered sources",
	}
	cmd.AddCommand(newComposeRunCmd(a), newComposeListCmd(a))
	return cmd
}

func newComposeRunCmd(a *app) *cobra.Command {
	var types []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compose and write the generated documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			result, err := svc.ComposeRun(cmd.Context(), types)
			if err != nil {
				return err
			}
			return a.emit(result, func(w io.Writer) {
				for _, art := range result.Artifacts {
					fmt.Fprintf(w, "wrote %s\n", art.OutputPath)
				}
				fmt.Fprintf(w, "%d artifacts\n", len(result.Artifacts))
			})
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "restrict to content types (repeatable)")
	return cmd
}

func newComposeListCmd(a *app) *cobra.Command {
	var types []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List composable documents and their source layers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			artifacts, err := svc.ComposeList(types)
			if err != nil {
				return err
			}
			return a.emit(artifacts, func(w io.Writer) {
				if len(artifacts) == 0 {
					fmt.Fprintln(w, "nothing to compose")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TYPE\tNAME\tLAYERS")
				for _, art := range artifacts {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", art.ContentType, art.Name, strings.Join(art.Layers, ", "))
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "restrict to content types (repeatable)")
	return cmd
}
