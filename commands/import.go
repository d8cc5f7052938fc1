package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/edisonhq/edison/workflow"
)

func newImportCmd(a *app) *cobra.Command {
	var opts workflow.ImportOptions
	cmd := &cobra.Command{
		Use:   "import <plan.md>",
		Short: "Create tasks from a markdown plan of checkbox items",
		Long: "Import reads a markdown plan where ## sections hold checkbox items\nand creates one task per unchecked item. Section order becomes the\npriority slot and item order the wave, so re-importing an amended plan\nonly creates what is new.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.ImportPlan(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return a.emit(res, func(w io.Writer) {
				for _, id := range res.Created {
					fmt.Fprintf(w, "created %s\n", id)
				}
				fmt.Fprintf(w, "%d created, %d existing, %d done\n",
					len(res.Created), len(res.Existing), len(res.Done))
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Type, "type", "", "task type for imported tasks")
	f.StringSliceVar(&opts.Tags, "tag", nil, "tag attached to every imported task (repeatable)")
	f.StringVar(&opts.Parent, "parent", "", "parent task id for imported tasks")
	f.BoolVar(&opts.IncludeDone, "include-done", false, "import checked items too")
	return cmd
}
