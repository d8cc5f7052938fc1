package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/edisonhq/edison/workflow"
)

func newInitCmd(a *app) *cobra.Command {
	var opts workflow.InitOptions
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold the configuration and project management trees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := workflow.Init(a.projectRoot, opts)
			if err != nil {
				return err
			}
			return a.emit(res, func(w io.Writer) {
				if len(res.Created) == 0 {
					fmt.Fprintf(w, "%s is already initialized\n", res.Root)
					return
				}
				for _, p := range res.Created {
					fmt.Fprintf(w, "created %s\n", p)
				}
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.ProjectName, "name", "", "project name (default: directory name)")
	f.StringVar(&opts.ProjectDir, "project-dir", "", "project management directory (default: .project)")
	return cmd
}
