package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/store"
	"github.com/edisonhq/edison/workflow"
)

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and move tasks through their lifecycle",
	}
	cmd.AddCommand(
		newTaskCreateCmd(a),
		newTaskClaimCmd(a),
		newTaskReadyCmd(a),
		newTaskPromoteCmd(a),
		newTaskBlockCmd(a),
		newTaskUnblockCmd(a),
		newTaskRollbackCmd(a),
		newTaskLinkCmd(a),
		newTaskListCmd(a),
		newTaskShowCmd(a),
		newTaskDeleteCmd(a),
	)
	return cmd
}

func newTaskCreateCmd(a *app) *cobra.Command {
	var spec workflow.TaskSpec
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task and its QA dossier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			spec.Title = args[0]
			task, err := svc.CreateTask(cmd.Context(), spec)
			if err != nil {
				return err
			}
			return a.emit(task, func(w io.Writer) {
				fmt.Fprintf(w, "created %s (%s)\n", task.ID, task.State)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&spec.ID, "id", "", "explicit task id (default: generated from priority/wave/title)")
	f.StringVar(&spec.Type, "type", "", "task type (default from config)")
	f.IntVar(&spec.Priority, "priority", 0, "priority slot for the generated id")
	f.IntVar(&spec.Wave, "wave", 0, "wave within the priority slot")
	f.StringSliceVar(&spec.Tags, "tag", nil, "free-form label (repeatable)")
	f.StringSliceVar(&spec.DependsOn, "depends-on", nil, "task ids that must validate first")
	f.StringSliceVar(&spec.Related, "related", nil, "related task ids (non-blocking)")
	f.StringVar(&spec.Parent, "parent", "", "parent task id")
	f.StringVar(&spec.BundleRoot, "bundle-root", "", "bundle root task id")
	f.StringVar(&spec.Body, "body", "", "markdown brief below the frontmatter")
	return cmd
}

func newTaskClaimCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <task-id>",
		Short: "Claim a task into a session and start work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			task, err := svc.ClaimTask(cmd.Context(), args[0], a.sessionID)
			if err != nil {
				return err
			}
			return a.emit(task, func(w io.Writer) {
				fmt.Fprintf(w, "%s claimed by %s (%s)\n", task.ID, task.SessionID, task.State)
			})
		},
	}
}

func newTaskReadyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ready <task-id>",
		Short: "Mark a task done once its evidence is in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			task, err := svc.ReadyTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(task, func(w io.Writer) {
				fmt.Fprintf(w, "%s is %s\n", task.ID, task.State)
			})
		},
	}
}

func newTaskPromoteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "promote <task-id>",
		Short: "Promote a done task after bundle approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			task, err := svc.PromoteTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(task, func(w io.Writer) {
				fmt.Fprintf(w, "%s is %s\n", task.ID, task.State)
			})
		},
	}
}

func newTaskBlockCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <task-id>",
		Short: "Park a task with a blocker reason",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			task, err := svc.BlockTask(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return a.emit(task, func(w io.Writer) {
				fmt.Fprintf(w, "%s blocked: %s\n", task.ID, reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is blocked")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newTaskUnblockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <task-id>",
		Short: "Return a blocked task to work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			task, err := svc.UnblockTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(task, func(w io.Writer) {
				fmt.Fprintf(w, "%s is %s\n", task.ID, task.State)
			})
		},
	}
}

func newTaskRollbackCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rollback <task-id>",
		Short: "Roll a done task back to work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			task, err := svc.RollbackTask(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return a.emit(task, func(w io.Writer) {
				fmt.Fprintf(w, "%s rolled back to %s\n", task.ID, task.State)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is rolled back")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newTaskLinkCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "link <task-id> <depends-on>...",
		Short: "Add dependencies to a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			task, err := svc.LinkTask(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			return a.emit(task, func(w io.Writer) {
				fmt.Fprintf(w, "%s depends on %s\n", task.ID, strings.Join(task.DependsOn, ", "))
			})
		},
	}
}

func newTaskListCmd(a *app) *cobra.Command {
	var filter store.TaskFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			tasks, err := svc.ListTasks(filter)
			if err != nil {
				return err
			}
			return a.emit(tasks, func(w io.Writer) {
				renderTaskTable(w, tasks)
			})
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&filter.States, "state", nil, "restrict to states (repeatable)")
	f.StringVar(&filter.SessionID, "claimed-by", "", "restrict to a session's claims")
	f.StringVar(&filter.Tag, "tag", "", "restrict to a tag")
	f.StringVar(&filter.Parent, "parent", "", "restrict to children of a task")
	f.StringVar(&filter.Type, "type", "", "restrict to a task type")
	return cmd
}

func newTaskShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task, its dossier, and its approval state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			detail, err := svc.ShowTask(args[0])
			if err != nil {
				return err
			}
			return a.emit(detail, func(w io.Writer) {
				renderTaskDetail(w, detail)
			})
		},
	}
}

func newTaskDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a non-terminal task and its dossier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			id := args[0]
			if err := svc.DeleteTask(cmd.Context(), id); err != nil {
				return err
			}
			return a.emit(map[string]string{"deleted": id}, func(w io.Writer) {
				fmt.Fprintf(w, "deleted %s\n", id)
			})
		},
	}
}

func renderTaskTable(w io.Writer, tasks []*entity.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tSESSION\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.State, t.SessionID, t.Title)
	}
	tw.Flush()
}

func renderTaskDetail(w io.Writer, d *workflow.TaskDetail) {
	t := d.Task
	fmt.Fprintf(w, "%s  %s  %s\n", t.ID, t.State, t.Title)
	if t.SessionID != "" {
		fmt.Fprintf(w, "session: %s\n", t.SessionID)
	}
	if len(t.DependsOn) > 0 {
		fmt.Fprintf(w, "depends on: %s\n", strings.Join(t.DependsOn, ", "))
	}
	if t.BundleRoot != "" {
		fmt.Fprintf(w, "bundle root: %s\n", t.BundleRoot)
	}
	if d.QA != nil {
		fmt.Fprintf(w, "qa: %s round %d\n", d.QA.State, d.Round)
		for _, r := range d.QA.Rounds {
			fmt.Fprintf(w, "  round %d: %s  %s\n", r.Round, r.Verdict, r.Summary)
		}
	}
	if d.Approved {
		fmt.Fprintln(w, "bundle approval: approved")
	}
	if body := strings.TrimSpace(t.Body); body != "" {
		fmt.Fprintf(w, "\n%s\n", body)
	}
}
