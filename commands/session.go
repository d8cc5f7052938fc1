package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/edisonhq/edison/rules"
	"github.com/edisonhq/edison/store"
	"github.com/edisonhq/edison/workflow"
)

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create, inspect, and close work sessions",
	}
	cmd.AddCommand(
		newSessionCreateCmd(a),
		newSessionNextCmd(a),
		newSessionStatusCmd(a),
		newSessionCloseCmd(a),
		newSessionArchiveCmd(a),
		newSessionRecoverCmd(a),
		newSessionListCmd(a),
	)
	return cmd
}

func newSessionCreateCmd(a *app) *cobra.Command {
	var spec workflow.SessionSpec
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a new session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			sess, err := svc.CreateSession(cmd.Context(), spec)
			if err != nil {
				return err
			}
			return a.emit(sess, func(w io.Writer) {
				fmt.Fprintf(w, "created %s for %s\n", sess.ID, sess.Owner)
				fmt.Fprintf(w, "export EDISON_SESSION_ID=%s\n", sess.ID)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&spec.ID, "id", "", "explicit session id")
	f.StringVar(&spec.Owner, "session-owner", "", "session owner (default: --owner or $USER)")
	f.StringVar(&spec.Branch, "branch", "", "git branch the session works on")
	return cmd
}

func newSessionNextCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "next [session-id]",
		Short: "Show the next recommended actions for a session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			plan, err := svc.NextActions(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			return a.emit(plan, func(w io.Writer) {
				renderPlan(w, plan)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "cap emitted actions (default from config)")
	return cmd
}

func newSessionStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [session-id]",
		Short: "Show a session, its claims, and its completion state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			id := a.sessionID
			if len(args) == 1 {
				id = args[0]
			}
			if id == "" {
				id = svc.SessionID()
			}
			status, err := svc.Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.emit(status, func(w io.Writer) {
				renderSessionStatus(w, status)
			})
		},
	}
}

func newSessionCloseCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "close [session-id]",
		Short: "Request close; completes when the policy is satisfied",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			sess, err := svc.CloseSession(cmd.Context(), id, reason)
			if err != nil {
				return err
			}
			return a.emit(sess, func(w io.Writer) {
				fmt.Fprintf(w, "%s is %s\n", sess.ID, sess.State)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "close note recorded in history")
	return cmd
}

func newSessionArchiveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <session-id>",
		Short: "Archive a validated session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			sess, err := svc.ArchiveSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(sess, func(w io.Writer) {
				fmt.Fprintf(w, "%s is %s\n", sess.ID, sess.State)
			})
		},
	}
}

func newSessionRecoverCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "recover <session-id>",
		Short: "Recover an interrupted session back to active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			sess, err := svc.RecoverSession(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return a.emit(sess, func(w io.Writer) {
				fmt.Fprintf(w, "%s is %s\n", sess.ID, sess.State)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "what interrupted the session")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newSessionListCmd(a *app) *cobra.Command {
	var filter store.SessionFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			sessions, err := svc.ListSessions(filter)
			if err != nil {
				return err
			}
			return a.emit(sessions, func(w io.Writer) {
				if len(sessions) == 0 {
					fmt.Fprintln(w, "no sessions")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATE\tOWNER\tCLAIMED")
				for _, s := range sessions {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", s.ID, s.State, s.Owner, len(s.ClaimedTasks))
				}
				tw.Flush()
			})
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&filter.States, "state", nil, "restrict to states (repeatable)")
	f.StringVar(&filter.Owner, "session-owner", "", "restrict to an owner")
	return cmd
}

func renderPlan(w io.Writer, plan *rules.Plan) {
	if len(plan.Actions) == 0 {
		fmt.Fprintln(w, "no recommended actions")
	}
	for _, act := range plan.Actions {
		marker := " "
		if act.Blocking {
			marker = "!"
		}
		fmt.Fprintf(w, "%s %s", marker, act.ID)
		if len(act.Cmd) > 0 {
			fmt.Fprintf(w, ": %s", strings.Join(act.Cmd, " "))
		}
		if act.Rationale != "" {
			fmt.Fprintf(w, "  (%s)", act.Rationale)
		}
		fmt.Fprintln(w)
	}
	for _, b := range plan.Blockers {
		fmt.Fprintf(w, "blocked %s %s: %s\n", b.Entity, b.ID, b.Reason)
	}
	if plan.Completion.IsComplete {
		fmt.Fprintln(w, "completion: satisfied")
	} else {
		for _, r := range plan.Completion.ReasonsIncomplete {
			fmt.Fprintf(w, "incomplete: %s", r.Message)
			if len(r.TaskIDs) > 0 {
				fmt.Fprintf(w, " (%s)", strings.Join(r.TaskIDs, ", "))
			}
			fmt.Fprintln(w)
		}
	}
}

func renderSessionStatus(w io.Writer, st *workflow.SessionStatus) {
	s := st.Session
	fmt.Fprintf(w, "%s  %s  owner %s\n", s.ID, s.State, s.Owner)
	if s.Branch != "" {
		fmt.Fprintf(w, "branch: %s\n", s.Branch)
	}
	if len(st.Tasks) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, t := range st.Tasks {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", t.ID, t.State, t.Title)
		}
		tw.Flush()
	}
	if st.Completion.IsComplete {
		fmt.Fprintf(w, "completion (%s): satisfied\n", st.Completion.Policy)
	} else {
		fmt.Fprintf(w, "completion (%s): not satisfied\n", st.Completion.Policy)
		for _, r := range st.Completion.ReasonsIncomplete {
			fmt.Fprintf(w, "  %s\n", r.Message)
		}
	}
}
