package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edisonhq/edison/validator"
	"github.com/edisonhq/edison/workflow"
)

func newOrchestratorCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "orchestrator",
		Aliases: []string{"orch"},
		Short:   "Answer validator delegations from the outside",
	}
	cmd.AddCommand(
		newOrchestratorPendingCmd(a),
		newOrchestratorReportCmd(a),
	)
	return cmd
}

func newOrchestratorPendingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pending <task-id>",
		Short: "List delegated validators still owing a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			state, err := svc.Delegations(args[0])
			if err != nil {
				return err
			}
			return a.emit(state, func(w io.Writer) {
				fmt.Fprintf(w, "round %d: %d pending, %d reported\n",
					state.Round, len(state.Pending), len(state.Received))
				for _, d := range state.Pending {
					fmt.Fprintf(w, "  %s  %s\n", d.ValidatorID, d.Instructions)
				}
				if state.Closed {
					fmt.Fprintln(w, "round is closed")
				}
			})
		},
	}
}

func newOrchestratorReportCmd(a *app) *cobra.Command {
	var (
		spec   workflow.ReportSpec
		issues []string
	)
	cmd := &cobra.Command{
		Use:   "report <task-id> <validator-id>",
		Short: "File a delegated validator's verdict",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			for _, raw := range issues {
				sev, msg, ok := strings.Cut(raw, ":")
				if !ok {
					return fmt.Errorf("issue %q: want severity:message", raw)
				}
				spec.Issues = append(spec.Issues, validator.Issue{
					Severity: strings.TrimSpace(sev),
					Message:  strings.TrimSpace(msg),
				})
			}
			path, err := svc.SubmitReport(cmd.Context(), args[0], args[1], spec)
			if err != nil {
				return err
			}
			return a.emit(map[string]string{"path": path}, func(w io.Writer) {
				fmt.Fprintf(w, "report recorded at %s\n", path)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&spec.Status, "status", "", "verdict: approve, reject, or blocked")
	f.StringVar(&spec.Summary, "summary", "", "one-line verdict summary")
	f.StringVar(&spec.Model, "model", "", "model that produced the verdict")
	f.StringArrayVar(&issues, "issue", nil, "finding as severity:message (repeatable)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}
