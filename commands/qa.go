package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edisonhq/edison/validator"
	"github.com/edisonhq/edison/workflow"
)

func newQACmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qa",
		Short: "Drive validation rounds for tasks",
	}
	cmd.AddCommand(
		newQANewCmd(a),
		newQAPrepareCmd(a),
		newQAValidateCmd(a),
		newQAPromoteCmd(a),
		newQARejectCmd(a),
		newQAEvidenceCmd(a),
	)
	return cmd
}

func newQANewCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "new <task-id>",
		Short: "Recreate a task's QA dossier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			qa, err := svc.NewQA(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(qa, func(w io.Writer) {
				fmt.Fprintf(w, "created %s (%s)\n", qa.ID, qa.State)
			})
		},
	}
}

func newQAPrepareCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prepare <task-id>",
		Short: "Create the current round directory and its seed files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			info, err := svc.PrepareRound(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(info, func(w io.Writer) {
				fmt.Fprintf(w, "round %d prepared at %s\n", info.Round, info.Dir)
				if len(info.Required) > 0 {
					fmt.Fprintf(w, "required evidence: %s\n", strings.Join(info.Required, ", "))
				}
			})
		},
	}
}

func newQAValidateCmd(a *app) *cobra.Command {
	var (
		opts   workflow.ValidateOptions
		bundle bool
		wait   bool
	)
	cmd := &cobra.Command{
		Use:   "validate <task-id>",
		Short: "Run the validation round for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			if bundle {
				opts.Scope = validator.ScopeBundle
			}
			opts.WaitDelegated = wait
			result, err := svc.Validate(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return a.emit(result, func(w io.Writer) {
				renderValidation(w, result)
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&bundle, "bundle", false, "validate the whole bundle rooted at this task")
	f.StringSliceVar(&opts.AddValidators, "add-validator", nil, "add a validator to the roster (name or wave:name)")
	f.StringVar(&opts.BaseRef, "base-ref", "", "git ref the changed-file triggers diff against")
	f.BoolVar(&wait, "wait", false, "wait for delegated validator reports")
	return cmd
}

func newQAPromoteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "promote <task-id>",
		Short: "Promote an approved validation round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			qa, err := svc.PromoteQA(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(qa, func(w io.Writer) {
				fmt.Fprintf(w, "%s is %s\n", qa.ID, qa.State)
			})
		},
	}
}

func newQARejectCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <task-id>",
		Short: "Reject a closed round and open the next one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.RejectQA(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return a.emit(res, func(w io.Writer) {
				fmt.Fprintf(w, "%s reopened at round %d\n", res.QA.ID, res.QA.Round)
				if res.Escalated {
					fmt.Fprintln(w, "round ceiling exceeded; escalate per continuation policy")
				}
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the round is rejected")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newQAEvidenceCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "evidence <task-id> -- <command> [args...]",
		Short: "Run a command and capture its output as round evidence",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			if name == "" {
				name = args[1]
			}
			path, err := svc.CaptureEvidence(cmd.Context(), args[0], name, args[1:])
			if err != nil {
				return err
			}
			return a.emit(map[string]string{"path": path}, func(w io.Writer) {
				fmt.Fprintf(w, "captured %s\n", path)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "evidence name (default: the command's first word)")
	return cmd
}

func renderValidation(w io.Writer, r *validator.Result) {
	if len(r.AwaitingReports) > 0 {
		fmt.Fprintf(w, "round %d delegated; awaiting reports: %s\n", r.Round, strings.Join(r.AwaitingReports, ", "))
		fmt.Fprintln(w, "re-run validate once the reports are written")
		return
	}
	if r.EmptyRoster {
		fmt.Fprintf(w, "round %d: no validators matched\n", r.Round)
	}
	for _, wave := range r.Waves {
		fmt.Fprintf(w, "wave %s: %s\n", wave.Name, wave.Verdict)
		for _, v := range wave.Validators {
			note := ""
			if v.Note != "" {
				note = "  (" + v.Note + ")"
			}
			fmt.Fprintf(w, "  %s: %s%s\n", v.ID, v.Status, note)
		}
	}
	if r.Approved {
		fmt.Fprintf(w, "round %d approved\n", r.Round)
	} else {
		fmt.Fprintf(w, "round %d not approved\n", r.Round)
	}
}
