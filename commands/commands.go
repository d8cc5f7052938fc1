// Package commands binds the workflow facade to the edison command
// tree. Commands parse flags, call one facade operation, and render the
// result; no lifecycle decisions are made here.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edisonhq/edison/config"
	"github.com/edisonhq/edison/embedded"
	"github.com/edisonhq/edison/workflow"
)

// Version is stamped by the build; dev builds report the default.
var Version = "0.1.0"

// app carries the global flags and the lazily constructed service so
// every subcommand shares one wired instance.
type app struct {
	projectRoot string
	logLevel    string
	jsonOut     bool
	sessionID   string
	owner       string

	out io.Writer
	svc *workflow.Service
}

// Root assembles the edison command tree.
func Root() *cobra.Command {
	return newRoot(&app{out: os.Stdout})
}

func newRoot(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "edison",
		Short:         "File-backed workflow orchestration for agent-driven development",
		Long:          "Edison drives task, QA, and session lifecycles through declarative\nstate machines, with validation rounds, evidence capture, and\ncomposed agent instructions, all persisted as plain files.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setupLogging()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.projectRoot, "project-root", ".", "project root directory")
	pf.StringVar(&a.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	pf.BoolVar(&a.jsonOut, "json", false, "print results as JSON")
	pf.StringVar(&a.sessionID, "session", "", "ambient session id (defaults to $EDISON_SESSION_ID)")
	pf.StringVar(&a.owner, "owner", "", "acting user recorded on created entities")

	root.AddCommand(
		newInitCmd(a),
		newTaskCmd(a),
		newQACmd(a),
		newSessionCmd(a),
		newComposeCmd(a),
		newConfigCmd(a),
		newRulesCmd(a),
		newOrchestratorCmd(a),
		newImportCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) setupLogging() error {
	level := slog.LevelWarn
	switch strings.ToLower(a.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", a.logLevel)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// service builds the facade on first use. Commands that never touch
// project state (init, version) do not call it, so they work in an
// uninitialized directory.
func (a *app) service(ctx context.Context) (*workflow.Service, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	loader := &config.Loader{
		ProjectRoot: a.projectRoot,
		Bundled:     embedded.Defaults(),
		Logger:      slog.Default(),
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	svc, err := workflow.New(ctx, cfg, workflow.Options{
		Bundled:   embedded.Defaults(),
		Owner:     a.owner,
		SessionID: a.sessionID,
		Logger:    slog.Default(),
	})
	if err != nil {
		return nil, err
	}
	a.svc = svc
	return svc, nil
}

// emit renders a command result: raw JSON under --json, otherwise the
// human rendering.
func (a *app) emit(v any, human func(w io.Writer)) error {
	if a.jsonOut {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(a.out)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("edison version %s\n", Version)
		},
	}
}
