// Package cli wires the engine into the openrec binary: argument handling,
// log configuration and the exit-code contract with the orchestrator.
package cli

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/GrandmasterTash/openrec/internal/charter"
	"github.com/GrandmasterTash/openrec/internal/engine"
	"github.com/GrandmasterTash/openrec/internal/folders"
)

// RootOptions holds the global flags.
type RootOptions struct {
	Verbose bool
}

// NewRootCommand creates the openrec command:
//
//	openrec <charter.yaml> <base-dir>
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "openrec <charter.yaml> <base-dir>",
		Short: "OpenRec reconciliation match-job engine",
		Long: `Run one match job for a control: source the prepared CSV files under
<base-dir>, replay any changesets, execute the charter's instructions and
write the matched report and unmatched rewrites.

Log level comes from --verbose or the OPENREC_LOG environment variable
(debug|info|warn|error).`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(opts)
			return runJob(cmd, args[0], args[1])
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}

func configureLogging(opts *RootOptions) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	switch strings.ToLower(os.Getenv("OPENREC_LOG")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func runJob(cmd *cobra.Command, charterPath, baseDir string) error {
	cfg, err := charter.Load(charterPath)
	if err != nil {
		return WrapExitError(ExitConfigError, err)
	}

	job := &engine.Job{
		Charter: cfg,
		Control: folders.New(baseDir),
		JobId:   newJobId(),
		Now:     time.Now,
	}

	ctx := cmd.Context()
	result, err := job.Run(ctx)
	if err != nil {
		return WrapJobError(err)
	}

	slog.Info("job report committed", "path", result.ReportPath)
	return nil
}

// newJobId honours OPENREC_FIXED_JOB_ID so test harnesses can pin the id.
func newJobId() uuid.UUID {
	if fixed := os.Getenv("OPENREC_FIXED_JOB_ID"); fixed != "" {
		if id, err := uuid.Parse(fixed); err == nil {
			return id
		}
	}
	return uuid.New()
}
