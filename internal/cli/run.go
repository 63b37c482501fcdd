package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/sertest/internal/config"
	"github.com/roach88/sertest/internal/harness"
	"github.com/roach88/sertest/internal/history"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	PortRecv     string
	PortSend     string
	PacingPacket int
	PollAttempts int
	ConfigFile   string
	HistoryDB    string
	Keep         bool
}

// RunSummary is the JSON payload for a completed run.
type RunSummary struct {
	Outcome         string `json:"outcome"`
	FilesSent       int    `json:"files_sent"`
	Matched         int    `json:"matched"`
	Mismatched      int    `json:"mismatched"`
	Errored         int    `json:"errored"`
	OnlySource      int    `json:"only_source"`
	OnlyDestination int    `json:"only_destination"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <extract-tool> <sender> <receiver> <disk-image> <compare-tool>",
		Short: "Run the end-to-end transfer test",
		Long: `Run one end-to-end transfer test.

Files are extracted from the disk image, sent across a virtual (or
explicitly supplied) serial link, and the received files are verified
against the originals with the comparison tool.

Without --port-recv/--port-send, a loopback provider (socat) creates a
virtual null-modem pair inside the session directory. With both flags,
the supplied ports are used directly and the loopback provider is never
started, which is required on platforms where virtual pairs are preconfigured
externally.

Exit codes:
  0 - Transfer and verification succeeded (including an empty disk image)
  1 - Any resolution, provisioning, timeout, transfer, or verification failure
  2 - Command error (invalid flags, unreadable config, etc.)

Examples:
  sertest run disk_util send_tool recv_tool image.img compare_tool
  sertest run disk_util send_tool recv_tool image.img compare_tool \
      --port-recv /dev/ttyUSB0 --port-send /dev/ttyUSB1
  sertest run disk_util send_tool recv_tool image.img compare_tool \
      --pacing-packet 25 --history runs.db`,
		Args:          exactArgs(5),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHarness(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.PortRecv, "port-recv", "", "explicit port for the receive side (requires --port-send)")
	cmd.Flags().StringVar(&opts.PortSend, "port-send", "", "explicit port for the send side (requires --port-recv)")
	cmd.Flags().IntVar(&opts.PacingPacket, "pacing-packet", harness.DefaultPacingPacket, "per-packet pacing passed through to sender and receiver")
	cmd.Flags().IntVar(&opts.PollAttempts, "poll-attempts", harness.DefaultPollAttempts, "readiness poll budget (one-second attempts)")
	cmd.Flags().StringVar(&opts.ConfigFile, "config", "", "YAML file with tuning defaults (flags take precedence)")
	cmd.Flags().StringVar(&opts.HistoryDB, "history", "", "SQLite database to record the run outcome in")
	cmd.Flags().BoolVar(&opts.Keep, "keep", false, "keep the session directory after the run (debugging)")

	return cmd
}

func runHarness(cmd *cobra.Command, opts *RunOptions, args []string) error {
	if (opts.PortRecv == "") != (opts.PortSend == "") {
		return NewExitError(ExitCommandError, "--port-recv and --port-send must be supplied together")
	}

	cfg := harness.Config{
		ExtractTool: args[0],
		Sender:      args[1],
		Receiver:    args[2],
		DiskImage:   args[3],
		CompareTool: args[4],
		PortRecv:    opts.PortRecv,
		PortSend:    opts.PortSend,
		Keep:        opts.Keep,
		Logger:      newRunLogger(cmd, opts.RootOptions),
		Output:      cmd.ErrOrStderr(),
	}

	// Config file supplies defaults; explicitly set flags win.
	if opts.ConfigFile != "" {
		file, err := config.Load(opts.ConfigFile)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		file.Apply(&cfg)
	}
	if cmd.Flags().Changed("pacing-packet") || cfg.PacingPacket == 0 {
		cfg.PacingPacket = opts.PacingPacket
	}
	if cmd.Flags().Changed("poll-attempts") || cfg.PollAttempts == 0 {
		cfg.PollAttempts = opts.PollAttempts
	}

	// External interruption (Ctrl-C, SIGTERM) cancels the run context; the
	// harness routes cancellation through session cleanup before returning.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startedAt := time.Now()
	result, runErr := harness.Run(ctx, cfg)
	finishedAt := time.Now()

	if opts.HistoryDB != "" {
		if err := recordRun(ctx, opts.HistoryDB, cfg.DiskImage, startedAt, finishedAt, result, runErr); err != nil {
			// History is an observer, not a stage: failing to record never
			// changes the run outcome.
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to record run history: %v\n", err)
		}
	}

	return reportRun(cmd, opts, result, runErr)
}

// reportRun prints the run outcome and maps it to the exit-code contract.
func reportRun(cmd *cobra.Command, opts *RunOptions, result *harness.Result, runErr error) error {
	w := cmd.OutOrStdout()

	if runErr != nil {
		if opts.Format == "json" {
			_ = writeJSON(w, CLIResponse{
				Status: "error",
				Error:  &CLIError{Code: stageErrorCode(runErr), Message: runErr.Error()},
			})
		} else {
			fmt.Fprintf(w, "FAILED: %v\n", runErr)
		}
		return WrapExitError(ExitFailure, "run failed", runErr)
	}

	summary := RunSummary{Outcome: string(result.Outcome), FilesSent: result.FilesSent}
	if c := result.Comparison; c != nil {
		summary.Matched = c.Matched
		summary.Mismatched = c.Mismatched
		summary.Errored = c.Errored
		summary.OnlySource = len(c.OnlySource)
		summary.OnlyDestination = len(c.OnlyDestination)
	}

	switch result.Outcome {
	case harness.OutcomeNoFiles:
		if opts.Format == "json" {
			return writeJSON(w, CLIResponse{Status: "ok", Data: summary})
		}
		fmt.Fprintln(w, "No files to transfer; test finished.")
		return nil

	case harness.OutcomeMismatch:
		if opts.Format == "json" {
			_ = writeJSON(w, CLIResponse{
				Status: "error",
				Data:   summary,
				Error:  &CLIError{Code: "COMPARISON_MISMATCH", Message: "received files differ from extracted files"},
			})
		} else {
			fmt.Fprint(w, result.Comparison.Report)
			fmt.Fprintf(w, "FAILED: received files differ from extracted files (%s)\n", result.Comparison.Summary())
		}
		return NewExitError(ExitFailure, "received files differ from extracted files")

	default:
		if opts.Format == "json" {
			return writeJSON(w, CLIResponse{Status: "ok", Data: summary})
		}
		if opts.Verbose && result.Comparison != nil {
			fmt.Fprint(w, result.Comparison.Report)
		}
		fmt.Fprintf(w, "All %d file(s) successfully transferred and verified.\n", result.FilesSent)
		return nil
	}
}

// recordRun persists the outcome in the history database.
func recordRun(ctx context.Context, dbPath, diskImage string, startedAt, finishedAt time.Time, result *harness.Result, runErr error) error {
	store, err := history.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	run := history.Run{
		ID:         history.NewRunID(),
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		DiskImage:  diskImage,
	}
	switch {
	case runErr != nil:
		run.Outcome = "error"
		run.Error = runErr.Error()
	default:
		run.Outcome = string(result.Outcome)
		run.FilesSent = result.FilesSent
		if c := result.Comparison; c != nil {
			run.Matched = c.Matched
			run.Mismatched = c.Mismatched
			run.Errored = c.Errored
			run.OnlySource = len(c.OnlySource)
			run.OnlyDestination = len(c.OnlyDestination)
		}
	}

	// Recording uses its own context so an interrupted run still gets a row.
	recordCtx := ctx
	if recordCtx.Err() != nil {
		recordCtx = context.Background()
	}
	return store.RecordRun(recordCtx, run)
}

// stageErrorCode extracts the structured code from a harness StageError for
// JSON output; plain errors report as RUN_FAILED.
func stageErrorCode(err error) string {
	var se *harness.StageError
	if errors.As(err, &se) {
		return string(se.Code)
	}
	return "RUN_FAILED"
}

// newRunLogger builds the slog logger for harness progress. Verbose lowers
// the level to Debug; JSON mode keeps progress off stdout so the response
// envelope stays parseable.
func newRunLogger(cmd *cobra.Command, opts *RootOptions) *slog.Logger {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	} else if opts.Format != "json" {
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
