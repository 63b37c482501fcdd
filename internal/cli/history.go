package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/sertest/internal/history"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Limit int
}

// HistoryEntry is the JSON shape of one recorded run.
type HistoryEntry struct {
	ID         string `json:"id"`
	StartedAt  string `json:"started_at"`
	Duration   string `json:"duration"`
	DiskImage  string `json:"disk_image"`
	Outcome    string `json:"outcome"`
	FilesSent  int    `json:"files_sent"`
	Matched    int    `json:"matched"`
	Mismatched int    `json:"mismatched"`
	Error      string `json:"error,omitempty"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <db>",
		Short: "List recorded runs",
		Long: `List runs recorded with "sertest run --history", most recent first.

Examples:
  sertest history runs.db
  sertest history runs.db --limit 5 --format json`,
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listHistory(cmd, opts, args[0])
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of runs to list (0 = all)")

	return cmd
}

func listHistory(cmd *cobra.Command, opts *HistoryOptions, dbPath string) error {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("history database not found: %s", dbPath))
	}

	store, err := history.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open history database", err)
	}
	defer store.Close()

	runs, err := store.ListRuns(cmd.Context(), opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	entries := make([]HistoryEntry, 0, len(runs))
	for _, run := range runs {
		entries = append(entries, HistoryEntry{
			ID:         run.ID,
			StartedAt:  run.StartedAt.Format(time.RFC3339),
			Duration:   run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String(),
			DiskImage:  run.DiskImage,
			Outcome:    run.Outcome,
			FilesSent:  run.FilesSent,
			Matched:    run.Matched,
			Mismatched: run.Mismatched,
			Error:      run.Error,
		})
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(w, CLIResponse{Status: "ok", Data: entries})
	}

	if len(entries) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tOUTCOME\tIMAGE\tFILES\tMATCHED\tMISMATCHED\tDURATION")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			e.StartedAt, e.Outcome, e.DiskImage, e.FilesSent, e.Matched, e.Mismatched, e.Duration)
	}
	return tw.Flush()
}
