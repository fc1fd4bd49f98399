package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/MacJediWizard/keldris-scheduler/internal/models"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		job         string
		repo        string
		limit       int
		pruneBefore string
		clearAll    bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show or prune the run history",
		Example: `  keldris-scheduler history --job nightly --limit 5
  keldris-scheduler history --prune-before 720h
  keldris-scheduler history --prune-before 2026-01-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if job != "" && repo != "" {
				return errors.New("--job and --repo are mutually exclusive")
			}

			a, err := opts.open(true)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			switch {
			case clearAll:
				n, err := a.history.ClearHistory(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Deleted %s history entries\n", humanize.Comma(n))
				return nil
			case pruneBefore != "":
				cutoff, err := parseCutoff(pruneBefore, time.Now())
				if err != nil {
					return err
				}
				n, err := a.history.DeleteHistoryBefore(ctx, cutoff)
				if err != nil {
					return err
				}
				fmt.Printf("Deleted %s history entries older than %s\n", humanize.Comma(n), cutoff.Local().Format(time.DateTime))
				return nil
			}

			var entries []*models.HistoryEntry
			switch {
			case job != "":
				entries, err = a.history.HistoryForJob(ctx, job, limit)
			case repo != "":
				entries, err = a.history.HistoryForRepo(ctx, repo, limit)
			default:
				entries, err = a.history.LatestHistory(ctx, limit)
			}
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No history.")
				return nil
			}

			w := newTabWriter()
			fmt.Fprintln(w, "TIME\tJOB\tREPOSITORY\tSTATUS\tDURATION\tSIZE\tSUMMARY")
			for _, e := range entries {
				status := "ok"
				if !e.Success {
					status = fmt.Sprintf("failed (%d)", e.ExitCode)
				}
				size := "-"
				if e.Bytes > 0 {
					size = humanize.Bytes(uint64(e.Bytes))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format(time.DateTime),
					e.JobName, e.RepoName, status, e.DurationTime(), size, e.SummaryText)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&job, "job", "", "only show entries of this job")
	cmd.Flags().StringVar(&repo, "repo", "", "only show entries of this repository")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")
	cmd.Flags().StringVar(&pruneBefore, "prune-before", "", "delete entries older than a duration (720h) or a date (2006-01-02)")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "delete every history entry")
	cmd.MarkFlagsMutuallyExclusive("prune-before", "clear")

	cmd.AddCommand(newHistoryImportCmd(opts))

	return cmd
}

// parseCutoff accepts a duration measured back from now, an RFC 3339 time
// or a local date.
func parseCutoff(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("prune duration must be positive, got %s", s)
		}
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid cutoff %q: use a duration like 720h or a date like 2006-01-02", s)
}

func newHistoryImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <history.json>",
		Short: "Import a JSON history file into the history database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(true)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			n, err := a.history.ImportJSON(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %s history entries\n", humanize.Comma(int64(n)))
			return nil
		},
	}
}
