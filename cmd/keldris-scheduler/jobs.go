package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MacJediWizard/keldris-scheduler/internal/backup"
	"github.com/MacJediWizard/keldris-scheduler/internal/models"
	"github.com/MacJediWizard/keldris-scheduler/internal/schedule"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newJobCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage scheduled jobs",
	}

	cmd.AddCommand(
		newJobListCmd(opts),
		newJobAddCmd(opts),
		newJobEditCmd(opts),
		newJobRemoveCmd(opts),
		newJobEnableCmd(opts, true),
		newJobEnableCmd(opts, false),
		newJobRunCmd(opts),
	)

	return cmd
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func newJobListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(false)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.config.LoadJobs(cmd.Context())
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs configured. Add one with 'keldris-scheduler job add'.")
				return nil
			}

			now := time.Now()
			w := newTabWriter()
			fmt.Fprintln(w, "NAME\tTYPE\tREPOSITORY\tSCHEDULE\tENABLED\tNEXT RUN")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\n",
					job.Name, job.Type, job.TargetRepo, job.Schedule, job.Enabled, nextRunText(job, now))
			}
			return w.Flush()
		},
	}
}

func nextRunText(job *models.Job, now time.Time) string {
	if !job.Enabled {
		return "-"
	}
	rule, err := schedule.Parse(job.Schedule)
	if err != nil {
		return "invalid schedule"
	}
	next := rule.Next(now)
	if next.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s (%s)", next.Format(time.DateTime), humanize.Time(next))
}

func newJobAddCmd(opts *rootOptions) *cobra.Command {
	var (
		job      models.Job
		jobType  string
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a job",
		Long: `Add a job.

The schedule is either a five-field cron expression ("0 2 * * *") or an
interval ("interval:30m", "interval:6h", "interval:1d").`,
		Example: `  keldris-scheduler job add nightly --repo nas --type backup --schedule "0 2 * * *" --dir /home
  keldris-scheduler job add tidy --repo nas --type forget --schedule interval:1d --args "--keep-daily 7 --prune"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(false)
			if err != nil {
				return err
			}
			defer a.Close()

			job.Name = args[0]
			job.Type = models.JobType(strings.ToLower(jobType))
			job.Enabled = !disabled

			if err := a.config.AddJob(cmd.Context(), &job); err != nil {
				return err
			}

			rule, _ := schedule.Parse(job.Schedule)
			fmt.Printf("Job %q added (%s, %s)\n", job.Name, job.Type, rule.Describe())
			return nil
		},
	}

	cmd.Flags().StringVar(&job.TargetRepo, "repo", "", "target repository name (required)")
	cmd.Flags().StringVar(&jobType, "type", string(models.JobTypeBackup), "job type: backup, forget, prune or check")
	cmd.Flags().StringVar(&job.Schedule, "schedule", "", "cron expression or interval:<N><m|h|d> (required)")
	cmd.Flags().StringVar(&job.Directory, "dir", "", "directory to back up (backup jobs)")
	cmd.Flags().StringVar(&job.AdditionalArgs, "args", "", "additional restic arguments, split on whitespace")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "add the job disabled")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("schedule")

	return cmd
}

func newJobEditCmd(opts *rootOptions) *cobra.Command {
	var (
		newName  string
		repo     string
		jobType  string
		sched    string
		dir      string
		extra    string
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "edit <name>",
		Short: "Change a job",
		Long:  "Change a job. Only the flags given are updated.",
		Example: `  keldris-scheduler job edit nightly --schedule "30 1 * * *"
  keldris-scheduler job edit nightly --name nightly-home`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(false)
			if err != nil {
				return err
			}
			defer a.Close()

			current, err := a.config.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			job := *current

			flags := cmd.Flags()
			if flags.Changed("name") {
				job.Name = newName
			}
			if flags.Changed("repo") {
				job.TargetRepo = repo
			}
			if flags.Changed("type") {
				job.Type = models.JobType(strings.ToLower(jobType))
			}
			if flags.Changed("schedule") {
				job.Schedule = sched
			}
			if flags.Changed("dir") {
				job.Directory = dir
			}
			if flags.Changed("args") {
				job.AdditionalArgs = extra
			}
			if flags.Changed("disabled") {
				job.Enabled = !disabled
			}

			if err := a.config.UpdateJob(cmd.Context(), args[0], &job); err != nil {
				return err
			}
			fmt.Printf("Job %q updated\n", job.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&newName, "name", "", "rename the job")
	cmd.Flags().StringVar(&repo, "repo", "", "target repository name")
	cmd.Flags().StringVar(&jobType, "type", "", "job type: backup, forget, prune or check")
	cmd.Flags().StringVar(&sched, "schedule", "", "cron expression or interval:<N><m|h|d>")
	cmd.Flags().StringVar(&dir, "dir", "", "directory to back up (backup jobs)")
	cmd.Flags().StringVar(&extra, "args", "", "additional restic arguments, split on whitespace")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "disable (or with =false enable) the job")

	return cmd
}

func newJobRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a job",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.config.DeleteJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Job %q removed\n", args[0])
			return nil
		},
	}
}

func newJobEnableCmd(opts *rootOptions, enable bool) *cobra.Command {
	use, short := "enable <name>", "Enable a job"
	if !enable {
		use, short = "disable <name>", "Disable a job"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.config.SetJobEnabled(cmd.Context(), args[0], enable); err != nil {
				return err
			}
			state := "enabled"
			if !enable {
				state = "disabled"
			}
			fmt.Printf("Job %q %s\n", args[0], state)
			return nil
		},
	}
}

func newJobRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <name>",
		Short: "Run a job now in the foreground",
		Long: `Run a configured job immediately and wait for it to finish. The result is
recorded in the history like a scheduled run. Disabled jobs can be run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			job, err := a.config.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			repo, err := a.config.GetRepository(ctx, job.TargetRepo)
			if err != nil {
				return err
			}

			fmt.Printf("Running %s job %q against %s...\n", job.Type, job.Name, repo.Name)
			result, err := backup.NewExecutor(a.newRuntime(), repo, job, a.logger).Run(ctx)
			if err != nil {
				return err
			}
			if result == nil {
				// Failed runs only leave their trace in the history.
				entries, err := a.history.HistoryForJob(ctx, job.Name, 1)
				if err == nil && len(entries) > 0 {
					fmt.Printf("Failed (exit code %d): %s\n", entries[0].ExitCode, entries[0].SummaryText)
				}
				return errJobFailed
			}
			printResult(result)
			return nil
		},
	}
}

// errJobFailed is returned by commands whose restic run exited non-zero.
var errJobFailed = errors.New("job failed")

func printResult(result *backup.Result) {
	entry := result.History
	if entry == nil {
		return
	}

	fmt.Println("Completed successfully")
	if result.Summary != nil {
		fmt.Printf("  Snapshot: %s\n", entry.SnapshotID)
		fmt.Printf("  Files:    %s\n", humanize.Comma(entry.Files))
		fmt.Printf("  Size:     %s\n", humanize.Bytes(uint64(max(entry.Bytes, 0))))
	} else {
		fmt.Printf("  %s\n", entry.SummaryText)
	}
	fmt.Printf("  Duration: %s\n", entry.DurationTime())
}
