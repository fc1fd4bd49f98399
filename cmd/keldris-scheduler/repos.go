package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MacJediWizard/keldris-scheduler/internal/backup"
	"github.com/MacJediWizard/keldris-scheduler/internal/models"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newRepoCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "repo",
		Aliases: []string{"repository"},
		Short:   "Manage restic repositories",
	}

	cmd.AddCommand(
		newRepoListCmd(opts),
		newRepoAddCmd(opts),
		newRepoEditCmd(opts),
		newRepoRemoveCmd(opts),
		newRepoUnlockCmd(opts),
		newRepoSnapshotsCmd(opts),
		newRepoLsCmd(opts),
	)

	return cmd
}

func newRepoListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(false)
			if err != nil {
				return err
			}
			defer a.Close()

			repos, err := a.config.LoadRepositories(cmd.Context())
			if err != nil {
				return err
			}
			if len(repos) == 0 {
				fmt.Println("No repositories configured. Add one with 'keldris-scheduler repo add'.")
				return nil
			}

			w := newTabWriter()
			fmt.Fprintln(w, "NAME\tURL")
			for _, repo := range repos {
				fmt.Fprintf(w, "%s\t%s\n", repo.Name, repo.URL)
			}
			return w.Flush()
		},
	}
}

func newRepoAddCmd(opts *rootOptions) *cobra.Command {
	var (
		url           string
		passwordStdin bool
		passwordFile  string
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add an existing restic repository",
		Long: `Add an existing restic repository. The password is read from standard
input (--password-stdin) or from a file (--password-file), never from the
command line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(passwordStdin, passwordFile)
			if err != nil {
				return err
			}

			a, err := opts.open(false)
			if err != nil {
				return err
			}
			defer a.Close()

			repo := models.NewRepository(args[0], url, password)
			if err := a.config.AddRepository(cmd.Context(), repo); err != nil {
				return err
			}
			fmt.Printf("Repository %q added\n", repo.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "restic repository URL, e.g. /srv/restic or sftp:host:/path (required)")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the repository password from standard input")
	cmd.Flags().StringVar(&passwordFile, "password-file", "", "read the repository password from a file")
	_ = cmd.MarkFlagRequired("url")
	cmd.MarkFlagsMutuallyExclusive("password-stdin", "password-file")

	return cmd
}

func newRepoEditCmd(opts *rootOptions) *cobra.Command {
	var (
		newName       string
		url           string
		passwordStdin bool
		passwordFile  string
	)

	cmd := &cobra.Command{
		Use:   "edit <name>",
		Short: "Change a repository",
		Long: `Change a repository. Only the flags given are updated. A repository
cannot be renamed while jobs target it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(false)
			if err != nil {
				return err
			}
			defer a.Close()

			current, err := a.config.GetRepository(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			repo := *current

			if cmd.Flags().Changed("name") {
				repo.Name = newName
			}
			if cmd.Flags().Changed("url") {
				repo.URL = url
			}
			if passwordStdin || passwordFile != "" {
				if repo.Password, err = readPassword(passwordStdin, passwordFile); err != nil {
					return err
				}
			}

			if err := a.config.UpdateRepository(cmd.Context(), args[0], &repo); err != nil {
				return err
			}
			fmt.Printf("Repository %q updated\n", repo.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&newName, "name", "", "rename the repository")
	cmd.Flags().StringVar(&url, "url", "", "restic repository URL")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read a new password from standard input")
	cmd.Flags().StringVar(&passwordFile, "password-file", "", "read a new password from a file")
	cmd.MarkFlagsMutuallyExclusive("password-stdin", "password-file")

	return cmd
}

// readPassword returns the first line of stdin or of the given file.
func readPassword(fromStdin bool, file string) (string, error) {
	switch {
	case fromStdin:
		if fi, err := os.Stdin.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
			fmt.Print("Enter repository password: ")
		}
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read password file: %w", err)
		}
		return strings.TrimRight(strings.SplitN(string(data), "\n", 2)[0], "\r"), nil
	default:
		return "", errors.New("a password is required: use --password-stdin or --password-file")
	}
}

func newRepoRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a repository that no job uses",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.config.DeleteRepository(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Repository %q removed\n", args[0])
			return nil
		},
	}
}

func newRepoUnlockCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <name>",
		Short: "Remove stale restic locks from a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(true)
			if err != nil {
				return err
			}
			defer a.Close()

			repo, err := a.config.GetRepository(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			result, err := a.newRuntime().Unlock(cmd.Context(), repo, a.logger)
			if err != nil {
				return err
			}
			if result == nil {
				return fmt.Errorf("unlock %s: %w", repo.Name, errJobFailed)
			}
			fmt.Printf("Repository %q unlocked\n", repo.Name)
			return nil
		},
	}
}

func newRepoSnapshotsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots <name>",
		Short: "List the snapshots of a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(false)
			if err != nil {
				return err
			}
			defer a.Close()

			repo, err := a.config.GetRepository(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			snapshots, err := a.newRuntime().Snapshots(cmd.Context(), repo)
			if err != nil {
				return err
			}
			if len(snapshots) == 0 {
				fmt.Println("No snapshots.")
				return nil
			}

			w := newTabWriter()
			fmt.Fprintln(w, "ID\tTIME\tHOST\tTAGS\tPATHS")
			for _, s := range snapshots {
				fmt.Fprintf(w, "%s\t%s (%s)\t%s\t%s\t%s\n",
					s.ShortID,
					s.Time.Local().Format(time.DateTime), humanize.Time(s.Time),
					s.Hostname,
					strings.Join(s.Tags, ","),
					strings.Join(s.Paths, ","))
			}
			return w.Flush()
		},
	}
}

func newRepoLsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls <name> <snapshot> [path]",
		Short: "List the files of a snapshot",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(false)
			if err != nil {
				return err
			}
			defer a.Close()

			repo, err := a.config.GetRepository(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			path := ""
			if len(args) == 3 {
				path = args[2]
			}

			files, err := a.newRuntime().ListFiles(cmd.Context(), repo, args[1], path)
			if err != nil {
				return err
			}

			w := newTabWriter()
			fmt.Fprintln(w, "TYPE\tSIZE\tMODIFIED\tPATH")
			for _, f := range files {
				size := "-"
				if f.Type == "file" {
					size = humanize.Bytes(uint64(max(f.Size, 0)))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Type, size, f.ModTime.Local().Format(time.DateTime), f.Path)
			}
			return w.Flush()
		},
	}
}

func newRestoreCmd(opts *rootOptions) *cobra.Command {
	var (
		target  string
		include []string
	)

	cmd := &cobra.Command{
		Use:   "restore <repository> <snapshot>",
		Short: "Restore a snapshot",
		Long: `Restore a snapshot, or the paths given with --include, into a target
directory. Use "latest" as the snapshot to restore the newest one.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(false)
			if err != nil {
				return err
			}
			defer a.Close()

			repo, err := a.config.GetRepository(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Restoring %s from %s to %s...\n", args[1], repo.Name, target)
			start := time.Now()
			err = a.newRuntime().Restore(cmd.Context(), repo, args[1], backup.RestoreOptions{
				TargetPath: target,
				Include:    include,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Restore completed in %s\n", time.Since(start).Round(time.Second))
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "directory to restore into (required)")
	cmd.Flags().StringSliceVar(&include, "include", nil, "restore only these paths (repeatable)")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}
