// Package main is the entrypoint for keldris-scheduler, a restic job
// scheduler and backup runner.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/MacJediWizard/keldris-scheduler/internal/backup"
	"github.com/MacJediWizard/keldris-scheduler/internal/config"
	"github.com/MacJediWizard/keldris-scheduler/internal/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	configDir  string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "keldris-scheduler",
		Short: "Keldris scheduler - runs restic jobs on a schedule",
		Long: `keldris-scheduler runs restic backup, forget, prune and check jobs
against configured repositories on cron or interval schedules.

Repositories and jobs live in repositories.json and jobs.json inside the
config directory. Run 'keldris-scheduler run' to start the daemon.`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default ~/.keldris/config.yml)")
	flags.StringVar(&opts.configDir, "config-dir", "", "directory holding repositories.json, jobs.json and history.db")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format (console or json)")

	rootCmd.AddCommand(
		newVersionCmd(opts),
		newRunCmd(opts),
		newJobCmd(opts),
		newRepoCmd(opts),
		newRestoreCmd(opts),
		newHistoryCmd(opts),
		newScheduleCmd(),
	)

	return rootCmd
}

func newVersionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keldris-scheduler %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)

			cfg, err := opts.loadConfig()
			if err != nil {
				return
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			v, err := backup.NewResticWithBinary(cfg.ResticBinary, zerolog.Nop()).Version(ctx)
			if err != nil {
				fmt.Printf("  Restic:     unavailable (%v)\n", err)
				return
			}
			fmt.Printf("  Restic:     %s\n", v)
		},
	}
}

// loadConfig reads the config file and applies the command line overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.Load(o.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if o.configDir != "" {
		cfg.ConfigDir = o.configDir
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the configuration.
func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.LogFormat == config.LogFormatJSON {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
	}
	return logger.Level(cfg.Level()).With().Timestamp().Logger()
}

// app bundles what most commands need.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	config  *store.ConfigStore
	history *store.SQLiteHistoryStore
}

// open loads the configuration and opens the stores. The history database
// is only opened when withHistory is set.
func (o *rootOptions) open(withHistory bool) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	configStore, err := store.NewConfigStore(cfg.ConfigDir, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, config: configStore}
	if withHistory {
		a.history, err = store.NewSQLiteHistoryStore(cfg.ConfigDir, logger)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Close releases the stores.
func (a *app) Close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close history database")
		}
	}
}

// newRuntime assembles the executor collaborators for one-shot commands.
func (a *app) newRuntime() *backup.Runtime {
	rt := &backup.Runtime{
		Locks:  backup.NewRepoLocks(),
		Restic: backup.NewResticWithBinary(a.cfg.ResticBinary, a.logger),
		Status: backup.NewLogStatusSink(a.logger, 2*time.Second),
	}
	if a.history != nil {
		rt.History = a.history
	}
	return rt
}
