package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/MacJediWizard/keldris-scheduler/internal/api"
	"github.com/MacJediWizard/keldris-scheduler/internal/api/handlers"
	"github.com/MacJediWizard/keldris-scheduler/internal/backup"
	"github.com/MacJediWizard/keldris-scheduler/internal/health"
	"github.com/MacJediWizard/keldris-scheduler/internal/maintenance"
	"github.com/MacJediWizard/keldris-scheduler/internal/metrics"
	"github.com/MacJediWizard/keldris-scheduler/internal/shutdown"
	"github.com/MacJediWizard/keldris-scheduler/internal/store"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

// progressLogInterval throttles restic progress lines in the daemon log.
const progressLogInterval = 10 * time.Second

func newRunCmd(opts *rootOptions) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		Long: `Run the scheduler daemon in the foreground.

Every enabled job is scheduled. The job list is reloaded when jobs.json or
repositories.json change, or on SIGHUP. SIGINT and SIGTERM stop new runs and
wait for running jobs to release their repositories.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(true)
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Flags().Changed("listen") {
				a.cfg.ListenAddr = listenAddr
			}
			return runDaemon(a)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "admin HTTP listen address, empty disables (overrides listen_addr)")

	return cmd
}

func runDaemon(a *app) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := a.logger.With().Str("version", Version).Logger()
	logger.Info().
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Str("config_dir", a.cfg.ConfigDir).
		Msg("Starting keldris-scheduler")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promMetrics, err := metrics.NewPrometheusMetrics(reg)
	if err != nil {
		return err
	}

	board := backup.NewStatusBoard()
	rt := &backup.Runtime{
		Locks:   backup.NewRepoLocks(),
		Restic:  backup.NewResticWithBinary(a.cfg.ResticBinary, logger),
		Status:  backup.MultiSink{backup.NewLogStatusSink(logger, progressLogInterval), board},
		History: a.history,
		Metrics: promMetrics,
	}

	resticVersion, err := rt.Restic.Version(ctx)
	if err != nil {
		logger.Warn().Err(err).Str("binary", rt.Restic.Binary()).Msg("restic is not available, jobs will fail to launch")
	} else {
		logger.Info().Str("restic", resticVersion).Msg("Found restic")
	}

	scheduler := backup.NewScheduler(a.config, rt, logger)
	if _, err := scheduler.LoadAndScheduleAll(ctx); err != nil {
		// A broken jobs.json should not keep the daemon down; the watcher
		// reloads once it is fixed.
		logger.Error().Err(err).Msg("Failed to load jobs")
		scheduler.Start()
	}

	shutdownMgr := shutdown.NewManager(shutdown.Config{Timeout: a.cfg.ShutdownTimeout}, scheduler, rt.Locks, logger)

	retention := maintenance.NewRetentionScheduler(a.history, a.cfg.HistoryRetention, logger)
	if err := retention.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start retention scheduler")
	}
	defer retention.Stop()

	var (
		reloadMu sync.Mutex
		stopping bool
	)
	reload := func() {
		reloadMu.Lock()
		defer reloadMu.Unlock()
		if stopping {
			return
		}
		if _, err := scheduler.LoadAndScheduleAll(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to reload jobs")
		}
	}

	watchCtx, stopWatching := context.WithCancel(ctx)
	defer stopWatching()
	watchDone := make(chan struct{})
	if a.cfg.WatchConfig {
		watcher := store.NewWatcher(a.config.Paths(), reload, logger)
		go func() {
			defer close(watchDone)
			if err := watcher.Run(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("Config watcher stopped")
			}
		}()
	} else {
		close(watchDone)
	}

	var srv *http.Server
	if a.cfg.ListenAddr != "" {
		routerCfg := api.DefaultConfig()
		routerCfg.Version = handlers.VersionInfo{
			Version:   Version,
			Commit:    Commit,
			BuildDate: BuildDate,
			Restic:    resticVersion,
		}

		router, err := api.NewRouter(routerCfg, api.Dependencies{
			Jobs:      a.config,
			History:   a.history,
			Scheduler: scheduler,
			Board:     board,
			Locks:     rt.Locks,
			Shutdown:  shutdownMgr,
			Host:      health.NewMonitor(health.NewCollector(a.cfg.ConfigDir, rt.Restic.Version), health.NewCheckerWithDefaults()),
			Gatherer:  reg,
		}, logger)
		if err != nil {
			return err
		}

		srv = &http.Server{
			Addr:              a.cfg.ListenAddr,
			Handler:           router.Engine,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
		}

		go func() {
			logger.Info().Str("addr", a.cfg.ListenAddr).Msg("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("HTTP server error")
			}
		}()
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	} else if ok {
		logger.Debug().Msg("Notified systemd of readiness")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	var sig os.Signal
	for sig = range sigChan {
		if sig != syscall.SIGHUP {
			break
		}
		logger.Info().Msg("Received SIGHUP, reloading jobs")
		reload()
	}

	logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Stop reloading before the scheduler is stopped, a reload would start it again.
	stopWatching()
	<-watchDone
	reloadMu.Lock()
	stopping = true
	reloadMu.Unlock()

	shutdownErr := shutdownMgr.Shutdown(ctx)
	if shutdownErr != nil {
		logger.Error().Err(shutdownErr).Strs("held_locks", rt.Locks.HeldNames()).Msg("Jobs still running at shutdown")
	}

	if srv != nil {
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}

	<-retention.Stop().Done()

	logger.Info().Msg("Scheduler stopped")
	return shutdownErr
}
