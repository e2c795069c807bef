package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clusterops/shepherd/internal/pidfile"
	"github.com/clusterops/shepherd/internal/schedclient"
	"github.com/clusterops/shepherd/internal/store"
	"github.com/clusterops/shepherd/internal/supervisor"
)

var wrapperBin string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the supervisor loop in the foreground",
	Long: `daemon polls every tracked run once per poll interval, submitting,
monitoring, quarantining, and resubmitting as needed. It holds a PID file
for the lifetime of the process to prevent two daemons from racing over
the same state directory.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&wrapperBin, "wrapper-bin", "shepherd-wrapper", "path to the shepherd-wrapper binary to embed in submitted scripts")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	runsDir := filepath.Join(cfg.StateDir, "runs")
	s, err := store.New(runsDir)
	if err != nil {
		return err
	}

	pidPath := filepath.Join(cfg.StateDir, "daemon.pid")
	lease, err := pidfile.Acquire(pidPath)
	if err != nil {
		return err
	}
	defer lease.Release()

	sched := &schedclient.Client{
		SqueueBin:  cfg.Scheduler.SqueueBin,
		SbatchBin:  cfg.Scheduler.SbatchBin,
		ScancelBin: cfg.Scheduler.ScancelBin,
		SacctBin:   cfg.Scheduler.SacctBin,
	}

	sup := supervisor.New(s, sched, cfg, wrapperBin, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger.Info().Str("state_dir", cfg.StateDir).Int("poll_interval_sec", cfg.PollIntervalSec).Msg("daemon starting")

	interval := time.Duration(cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := sup.Tick(ctx); err != nil {
			logger.Error().Err(err).Msg("tick failed")
		}
		select {
		case <-ctx.Done():
			logger.Info().Msg("daemon shutting down")
			return nil
		case <-ticker.C:
		}
	}
}
