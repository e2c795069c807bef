// Command shepherd-wrapper is the process SLURM actually runs. It is
// prepended to every submitted script by the supervisor's script
// builder, and never invoked directly by an operator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clusterops/shepherd/internal/config"
	"github.com/clusterops/shepherd/internal/logging"
	"github.com/clusterops/shepherd/internal/model"
	"github.com/clusterops/shepherd/internal/store"
	"github.com/clusterops/shepherd/internal/wrapper"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run builds and executes a fresh root command so repeated invocations
// (and tests) never see flag state left over from a previous call —
// cobra/pflag flags are bound once per *cobra.Command, not globally.
func run(args []string) int {
	var (
		runID             string
		runMode           string
		stateDir          string
		heartbeatInterval time.Duration
		skipCUDASmoke     bool
		trespasserCheck   bool
		logLevel          string
		logFormat         string
	)

	exitCode := 0

	cmd := &cobra.Command{
		Use:           "shepherd-wrapper -- command [args...]",
		Short:         "Run one workload invocation under the Shepherd probe/beacon contract",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, workload []string) error {
			if runID == "" {
				runID = os.Getenv("SHEPHERD_RUN_ID")
			}
			if stateDir == "" {
				stateDir = defaultStateDir()
			}
			if runID == "" || len(workload) == 0 {
				exitCode = 2
				return fmt.Errorf("usage: shepherd-wrapper --run-id ID [--state-dir DIR] [flags] -- command [args...] (run id via flag or SHEPHERD_RUN_ID)")
			}

			logger := logging.New(logLevel, logFormat)

			s, err := store.New(stateDir)
			if err != nil {
				logger.Error().Err(err).Msg("failed to open state store")
				exitCode = 1
				return err
			}

			wcfg := wrapper.Config{
				RunID:             runID,
				RunMode:           model.RunMode(runMode),
				StateDir:          stateDir,
				HeartbeatInterval: heartbeatInterval,
				Command:           workload,
				SkipCUDASmoke:     skipCUDASmoke,
				TrespasserCheck:   trespasserCheck,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			exitCode = wrapper.New(s, wcfg, logger).Run(ctx)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (required; falls back to SHEPHERD_RUN_ID)")
	cmd.Flags().StringVar(&runMode, "run-mode", string(model.RunOnce), "run_once or indefinite")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "path to the run's state root (default: "+defaultStateDir()+")")
	cmd.Flags().DurationVar(&heartbeatInterval, "heartbeat-interval", 30*time.Second, "beacon write interval")
	cmd.Flags().BoolVar(&skipCUDASmoke, "skip-cuda-smoke", false, "skip the CUDA smoke-test probe")
	cmd.Flags().BoolVar(&trespasserCheck, "trespasser-check", false, "check for other users' stray processes before starting")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "zerolog level")
	cmd.Flags().StringVar(&logFormat, "log-format", "console", "console or json")

	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	return exitCode
}

// defaultStateDir mirrors internal/config.Default()'s state directory
// plus the "runs" subdirectory the daemon passes to store.New, so a
// wrapper invoked without --state-dir (spec.md marks the flag optional)
// lands in the same place the daemon itself reads runs from.
func defaultStateDir() string {
	return filepath.Join(config.Default().StateDir, "runs")
}
