package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clusterops/shepherd/internal/config"
	"github.com/clusterops/shepherd/internal/logging"
)

var (
	cfgFile    string
	stateDir   string
	outputFlag string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "shepherd",
	Short: "A user-space supervisor for batch-cluster jobs",
	Long: `shepherd watches sbatch jobs, resubmits them with backoff on
failure, quarantines nodes that repeatedly cause trouble, and fails
over across partitions when one won't take the job.

Core Commands:
  daemon   Run the supervisor loop in the foreground
  list     Summarize every tracked run
  status   Show one run's full state
  control  Pause, stop, restart, or reconfigure a run
  version  Show version information`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		syncConfigFlagToEnv()
	},
}

// Execute runs the root command and exits nonzero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: .shepherd/config.yaml or ~/.shepherd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "override the runs state directory")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table", "output format (table, json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func syncConfigFlagToEnv() {
	path := strings.TrimSpace(cfgFile)
	if path == "" {
		return
	}
	_ = os.Setenv("SHEPHERD_CONFIG", path)
}

// loadConfig applies config.Load and overlays the CLI flags that
// PersistentPreRun does not push into the environment: --state-dir
// (which wins over SHEPHERD_STATE_DIR) and --verbose.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(nil)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(stateDir) != "" {
		cfg.StateDir = stateDir
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(cfg.LogLevel, cfg.LogFormat)
}

func jsonOutput() bool {
	return strings.EqualFold(outputFlag, "json")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
