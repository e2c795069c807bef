package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/clusterops/shepherd/internal/statuseval"
	"github.com/clusterops/shepherd/internal/store"
)

var statusRunID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show one run's full state",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRunID, "run-id", "", "run to inspect (required)")
	statusCmd.MarkFlagRequired("run-id")
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	RunID        string `json:"run_id"`
	Status       string `json:"status"`
	SlurmJobID   string `json:"slurm_job_id,omitempty"`
	SlurmState   string `json:"slurm_state,omitempty"`
	Partition    string `json:"current_partition,omitempty"`
	Restarts     int    `json:"restart_count"`
	NextSubmit   int64  `json:"next_submit_at,omitempty"`
	Paused       bool   `json:"paused"`
	HeartbeatAgo *int64 `json:"heartbeat_age_sec,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := store.New(filepath.Join(cfg.StateDir, "runs"))
	if err != nil {
		return err
	}

	view, err := s.LoadRunView(statusRunID)
	if err != nil {
		return err
	}
	if view.MetaSt == store.Missing {
		return fmt.Errorf("no such run: %s", statusRunID)
	}
	if view.MetaSt == store.Corrupt {
		return fmt.Errorf("run %s: meta.json is corrupt", statusRunID)
	}

	report := buildStatusReport(statusRunID, view, time.Now())

	if jsonOutput() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Printf("run_id:           %s\n", report.RunID)
	fmt.Printf("status:           %s\n", report.Status)
	fmt.Printf("slurm_job_id:     %s\n", report.SlurmJobID)
	fmt.Printf("slurm_state:      %s\n", report.SlurmState)
	fmt.Printf("partition:        %s\n", report.Partition)
	fmt.Printf("restart_count:    %d\n", report.Restarts)
	fmt.Printf("paused:           %v\n", report.Paused)
	if report.NextSubmit > 0 {
		fmt.Printf("next_submit_at:   %s\n", time.Unix(report.NextSubmit, 0).Format(time.RFC3339))
	}
	if report.HeartbeatAgo != nil {
		fmt.Printf("heartbeat_age:    %ds\n", *report.HeartbeatAgo)
	}
	return nil
}

func buildStatusReport(runID string, view store.RunView, now time.Time) statusReport {
	var hb *int64
	if view.HasHeartbeat {
		ts := view.HeartbeatUnix
		hb = &ts
	}
	status := statuseval.Compute(statuseval.Input{
		Meta:        view.Meta,
		Control:     view.Control,
		HasEnded:    view.HasEnded,
		Ended:       view.Ended,
		HasFinal:    view.HasFinal,
		HeartbeatTS: hb,
		SlurmState:  view.Meta.SlurmState,
		Now:         now,
	})

	report := statusReport{
		RunID:      runID,
		Status:     string(status),
		SlurmJobID: view.Meta.SlurmJobID,
		SlurmState: view.Meta.SlurmState,
		Partition:  view.Meta.CurrentPartition,
		Restarts:   view.Meta.RestartCount,
		NextSubmit: view.Meta.NextSubmitAt,
		Paused:     view.Control.Paused,
	}
	if hb != nil {
		age := now.Unix() - *hb
		report.HeartbeatAgo = &age
	}
	return report
}
