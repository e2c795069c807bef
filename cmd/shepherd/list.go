package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/clusterops/shepherd/internal/model"
	"github.com/clusterops/shepherd/internal/statuseval"
	"github.com/clusterops/shepherd/internal/store"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Summarize every tracked run",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

type runSummary struct {
	RunID      string       `json:"run_id"`
	Status     model.Status `json:"status"`
	SlurmJobID string       `json:"slurm_job_id,omitempty"`
	Partition  string       `json:"current_partition,omitempty"`
	Restarts   int          `json:"restart_count"`
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := store.New(filepath.Join(cfg.StateDir, "runs"))
	if err != nil {
		return err
	}

	runIDs, err := s.ListRuns()
	if err != nil {
		return err
	}

	summaries := make([]runSummary, 0, len(runIDs))
	now := time.Now()
	for _, id := range runIDs {
		view, err := s.LoadRunView(id)
		if err != nil || view.MetaSt != store.OK {
			continue
		}
		summaries = append(summaries, summarizeRun(id, view, now))
	}

	if jsonOutput() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "RUN_ID\tSTATUS\tJOB_ID\tPARTITION\tRESTARTS")
	for _, sum := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", sum.RunID, sum.Status, sum.SlurmJobID, sum.Partition, sum.Restarts)
	}
	return w.Flush()
}

func summarizeRun(runID string, view store.RunView, now time.Time) runSummary {
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
	return runSummary{
		RunID:      runID,
		Status:     status,
		SlurmJobID: view.Meta.SlurmJobID,
		Partition:  view.Meta.CurrentPartition,
		Restarts:   view.Meta.RestartCount,
	}
}
