package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/clusterops/shepherd/internal/model"
	"github.com/clusterops/shepherd/internal/quarantine"
	"github.com/clusterops/shepherd/internal/store"
)

var (
	controlRunID  string
	controlNode   string
	controlTTL    time.Duration
	controlReason string
	controlKey    string
	controlValue  string
)

var controlCmd = &cobra.Command{
	Use:   "control <pause|unpause|stop|restart|start|blacklist-add|blacklist-remove|config-set>",
	Short: "Pause, stop, restart, or reconfigure a run",
	Long: `control writes the desired-state record (control.json) a run's
supervisor tick reads on its next pass; it never touches the scheduler
directly. The daemon converges to the request within one poll interval.`,
	Args: cobra.ExactArgs(1),
	RunE: runControl,
}

func init() {
	controlCmd.Flags().StringVar(&controlRunID, "run-id", "", "run to act on (required for all ops except blacklist-*)")
	controlCmd.Flags().StringVar(&controlNode, "node", "", "node name (blacklist-add, blacklist-remove)")
	controlCmd.Flags().DurationVar(&controlTTL, "ttl", 0, "quarantine duration, 0 means indefinite (blacklist-add)")
	controlCmd.Flags().StringVar(&controlReason, "reason", "", "reason annotation (blacklist-add)")
	controlCmd.Flags().StringVar(&controlKey, "key", "", "override key (config-set)")
	controlCmd.Flags().StringVar(&controlValue, "value", "", "override value, parsed as JSON if possible (config-set)")
	rootCmd.AddCommand(controlCmd)
}

func runControl(cmd *cobra.Command, args []string) error {
	op := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := store.New(filepath.Join(cfg.StateDir, "runs"))
	if err != nil {
		return err
	}

	switch op {
	case "blacklist-add":
		if controlNode == "" {
			return fmt.Errorf("blacklist-add requires --node")
		}
		q := quarantine.New(s)
		ev, err := q.Add(controlNode, controlTTL, controlReason, time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("quarantined %s (event %s)\n", controlNode, ev.ID)
		return nil

	case "blacklist-remove":
		if controlNode == "" {
			return fmt.Errorf("blacklist-remove requires --node")
		}
		q := quarantine.New(s)
		ev, err := q.Remove(controlNode, time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("removed %s from quarantine (event %s)\n", controlNode, ev.ID)
		return nil

	case "pause", "unpause", "start", "stop", "restart", "config-set":
		if controlRunID == "" {
			return fmt.Errorf("%s requires --run-id", op)
		}
		return updateControl(s, controlRunID, op)

	default:
		return fmt.Errorf("unknown control operation %q", op)
	}
}

// updateControl reads, mutates, and atomically rewrites one run's
// control.json for the given op, leaving every field it doesn't touch
// untouched — the next supervisor tick applies the change.
func updateControl(s *store.Store, runID, op string) error {
	view, err := s.LoadRunView(runID)
	if err != nil {
		return err
	}
	if view.MetaSt == store.Missing {
		return fmt.Errorf("no such run: %s", runID)
	}
	control := view.Control

	switch op {
	case "pause":
		control.Paused = true
	case "unpause", "start":
		control.Paused = false
	case "stop":
		control.StopRequested = true
	case "restart":
		control.RestartRequested = true
	case "config-set":
		if controlKey == "" {
			return fmt.Errorf("config-set requires --key")
		}
		if control.ConfigOverrides == nil {
			control.ConfigOverrides = map[string]any{}
		}
		control.ConfigOverrides[controlKey] = parseOverrideValue(controlValue)
	}

	control.UpdatedAt = time.Now().Unix()
	if err := s.WriteJSON(runID, model.ControlFile, &control); err != nil {
		return err
	}
	fmt.Printf("%s: applied %s\n", runID, op)
	return nil
}

// parseOverrideValue tries to interpret v as JSON (so --value 4 becomes
// the number 4, not the string "4"), falling back to the raw string on
// anything that doesn't parse, e.g. a bare node name.
func parseOverrideValue(v string) any {
	var decoded any
	if err := json.Unmarshal([]byte(v), &decoded); err == nil {
		return decoded
	}
	return v
}
