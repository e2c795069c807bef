// Package statuseval computes the single human-facing status tag for a
// run from its state files, by strict precedence. Grounded on
// original_source/shepherd/status.py's compute_status.
package statuseval

import (
	"strings"
	"time"

	"github.com/clusterops/shepherd/internal/beacon"
	"github.com/clusterops/shepherd/internal/model"
)

// Input bundles the state needed to evaluate a run's status, mirroring
// compute_status's parameter list.
type Input struct {
	Meta        model.Meta
	Control     model.Control
	HasEnded    bool
	Ended       model.Ended
	HasFinal    bool
	HeartbeatTS *int64 // nil if no beacon has ever been recorded
	SlurmState  string // empty if the job isn't (or is no longer) in the queue
	Now         time.Time
}

// Compute returns the status tag for r, following the same branch order
// as the original implementation: ended takes precedence over scheduler
// state, which takes precedence over the not-yet-submitted case.
func Compute(in Input) model.Status {
	intervalSec := in.Meta.HeartbeatIntervalSec
	graceSec := in.Meta.HeartbeatGraceSec

	if in.HasEnded {
		if in.HasFinal {
			return model.StatusCompletedSuccess
		}
		if in.Ended.Reason == "expired" {
			return model.StatusEndedExpired
		}
		if in.Control.StopRequested {
			return model.StatusStoppedManual
		}
		return model.StatusErrorUnknown
	}

	if in.SlurmState != "" {
		state := strings.ToUpper(in.SlurmState)
		switch {
		case state == "PENDING":
			return model.StatusPending
		case state == "RUNNING":
			if beacon.IsStale(in.HeartbeatTS, intervalSec, graceSec, in.Now) {
				return model.StatusUnresponsive
			}
			if in.Control.Paused {
				return model.StatusRunningDegraded
			}
			return model.StatusHealthyRunning
		case model.TerminalSchedulerStates[state]:
			return model.StatusRestarting
		}
	}

	// No slurm_state: either never submitted, or submitted and since
	// fallen out of the queue.
	if in.Meta.SlurmJobID == "" {
		if in.Control.Paused {
			return model.StatusStoppedManual
		}
		return model.StatusPending
	}

	if in.HeartbeatTS != nil && beacon.IsStale(in.HeartbeatTS, intervalSec, graceSec, in.Now) {
		return model.StatusUnresponsive
	}

	if in.Control.Paused {
		return model.StatusRunningDegraded
	}

	return model.StatusRestarting
}
