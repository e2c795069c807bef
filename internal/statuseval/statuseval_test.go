package statuseval

import (
	"testing"
	"time"

	"github.com/clusterops/shepherd/internal/model"
)

func ts(v int64) *int64 { return &v }

func TestCompletedTakesPrecedenceOverEverything(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	got := Compute(Input{
		HasEnded: true,
		HasFinal: true,
		Meta:     model.Meta{SlurmJobID: "123"},
		Now:      now,
	})
	if got != model.StatusCompletedSuccess {
		t.Fatalf("got %s, want completed_success", got)
	}
}

func TestExpired(t *testing.T) {
	got := Compute(Input{
		HasEnded: true,
		Ended:    model.Ended{Reason: "expired"},
	})
	if got != model.StatusEndedExpired {
		t.Fatalf("got %s, want ended_expired", got)
	}
}

func TestStoppedManualOnEndedWithoutFinal(t *testing.T) {
	got := Compute(Input{
		HasEnded: true,
		Control:  model.Control{StopRequested: true},
	})
	if got != model.StatusStoppedManual {
		t.Fatalf("got %s, want stopped_manual", got)
	}
}

func TestPendingScheduler(t *testing.T) {
	got := Compute(Input{SlurmState: "PENDING"})
	if got != model.StatusPending {
		t.Fatalf("got %s, want pending", got)
	}
}

func TestRunningHealthy(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	last := now.Unix()
	got := Compute(Input{SlurmState: "running", HeartbeatTS: &last, Now: now})
	if got != model.StatusHealthyRunning {
		t.Fatalf("got %s, want healthy_running", got)
	}
}

func TestRunningStaleIsUnresponsive(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	last := now.Unix() - 10_000
	got := Compute(Input{SlurmState: "RUNNING", HeartbeatTS: &last, Now: now})
	if got != model.StatusUnresponsive {
		t.Fatalf("got %s, want unresponsive", got)
	}
}

func TestRunningPausedIsDegraded(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	last := now.Unix()
	got := Compute(Input{
		SlurmState:  "RUNNING",
		HeartbeatTS: &last,
		Control:     model.Control{Paused: true},
		Now:         now,
	})
	if got != model.StatusRunningDegraded {
		t.Fatalf("got %s, want running_degraded", got)
	}
}

func TestTerminalSchedulerStateIsRestarting(t *testing.T) {
	for _, state := range []string{"FAILED", "CANCELLED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY"} {
		got := Compute(Input{SlurmState: state})
		if got != model.StatusRestarting {
			t.Errorf("state %s: got %s, want restarting", state, got)
		}
	}
}

func TestNeverSubmittedPending(t *testing.T) {
	got := Compute(Input{})
	if got != model.StatusPending {
		t.Fatalf("got %s, want pending", got)
	}
}

func TestNeverSubmittedPaused(t *testing.T) {
	got := Compute(Input{Control: model.Control{Paused: true}})
	if got != model.StatusStoppedManual {
		t.Fatalf("got %s, want stopped_manual", got)
	}
}

func TestFellOutOfQueueStaleBeacon(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	last := now.Unix() - 10_000
	got := Compute(Input{
		Meta:        model.Meta{SlurmJobID: "123"},
		HeartbeatTS: &last,
		Now:         now,
	})
	if got != model.StatusUnresponsive {
		t.Fatalf("got %s, want unresponsive", got)
	}
}

func TestFellOutOfQueueNoBeaconIsRestarting(t *testing.T) {
	got := Compute(Input{Meta: model.Meta{SlurmJobID: "123"}})
	if got != model.StatusRestarting {
		t.Fatalf("got %s, want restarting", got)
	}
}
