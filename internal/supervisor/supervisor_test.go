package supervisor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clusterops/shepherd/internal/config"
	"github.com/clusterops/shepherd/internal/model"
	"github.com/clusterops/shepherd/internal/quarantine"
	"github.com/clusterops/shepherd/internal/schedclient"
	"github.com/clusterops/shepherd/internal/store"
)

type fakeScheduler struct {
	listLiveFn       func(ctx context.Context, ids []string) (map[string]schedclient.JobInfo, schedclient.Result, error)
	queryCompletedFn func(ctx context.Context, id string) (schedclient.JobInfo, schedclient.Result, error)
	submitFn         func(ctx context.Context, content string, args []string) (string, schedclient.Result, error)

	cancelled []string
	submits   [][]string // args for every Submit call, in order
}

func (f *fakeScheduler) ListLive(ctx context.Context, ids []string) (map[string]schedclient.JobInfo, schedclient.Result, error) {
	if f.listLiveFn != nil {
		return f.listLiveFn(ctx, ids)
	}
	return map[string]schedclient.JobInfo{}, schedclient.Result{OK: true}, nil
}

func (f *fakeScheduler) QueryCompleted(ctx context.Context, id string) (schedclient.JobInfo, schedclient.Result, error) {
	if f.queryCompletedFn != nil {
		return f.queryCompletedFn(ctx, id)
	}
	return schedclient.JobInfo{}, schedclient.Result{OK: true}, nil
}

func (f *fakeScheduler) Submit(ctx context.Context, content string, args []string) (string, schedclient.Result, error) {
	f.submits = append(f.submits, args)
	if f.submitFn != nil {
		return f.submitFn(ctx, content, args)
	}
	return "1", schedclient.Result{OK: true}, nil
}

func (f *fakeScheduler) Cancel(ctx context.Context, id string) (schedclient.Result, error) {
	f.cancelled = append(f.cancelled, id)
	return schedclient.Result{OK: true}, nil
}

func newTestSupervisor(t *testing.T, sched SchedulerClient) (*Supervisor, *store.Store) {
	t.Helper()
	s, err := store.New(t.TempDir() + "/runs")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	cfg := config.Default()
	sup := New(s, sched, cfg, "/usr/local/bin/shepherd-wrapper", zerolog.Nop())
	return sup, s
}

func scriptPath(t *testing.T, s *store.Store) string {
	t.Helper()
	path := s.Root() + "/script.sh"
	return path // intentionally unreadable: exercises the fallback path in buildSubmitScript
}

func TestSuccessfulOneShotCompletion(t *testing.T) {
	sched := &fakeScheduler{
		queryCompletedFn: func(ctx context.Context, id string) (schedclient.JobInfo, schedclient.Result, error) {
			return schedclient.JobInfo{State: "COMPLETED", ExitCode: 0}, schedclient.Result{OK: true}, nil
		},
	}
	sup, s := newTestSupervisor(t, sched)

	meta := model.Meta{
		RunMode:      model.RunOnce,
		SbatchScript: scriptPath(t, s),
		SlurmJobID:   "100",
		SlurmState:   "RUNNING",
		StartedAt:    time.Now().Unix(),
	}
	if err := s.WriteJSON("run-a", model.MetaFile, meta); err != nil {
		t.Fatalf("WriteJSON meta: %v", err)
	}

	if err := sup.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	has, err := s.Exists("run-a", model.FinalFile)
	if err != nil || !has {
		t.Fatalf("final.json not written: has=%v err=%v", has, err)
	}
	var ended model.Ended
	v, err := s.ReadJSON("run-a", model.EndedFile, &ended)
	if err != nil || v.Status != store.OK {
		t.Fatalf("ended.json not written")
	}
	if ended.Reason != "completed" {
		t.Fatalf("ended.Reason = %q, want completed", ended.Reason)
	}
}

func TestStaleHeartbeatTriggersRestart(t *testing.T) {
	sched := &fakeScheduler{
		listLiveFn: func(ctx context.Context, ids []string) (map[string]schedclient.JobInfo, schedclient.Result, error) {
			return map[string]schedclient.JobInfo{"100": {State: "RUNNING"}}, schedclient.Result{OK: true}, nil
		},
	}
	sup, s := newTestSupervisor(t, sched)

	meta := model.Meta{
		RunMode:              model.RunIndefinite,
		SbatchScript:         scriptPath(t, s),
		SlurmJobID:           "100",
		SlurmState:           "RUNNING",
		StartedAt:            time.Now().Unix(),
		HeartbeatIntervalSec: 30,
		HeartbeatGraceSec:    90,
	}
	if err := s.WriteJSON("run-b", model.MetaFile, meta); err != nil {
		t.Fatalf("WriteJSON meta: %v", err)
	}
	// A heartbeat from far in the past makes this run stale.
	if err := s.WriteText("run-b", model.HeartbeatFile, "1"); err != nil {
		t.Fatalf("WriteText heartbeat: %v", err)
	}

	if err := sup.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(sched.cancelled) != 1 || sched.cancelled[0] != "100" {
		t.Fatalf("cancelled = %v, want [100]", sched.cancelled)
	}
	var got model.Meta
	v, err := s.ReadJSON("run-b", model.MetaFile, &got)
	if err != nil || v.Status != store.OK {
		t.Fatalf("failed to reread meta: %v", err)
	}
	if got.RestartReason != "heartbeat_stale" {
		t.Fatalf("RestartReason = %q, want heartbeat_stale", got.RestartReason)
	}
	if got.RestartCount != 1 {
		t.Fatalf("RestartCount = %d, want 1", got.RestartCount)
	}
	if got.NextSubmitAt <= time.Now().Unix() {
		t.Fatalf("NextSubmitAt not pushed into the future")
	}
}

func TestPartitionAdvanceRetriesImmediately(t *testing.T) {
	firstCall := true
	sched := &fakeScheduler{
		submitFn: func(ctx context.Context, content string, args []string) (string, schedclient.Result, error) {
			if firstCall {
				firstCall = false
				return "", schedclient.Result{OK: false, ReturnCode: 1, Stderr: "partition down"}, nil
			}
			return "555", schedclient.Result{OK: true}, nil
		},
	}
	sup, s := newTestSupervisor(t, sched)

	meta := model.Meta{
		RunMode:      model.RunOnce,
		SbatchScript: scriptPath(t, s),
		PartitionFallbackPolicy: &model.PartitionFallback{
			Partitions:        []string{"gpu-a", "gpu-b"},
			RetryPerPartition: 1,
		},
	}
	if err := s.WriteJSON("run-c", model.MetaFile, meta); err != nil {
		t.Fatalf("WriteJSON meta: %v", err)
	}

	if err := sup.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(sched.submits) != 2 {
		t.Fatalf("submit called %d times, want 2 (one failure + one immediate retry)", len(sched.submits))
	}
	var got model.Meta
	v, err := s.ReadJSON("run-c", model.MetaFile, &got)
	if err != nil || v.Status != store.OK {
		t.Fatalf("failed to reread meta: %v", err)
	}
	if got.SlurmJobID != "555" {
		t.Fatalf("SlurmJobID = %q, want 555", got.SlurmJobID)
	}
	if got.CurrentPartitionIndex != 1 || got.CurrentPartition != "gpu-b" {
		t.Fatalf("partition state = index %d / %q, want 1 / gpu-b", got.CurrentPartitionIndex, got.CurrentPartition)
	}
}

func TestNodeFaultFromCompletedQueryQuarantinesNode(t *testing.T) {
	sched := &fakeScheduler{
		queryCompletedFn: func(ctx context.Context, id string) (schedclient.JobInfo, schedclient.Result, error) {
			return schedclient.JobInfo{State: "NODE_FAIL", Node: "node-42"}, schedclient.Result{OK: true}, nil
		},
	}
	sup, s := newTestSupervisor(t, sched)

	meta := model.Meta{
		RunMode:      model.RunIndefinite,
		SbatchScript: scriptPath(t, s),
		SlurmJobID:   "200",
		SlurmState:   "RUNNING",
		StartedAt:    time.Now().Unix(),
	}
	if err := s.WriteJSON("run-d", model.MetaFile, meta); err != nil {
		t.Fatalf("WriteJSON meta: %v", err)
	}

	if err := sup.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	q := quarantine.New(s)
	quarantined, err := q.IsQuarantined("node-42", time.Now())
	if err != nil {
		t.Fatalf("IsQuarantined: %v", err)
	}
	if !quarantined {
		t.Fatalf("node-42 not quarantined after NODE_FAIL")
	}

	var got model.Meta
	v, err := s.ReadJSON("run-d", model.MetaFile, &got)
	if err != nil || v.Status != store.OK {
		t.Fatalf("failed to reread meta: %v", err)
	}
	if got.SlurmJobID != "" {
		t.Fatalf("SlurmJobID = %q, want cleared", got.SlurmJobID)
	}
	if got.RestartReason != "node_fail" {
		t.Fatalf("RestartReason = %q, want node_fail", got.RestartReason)
	}
}

func TestRestartRequestClearsTerminalMarkers(t *testing.T) {
	sup, s := newTestSupervisor(t, &fakeScheduler{})

	meta := model.Meta{RunMode: model.RunOnce, SbatchScript: scriptPath(t, s)}
	if err := s.WriteJSON("run-e", model.MetaFile, meta); err != nil {
		t.Fatalf("WriteJSON meta: %v", err)
	}
	if err := s.WriteJSON("run-e", model.EndedFile, model.Ended{Reason: "completed", Timestamp: 1}); err != nil {
		t.Fatalf("WriteJSON ended: %v", err)
	}
	if err := s.WriteJSON("run-e", model.FinalFile, model.Final{Timestamp: 1}); err != nil {
		t.Fatalf("WriteJSON final: %v", err)
	}
	if err := s.WriteJSON("run-e", model.ControlFile, model.Control{RestartRequested: true}); err != nil {
		t.Fatalf("WriteJSON control: %v", err)
	}

	if err := sup.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	for _, name := range []string{model.EndedFile, model.FinalFile} {
		has, err := s.Exists("run-e", name)
		if err != nil {
			t.Fatalf("Exists(%s): %v", name, err)
		}
		if has {
			t.Fatalf("%s still present after restart request", name)
		}
	}

	var control model.Control
	v, err := s.ReadJSON("run-e", model.ControlFile, &control)
	if err != nil || v.Status != store.OK {
		t.Fatalf("failed to reread control: %v", err)
	}
	if control.RestartRequested {
		t.Fatalf("RestartRequested still true after being consumed")
	}
}

func TestConfigOverrideIsNotPersistedToMeta(t *testing.T) {
	submitted := make([][]string, 0)
	sched := &fakeScheduler{
		submitFn: func(ctx context.Context, content string, args []string) (string, schedclient.Result, error) {
			submitted = append(submitted, args)
			return "900", schedclient.Result{OK: true}, nil
		},
	}
	sup, s := newTestSupervisor(t, sched)

	meta := model.Meta{RunMode: model.RunOnce, SbatchScript: scriptPath(t, s), GPUs: 1}
	if err := s.WriteJSON("run-g", model.MetaFile, meta); err != nil {
		t.Fatalf("WriteJSON meta: %v", err)
	}
	control := model.Control{ConfigOverrides: map[string]any{"gpus": float64(4)}}
	if err := s.WriteJSON("run-g", model.ControlFile, control); err != nil {
		t.Fatalf("WriteJSON control: %v", err)
	}

	if err := sup.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(submitted) != 1 {
		t.Fatalf("submit called %d times, want 1", len(submitted))
	}
	found := false
	for _, a := range submitted[0] {
		if a == "--gres=gpu:4" {
			found = true
		}
	}
	if !found {
		t.Fatalf("submit args = %v, want --gres=gpu:4 reflecting the override", submitted[0])
	}

	var got model.Meta
	v, err := s.ReadJSON("run-g", model.MetaFile, &got)
	if err != nil || v.Status != store.OK {
		t.Fatalf("failed to reread meta: %v", err)
	}
	if got.GPUs != 1 {
		t.Fatalf("meta.json GPUs = %d, want 1 (override must not be persisted)", got.GPUs)
	}
}

func TestFailureAttributionQuarantinesNodeOnce(t *testing.T) {
	sup, s := newTestSupervisor(t, &fakeScheduler{})

	meta := model.Meta{RunMode: model.RunIndefinite, SbatchScript: scriptPath(t, s)}
	if err := s.WriteJSON("run-f", model.MetaFile, meta); err != nil {
		t.Fatalf("WriteJSON meta: %v", err)
	}
	failure := model.Failure{Timestamp: 1000, ExitCode: model.ExitNodeFault, Reason: "gpu_visibility_failed", Node: "node-7"}
	if err := s.WriteJSON("run-f", model.FailureFile, failure); err != nil {
		t.Fatalf("WriteJSON failure: %v", err)
	}

	if err := sup.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	q := quarantine.New(s)
	quarantined, err := q.IsQuarantined("node-7", time.Now())
	if err != nil {
		t.Fatalf("IsQuarantined: %v", err)
	}
	if !quarantined {
		t.Fatalf("node-7 not quarantined after NODE_FAULT failure")
	}

	var got model.Meta
	v, err := s.ReadJSON("run-f", model.MetaFile, &got)
	if err != nil || v.Status != store.OK {
		t.Fatalf("failed to reread meta: %v", err)
	}
	if got.LastFailureTS != 1000 {
		t.Fatalf("LastFailureTS = %d, want 1000", got.LastFailureTS)
	}

	// A second tick must not re-quarantine (already deduplicated via
	// last_failure_ts), and should proceed to submit since nothing else
	// blocks this run.
	if err := sup.Tick(context.Background()); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	events, _, err := s.ReadText("run-f", model.BadNodeEventsFile)
	if err != nil {
		t.Fatalf("ReadText badnode events: %v", err)
	}
	if n := strings.Count(events, "\n"); n != 1 {
		t.Fatalf("badnode_events.log has %d lines after two ticks, want 1", n)
	}
}
