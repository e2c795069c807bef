// Package supervisor implements the control loop that drives every
// persisted run through submit/monitor/fault-detect/quarantine/backoff/
// resubmit, polling the Persistent Store and a Scheduler Adapter once per
// tick. Grounded on original_source/shepherd/daemon.py's ShepherdDaemon.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clusterops/shepherd/internal/backoff"
	"github.com/clusterops/shepherd/internal/beacon"
	"github.com/clusterops/shepherd/internal/config"
	"github.com/clusterops/shepherd/internal/directive"
	"github.com/clusterops/shepherd/internal/model"
	"github.com/clusterops/shepherd/internal/quarantine"
	"github.com/clusterops/shepherd/internal/schedclient"
	"github.com/clusterops/shepherd/internal/store"
)

// SchedulerClient is the subset of schedclient.Client the supervisor
// depends on, narrowed to an interface so tests can substitute a fake
// without shelling out.
type SchedulerClient interface {
	ListLive(ctx context.Context, jobIDs []string) (map[string]schedclient.JobInfo, schedclient.Result, error)
	QueryCompleted(ctx context.Context, jobID string) (schedclient.JobInfo, schedclient.Result, error)
	Submit(ctx context.Context, scriptContent string, extraArgs []string) (string, schedclient.Result, error)
	Cancel(ctx context.Context, jobID string) (schedclient.Result, error)
}

// Supervisor owns one tick loop over one Persistent Store.
type Supervisor struct {
	store      *store.Store
	sched      SchedulerClient
	quarantine *quarantine.List
	cfg        *config.Config
	logger     zerolog.Logger

	// wrapperBin is the path/name of the shepherd-wrapper binary
	// submitted scripts invoke.
	wrapperBin string
}

// New returns a Supervisor wired to s, sched and cfg.
func New(s *store.Store, sched SchedulerClient, cfg *config.Config, wrapperBin string, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		store:      s,
		sched:      sched,
		quarantine: quarantine.New(s),
		cfg:        cfg,
		wrapperBin: wrapperBin,
		logger:     logger,
	}
}

// Tick runs one full pass over every run: a single batched live-job query
// followed by a per-run guarded state-machine step, in lexicographic
// run_id order. A run whose lock is already held by another process is
// skipped for this tick rather than blocking.
func (sup *Supervisor) Tick(ctx context.Context) error {
	runIDs, err := sup.store.ListRuns()
	if err != nil {
		return err
	}

	views := make(map[string]store.RunView, len(runIDs))
	var jobIDs []string
	for _, id := range runIDs {
		v, err := sup.store.LoadRunView(id)
		if err != nil {
			sup.logger.Error().Err(err).Str("run_id", id).Msg("failed to load run state")
			continue
		}
		views[id] = v
		if v.MetaSt == store.OK && v.Meta.SlurmJobID != "" {
			jobIDs = append(jobIDs, v.Meta.SlurmJobID)
		}
	}

	live, _, _ := sup.sched.ListLive(ctx, jobIDs)

	for _, id := range runIDs {
		v, ok := views[id]
		if !ok {
			continue
		}
		lock, err := sup.store.Lock(id)
		if err != nil {
			if errors.Is(err, store.ErrLocked) {
				continue
			}
			sup.logger.Error().Err(err).Str("run_id", id).Msg("failed to acquire run lock")
			continue
		}
		if err := sup.handleRun(ctx, id, v, live); err != nil {
			sup.logger.Warn().Err(err).Str("run_id", id).Msg("run step did not complete")
		}
		lock.Release()
	}
	return nil
}

func stepErr(runID string, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Kind: KindTransient, RunID: runID, Err: err}
}

// handleRun advances one run's state machine by exactly one step, holding
// the caller's lock for the duration. meta is the record actually
// persisted back to meta.json; effective is a transient copy with
// control.json's config_overrides applied, consulted only for this tick's
// policy decisions (GPU count, retry/heartbeat/backoff/blacklist knobs) so
// that removing an override later reverts the field instead of leaving it
// permanently baked into meta.json.
func (sup *Supervisor) handleRun(ctx context.Context, runID string, view store.RunView, live map[string]schedclient.JobInfo) error {
	if view.MetaSt == store.Corrupt {
		return &StepError{Kind: KindCorrupt, RunID: runID, Err: errors.New("meta.json failed to parse")}
	}
	if view.MetaSt != store.OK {
		return nil // no meta.json yet: nothing for the supervisor to do
	}

	meta := view.Meta
	control := view.Control
	now := time.Now()

	effective := meta
	applyControlOverrides(&effective, control)

	// Terminal.
	if view.HasEnded {
		if !control.RestartRequested {
			return nil
		}
		if err := sup.clearTerminalState(runID, &meta, &control); err != nil {
			return stepErr(runID, err)
		}
		// The markers were just deleted; the view loaded before that
		// must not make the rest of this tick act on them.
		view.HasEnded, view.HasFinal, view.HasFailure = false, false, false
	}

	// Indefinite expiry.
	if meta.RunMode == model.RunIndefinite && effective.KeepAliveSec != nil && meta.StartedAt != 0 &&
		now.Unix()-meta.StartedAt >= *effective.KeepAliveSec {
		sup.cancelIfActive(ctx, &meta)
		return stepErr(runID, sup.writeEnded(runID, &meta, "expired"))
	}

	// Stop.
	if control.StopRequested {
		if meta.SlurmJobID != "" {
			sup.cancelIfActive(ctx, &meta)
			meta.SlurmJobID = ""
			return stepErr(runID, sup.saveMeta(runID, &meta))
		}
		return stepErr(runID, sup.writeEnded(runID, &meta, "stopped"))
	}

	// Restart (mid-run, not yet terminal).
	if control.RestartRequested {
		sup.cancelIfActive(ctx, &meta)
		meta.SlurmJobID = ""
		control.RestartRequested = false
		if err := sup.saveControl(runID, &control); err != nil {
			return stepErr(runID, err)
		}
	}

	// Live-job observation.
	foundLive := false
	if meta.SlurmJobID != "" {
		if info, ok := live[meta.SlurmJobID]; ok {
			foundLive = true
			meta.SlurmState = info.State
			meta.SlurmReason = info.Reason
		}
	}

	// Not in live queue: the job has left the scheduler's queue since we
	// last saw it (or this is the first tick after it was submitted and
	// it already finished). Ask the scheduler what happened.
	if meta.SlurmJobID != "" && !foundLive {
		done, err := sup.dispatchCompleted(ctx, runID, &meta, &effective, view, now)
		if err != nil {
			return stepErr(runID, err)
		}
		if done {
			return nil
		}
	}

	// Still enqueued: RUNNING gets staleness checks, any other live state
	// (PENDING, CONFIGURING, ...) just persists the observed state and
	// waits for a future tick.
	if foundLive {
		if strings.EqualFold(meta.SlurmState, "RUNNING") {
			intervalSec, graceSec := effectiveHeartbeat(sup.cfg, &effective)
			var hb *int64
			if view.HasHeartbeat {
				ts := view.HeartbeatUnix
				hb = &ts
			}
			if beacon.IsStale(hb, intervalSec, graceSec, now) {
				sup.cancelIfActive(ctx, &meta)
				sup.recordRestart(&meta, &effective, "heartbeat_stale", now)
				return stepErr(runID, sup.saveMeta(runID, &meta))
			}
			if view.HasProgress && effective.ProgressStallSec != nil {
				if ts, ok := view.Progress.Stamp(); ok && now.Unix()-ts > *effective.ProgressStallSec {
					sup.cancelIfActive(ctx, &meta)
					sup.recordRestart(&meta, &effective, "progress_stale", now)
					return stepErr(runID, sup.saveMeta(runID, &meta))
				}
			}
		}
		return stepErr(runID, sup.saveMeta(runID, &meta))
	}

	// From here on the run has no active job: a freshly-created run, one
	// that just finished, or one whose job was just cleared above.

	if view.HasFinal && meta.RunMode == model.RunOnce {
		return stepErr(runID, sup.writeEnded(runID, &meta, "completed"))
	}

	if control.Paused {
		return stepErr(runID, sup.saveMeta(runID, &meta))
	}

	if meta.RunMode == model.RunOnce && effective.MaxRetries != nil && meta.RestartCount >= *effective.MaxRetries {
		return stepErr(runID, sup.writeEnded(runID, &meta, "max_retries"))
	}

	if err := sup.applyFailureQuarantine(runID, &meta, &effective, view); err != nil {
		return stepErr(runID, err)
	}

	if meta.NextSubmitAt > now.Unix() {
		return stepErr(runID, sup.saveMeta(runID, &meta))
	}

	return stepErr(runID, sup.submitRun(ctx, runID, &meta, &effective))
}

// dispatchCompleted asks the scheduler for the terminal outcome of a job
// that has left the live queue and applies the matching branch. done is
// true when the run's tick is finished (a return in the per-run step).
func (sup *Supervisor) dispatchCompleted(ctx context.Context, runID string, meta, effective *model.Meta, view store.RunView, now time.Time) (done bool, err error) {
	info, _, _ := sup.sched.QueryCompleted(ctx, meta.SlurmJobID)
	state := strings.ToUpper(info.State)

	switch {
	case state == "COMPLETED" && info.ExitCode == 0 && meta.RunMode == model.RunOnce && !view.HasFinal:
		if err := sup.store.WriteJSON(runID, model.FinalFile, model.Final{Timestamp: now.Unix()}); err != nil {
			return false, err
		}
		meta.SlurmJobID = ""
		if err := sup.writeEnded(runID, meta, "completed"); err != nil {
			return false, err
		}
		return true, nil

	case state == "FAILED" || state == "TIMEOUT" || state == "OUT_OF_MEMORY" || state == "NODE_FAIL":
		if info.Node != "" && (state == "NODE_FAIL" || state == "TIMEOUT") {
			if _, err := sup.quarantine.Add(info.Node, effectiveBlacklistTTL(effective), "scheduler_state:"+state, now); err != nil {
				return false, err
			}
		}
		meta.SlurmJobID = ""
		sup.recordRestart(meta, effective, strings.ToLower(state), now)
		if err := sup.saveMeta(runID, meta); err != nil {
			return false, err
		}
		return true, nil

	case state == "CANCELLED" || state == "PREEMPTED":
		meta.SlurmJobID = ""
		meta.NextSubmitAt = now.Unix()
		if err := sup.saveMeta(runID, meta); err != nil {
			return false, err
		}
		return true, nil

	default:
		// Unrecognized or empty state: clear the stale job id and let
		// the remaining steps of this tick reconsider the run fresh.
		meta.SlurmJobID = ""
		return false, nil
	}
}

// submitRun resolves submission arguments and submits, following the
// partition-fallback policy: advancing to a new, untried partition
// permits one immediate retry in the same tick; a full wrap-around or a
// failure with no fallback configured falls back to standard backoff.
func (sup *Supervisor) submitRun(ctx context.Context, runID string, meta, effective *model.Meta) error {
	maxAttempts := 1
	if meta.PartitionFallbackPolicy != nil && len(meta.PartitionFallbackPolicy.Partitions) > 0 {
		maxAttempts = len(meta.PartitionFallbackPolicy.Partitions)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		ok, err := sup.attemptSubmit(ctx, runID, meta, effective)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		now := time.Now()
		outcome := recordPartitionFailure(meta, now)
		if !outcome.Advanced {
			reason := "sbatch_failed"
			if meta.CurrentPartition != "" {
				reason = fmt.Sprintf("sbatch_failed:%s", meta.CurrentPartition)
			}
			sup.recordRestart(meta, effective, reason, now)
			return sup.saveMeta(runID, meta)
		}
		// Advanced to a fresh partition: loop for one immediate retry.
	}

	sup.recordRestart(meta, effective, "sbatch_failed", time.Now())
	return sup.saveMeta(runID, meta)
}

// attemptSubmit makes exactly one sbatch call against meta's
// currently-selected partition. GPU count and the exclude-list size come
// from effective so a config_overrides entry can widen them for this tick
// without being written back to meta.json.
func (sup *Supervisor) attemptSubmit(ctx context.Context, runID string, meta, effective *model.Meta) (bool, error) {
	now := time.Now()

	args, err := baseSubmitArgs(*meta)
	if err != nil {
		sup.logger.Warn().Err(err).Str("run_id", runID).Msg("sbatch_args could not be tokenized, submitting without them")
		args = nil
	}

	if effective.GPUs > 0 && !hasGresArg(args) {
		args = append(args, fmt.Sprintf("--gres=gpu:%d", effective.GPUs))
	}

	partition := selectPartition(meta, now)
	args = replacePartitionArg(args, partition)

	excludeNodes, err := sup.quarantine.ExcludeList(effectiveBlacklistLimit(sup.cfg, effective), now)
	if err != nil {
		return false, err
	}
	if len(excludeNodes) > 0 {
		args = append(args, "--exclude="+strings.Join(excludeNodes, ","))
	}

	scriptContent, err := buildSubmitScript(sup.wrapperBin, meta.SbatchScript, runID, sup.store.Root(), meta.RunMode)
	if err != nil {
		return false, err
	}

	jobID, res, err := sup.sched.Submit(ctx, scriptContent, args)
	if err != nil && !errors.Is(err, schedclient.ErrNoJobIDInOutput) {
		return false, err
	}
	if !res.OK || jobID == "" {
		sup.logger.Warn().Str("run_id", runID).Str("partition", partition).Str("stderr", res.Stderr).Msg("sbatch submission failed")
		return false, nil
	}

	meta.SlurmJobID = jobID
	meta.SlurmState = "PENDING"
	meta.SlurmReason = ""
	meta.LastSubmitAt = now.Unix()
	meta.PartitionFailureCount = 0
	if meta.StartedAt == 0 {
		meta.StartedAt = now.Unix()
	}
	if partition != "" {
		meta.CurrentPartition = partition
	}
	if err := sup.saveMeta(runID, meta); err != nil {
		return false, err
	}
	return true, nil
}

// recordRestart bumps the restart counter and schedules the next submit
// attempt after the backoff delay for the new count, using effective's
// (possibly overridden) backoff envelope.
func (sup *Supervisor) recordRestart(meta, effective *model.Meta, reason string, now time.Time) {
	base, max := effectiveBackoff(sup.cfg, effective)
	meta.RestartCount++
	meta.LastRestartAt = now.Unix()
	meta.RestartReason = reason
	meta.NextSubmitAt = now.Unix() + backoff.Compute(meta.RestartCount, base, max)
}

// applyFailureQuarantine consumes a not-yet-seen node-attributable
// failure.json, quarantining its node and appending a correlation event.
func (sup *Supervisor) applyFailureQuarantine(runID string, meta, effective *model.Meta, view store.RunView) error {
	if !view.HasFailure {
		return nil
	}
	f := view.Failure
	if !model.NodeAttributable(f.ExitCode) || f.Timestamp == meta.LastFailureTS {
		return nil
	}
	now := time.Now()
	if f.Node != "" {
		ev, err := sup.quarantine.Add(f.Node, effectiveBlacklistTTL(effective), f.Reason, now)
		if err != nil {
			return err
		}
		line, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := sup.store.AppendLine(runID, model.BadNodeEventsFile, string(line)); err != nil {
			return err
		}
	}
	meta.LastFailureTS = f.Timestamp
	return nil
}

func (sup *Supervisor) cancelIfActive(ctx context.Context, meta *model.Meta) {
	if meta.SlurmJobID == "" {
		return
	}
	if _, err := sup.sched.Cancel(ctx, meta.SlurmJobID); err != nil {
		sup.logger.Warn().Err(err).Str("job_id", meta.SlurmJobID).Msg("cancel failed")
	}
}

func (sup *Supervisor) saveMeta(runID string, meta *model.Meta) error {
	return sup.store.WriteJSON(runID, model.MetaFile, meta)
}

func (sup *Supervisor) saveControl(runID string, control *model.Control) error {
	control.UpdatedAt = time.Now().Unix()
	return sup.store.WriteJSON(runID, model.ControlFile, control)
}

func (sup *Supervisor) writeEnded(runID string, meta *model.Meta, reason string) error {
	if err := sup.saveMeta(runID, meta); err != nil {
		return err
	}
	return sup.store.WriteJSON(runID, model.EndedFile, model.Ended{Reason: reason, Timestamp: time.Now().Unix()})
}

// clearTerminalState reopens a terminal run for another attempt: the
// terminal markers are removed, the scheduler-facing fields reset, and
// the client-set restart/stop flags it just consumed are cleared.
func (sup *Supervisor) clearTerminalState(runID string, meta *model.Meta, control *model.Control) error {
	for _, name := range []string{model.EndedFile, model.FinalFile, model.FailureFile} {
		if err := sup.store.Remove(runID, name); err != nil {
			return err
		}
	}
	meta.SlurmJobID = ""
	meta.SlurmState = ""
	meta.SlurmReason = ""
	meta.NextSubmitAt = 0

	control.RestartRequested = false
	control.StopRequested = false
	return sup.saveControl(runID, control)
}

// applyControlOverrides merges control.json's allow-listed config
// overrides onto meta for this tick's evaluation only. Callers must pass
// a throwaway copy, never the struct that will be persisted back to
// meta.json — removing an override later must revert the field, not
// leave it permanently baked in. An unknown key is silently dropped
// rather than rejected.
func applyControlOverrides(meta *model.Meta, control model.Control) {
	for key, raw := range control.ConfigOverrides {
		switch key {
		case "gpus":
			if n, ok := asInt(raw); ok {
				meta.GPUs = n
			}
		case "max_retries":
			if n, ok := asInt(raw); ok {
				meta.MaxRetries = &n
			}
		case "keep_alive_sec":
			if n, ok := asInt64(raw); ok {
				meta.KeepAliveSec = &n
			}
		case "heartbeat_interval_sec":
			if n, ok := asInt64(raw); ok {
				meta.HeartbeatIntervalSec = n
			}
		case "heartbeat_grace_sec":
			if n, ok := asInt64(raw); ok {
				meta.HeartbeatGraceSec = n
			}
		case "backoff_base_sec":
			if n, ok := asInt64(raw); ok {
				meta.BackoffBaseSec = n
			}
		case "backoff_max_sec":
			if n, ok := asInt64(raw); ok {
				meta.BackoffMaxSec = n
			}
		case "blacklist_ttl_sec":
			if n, ok := asInt64(raw); ok {
				meta.BlacklistTTLSec = &n
			}
		case "blacklist_limit":
			if n, ok := asInt(raw); ok {
				meta.BlacklistLimit = n
			}
		case "progress_stall_sec":
			if n, ok := asInt64(raw); ok {
				meta.ProgressStallSec = &n
			}
		}
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func effectiveHeartbeat(cfg *config.Config, meta *model.Meta) (intervalSec, graceSec int64) {
	intervalSec = meta.HeartbeatIntervalSec
	graceSec = meta.HeartbeatGraceSec
	if cfg == nil {
		return
	}
	if intervalSec == 0 {
		intervalSec = cfg.Heartbeat.IntervalSec
	}
	if graceSec == 0 {
		graceSec = cfg.Heartbeat.GraceSec
	}
	return
}

func effectiveBackoff(cfg *config.Config, meta *model.Meta) (baseSec, maxSec int64) {
	baseSec = meta.BackoffBaseSec
	maxSec = meta.BackoffMaxSec
	if cfg == nil {
		return
	}
	if baseSec == 0 {
		baseSec = cfg.Backoff.BaseSec
	}
	if maxSec == 0 {
		maxSec = cfg.Backoff.MaxSec
	}
	return
}

func effectiveBlacklistLimit(cfg *config.Config, meta *model.Meta) int {
	if meta.BlacklistLimit > 0 {
		return meta.BlacklistLimit
	}
	if cfg != nil {
		return cfg.BlacklistLimit
	}
	return quarantine.DefaultLimit
}

func effectiveBlacklistTTL(meta *model.Meta) time.Duration {
	if meta.BlacklistTTLSec != nil {
		return time.Duration(*meta.BlacklistTTLSec) * time.Second
	}
	return 0
}

// baseSubmitArgs reads meta.SbatchArgs, which may be stored as a shell
// string (tokenized here) or as a pre-split list, matching the flexible
// shape clients may write to meta.json directly.
func baseSubmitArgs(meta model.Meta) ([]string, error) {
	switch v := meta.SbatchArgs.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return directive.Tokenize(v)
	case []string:
		return append([]string{}, v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, nil
	}
}

func hasGresArg(args []string) bool {
	for _, a := range args {
		if strings.HasPrefix(a, "--gres=gpu") {
			return true
		}
	}
	return false
}

// replacePartitionArg drops any existing "-p"/"--partition" argument and
// appends the resolved partition, unless partition is empty (no fallback
// policy and no prior partition recorded).
func replacePartitionArg(args []string, partition string) []string {
	if partition == "" {
		return args
	}
	out := make([]string, 0, len(args)+1)
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--partition=") {
			continue
		}
		if a == "-p" || a == "--partition" {
			i++ // also skip its value token
			continue
		}
		out = append(out, a)
	}
	return append(out, "--partition="+partition)
}
