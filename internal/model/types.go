// Package model defines the typed records persisted in a run's state
// directory. Every field that spec.md documents as optional is a pointer
// or has a documented zero value, so that a partially-populated meta.json
// round-trips without silently inventing data.
package model

// RunMode selects how a run is considered complete.
type RunMode string

const (
	// RunOnce completes the first time the workload exits zero.
	RunOnce RunMode = "run_once"

	// RunIndefinite restarts the workload until keep_alive_sec elapses or
	// a stop is requested.
	RunIndefinite RunMode = "indefinite"
)

// PartitionFallback is the ranked-partition failover policy embedded in
// Meta.
type PartitionFallback struct {
	// Partitions is the ranked list; index 0 is preferred.
	Partitions []string `json:"partitions,omitempty"`

	// RetryPerPartition is how many consecutive submit failures are
	// tolerated before advancing to the next partition.
	RetryPerPartition int `json:"retry_per_partition,omitempty"`

	// ResetToPreferredSec is how long to stay on a fallback partition
	// before probing the preferred one again.
	ResetToPreferredSec int64 `json:"reset_to_preferred_sec,omitempty"`
}

// Meta is the supervisor-owned run record (meta.json).
type Meta struct {
	RunMode       RunMode `json:"run_mode"`
	SbatchScript  string  `json:"sbatch_script"`
	SbatchArgs    any     `json:"sbatch_args,omitempty"` // string (shell) or []string

	SlurmJobID    string `json:"slurm_job_id,omitempty"`
	SlurmState    string `json:"slurm_state,omitempty"`
	SlurmReason   string `json:"slurm_reason,omitempty"`

	CreatedAt       int64 `json:"created_at,omitempty"`
	StartedAt       int64 `json:"started_at,omitempty"`
	LastSubmitAt    int64 `json:"last_submit_at,omitempty"`
	LastRestartAt   int64 `json:"last_restart_at,omitempty"`
	NextSubmitAt    int64 `json:"next_submit_at,omitempty"`

	RestartCount  int    `json:"restart_count"`
	RestartReason string `json:"restart_reason,omitempty"`

	CurrentPartition         string `json:"current_partition,omitempty"`
	CurrentPartitionIndex    int    `json:"current_partition_index"`
	PartitionFailureCount    int    `json:"partition_failure_count"`
	LastPreferredAttemptAt   int64  `json:"last_preferred_attempt_at,omitempty"`

	PartitionFallbackPolicy *PartitionFallback `json:"partition_fallback,omitempty"`

	GPUs                  int   `json:"gpus,omitempty"`
	MaxRetries            *int  `json:"max_retries,omitempty"`
	KeepAliveSec          *int64 `json:"keep_alive_sec,omitempty"`
	HeartbeatIntervalSec  int64 `json:"heartbeat_interval_sec,omitempty"`
	HeartbeatGraceSec     int64 `json:"heartbeat_grace_sec,omitempty"`
	BackoffBaseSec        int64 `json:"backoff_base_sec,omitempty"`
	BackoffMaxSec         int64 `json:"backoff_max_sec,omitempty"`
	BlacklistTTLSec       *int64 `json:"blacklist_ttl_sec,omitempty"`
	BlacklistLimit        int   `json:"blacklist_limit,omitempty"`
	ProgressStallSec      *int64 `json:"progress_stall_sec,omitempty"`

	LastFailureTS int64 `json:"last_failure_ts,omitempty"`
}

// Control is the client-owned record of desired state (control.json).
type Control struct {
	Paused            bool           `json:"paused,omitempty"`
	StopRequested     bool           `json:"stop_requested,omitempty"`
	RestartRequested  bool           `json:"restart_requested,omitempty"`
	ConfigOverrides   map[string]any `json:"config_overrides,omitempty"`
	UpdatedAt         int64          `json:"updated_at,omitempty"`
}

// Failure is written by the active wrapper attempt when a pre-flight probe
// or the workload itself fails (failure.json).
type Failure struct {
	Timestamp int64  `json:"timestamp"`
	ExitCode  int    `json:"exit_code"`
	Reason    string `json:"reason"`
	Detail    any    `json:"detail,omitempty"`
	Node      string `json:"node,omitempty"`
	JobID     string `json:"job_id,omitempty"`
}

// Ended marks a run as terminal (ended.json).
type Ended struct {
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// Final is the success sentinel written by the wrapper (final.json).
type Final struct {
	Timestamp int64 `json:"timestamp"`
}

// Progress is an externally-produced liveness signal (progress.json).
// Shepherd only reads it; nothing in this repository writes it.
type Progress struct {
	Timestamp *int64 `json:"timestamp,omitempty"`
	UpdatedAt *int64 `json:"updated_at,omitempty"`
}

// Stamp returns the progress timestamp, preferring Timestamp over
// UpdatedAt, per the original implementation's fallback order.
func (p *Progress) Stamp() (int64, bool) {
	if p == nil {
		return 0, false
	}
	if p.Timestamp != nil {
		return *p.Timestamp, true
	}
	if p.UpdatedAt != nil {
		return *p.UpdatedAt, true
	}
	return 0, false
}

// QuarantineEntry is one node's blacklist record.
type QuarantineEntry struct {
	AddedAt   int64  `json:"added_at"`
	ExpiresAt *int64 `json:"expires_at"`
	Reason    string `json:"reason,omitempty"`
}

// Quarantine is the whole blacklist.json document.
type Quarantine struct {
	Nodes     map[string]QuarantineEntry `json:"nodes"`
	UpdatedAt int64                      `json:"updated_at,omitempty"`
}

// State file names, matching the state directory layout in spec.md §6.
// HeartbeatFile is plain text (a unix timestamp), not JSON — the beacon
// writes it on every tick and a partial write is self-evidently corrupt
// to a strconv.ParseInt caller, so it carries no envelope.
const (
	MetaFile          = "meta.json"
	ControlFile       = "control.json"
	HeartbeatFile     = "heartbeat"
	ProgressFile      = "progress.json"
	FailureFile       = "failure.json"
	FinalFile         = "final.json"
	EndedFile         = "ended.json"
	BadNodeEventsFile = "badnode_events.log"
)

// Exit codes defined by the wrapper contract (spec.md §4.6).
const (
	ExitNodeFault       = 42
	ExitTrespasser      = 43
	ExitCUDAFailure     = 44
	ExitWorkloadFailure = 50
)

// NodeAttributable reports whether an exit code is a candidate for
// quarantining the node it ran on.
func NodeAttributable(exitCode int) bool {
	switch exitCode {
	case ExitNodeFault, ExitTrespasser, ExitCUDAFailure:
		return true
	default:
		return false
	}
}

// Status is the closed set of run status tags (spec.md §4.7).
type Status string

const (
	StatusHealthyRunning   Status = "healthy_running"
	StatusRunningDegraded  Status = "running_degraded"
	StatusPending          Status = "pending"
	StatusRestarting       Status = "restarting"
	StatusUnresponsive     Status = "unresponsive"
	StatusCrashLoop        Status = "crash_loop"
	StatusCompletedSuccess Status = "completed_success"
	StatusEndedExpired     Status = "ended_expired"
	StatusStoppedManual    Status = "stopped_manual"
	StatusErrorUnknown     Status = "error_unknown"
)

// TerminalSchedulerStates are scheduler job states that indicate the job
// has left the queue without completing successfully.
var TerminalSchedulerStates = map[string]bool{
	"FAILED":       true,
	"CANCELLED":    true,
	"TIMEOUT":      true,
	"NODE_FAIL":    true,
	"OUT_OF_MEMORY": true,
}
