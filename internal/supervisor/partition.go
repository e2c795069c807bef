package supervisor

import (
	"time"

	"github.com/clusterops/shepherd/internal/model"
)

// DefaultResetToPreferredSec is how long a run stays on a fallback
// partition before the supervisor probes the preferred one again.
const DefaultResetToPreferredSec int64 = 3600

// selectPartition returns the partition meta should submit to next,
// clamping current_partition_index into the configured list and applying
// the periodic reset-to-preferred probe first. A meta with no fallback
// policy (or an empty partition list) keeps whatever current_partition it
// already has.
func selectPartition(meta *model.Meta, now time.Time) string {
	policy := meta.PartitionFallbackPolicy
	if policy == nil || len(policy.Partitions) == 0 {
		return meta.CurrentPartition
	}

	if meta.CurrentPartitionIndex > 0 {
		resetSec := policy.ResetToPreferredSec
		if resetSec <= 0 {
			resetSec = DefaultResetToPreferredSec
		}
		if now.Unix()-meta.LastPreferredAttemptAt >= resetSec {
			meta.CurrentPartitionIndex = 0
			meta.PartitionFailureCount = 0
		}
	}

	if meta.CurrentPartitionIndex < 0 || meta.CurrentPartitionIndex >= len(policy.Partitions) {
		meta.CurrentPartitionIndex = 0
	}

	partition := policy.Partitions[meta.CurrentPartitionIndex]
	meta.CurrentPartition = partition
	return partition
}

// partitionFailureOutcome reports what recordPartitionFailure decided.
type partitionFailureOutcome struct {
	// Advanced is true when the current partition index just moved to a
	// new, not-yet-tried partition — the caller may retry submission
	// immediately with that partition rather than backing off.
	Advanced bool
	// WrappedAround is true when advancing rolled back to index 0,
	// meaning every partition has now been tried at least once; this
	// always falls through to standard backoff.
	WrappedAround bool
}

// recordPartitionFailure accounts for one submit failure against the
// current partition, advancing the fallback index once
// retry_per_partition consecutive failures accumulate on it.
func recordPartitionFailure(meta *model.Meta, now time.Time) partitionFailureOutcome {
	policy := meta.PartitionFallbackPolicy
	meta.PartitionFailureCount++

	if policy == nil || len(policy.Partitions) <= 1 {
		return partitionFailureOutcome{}
	}

	retryPerPartition := policy.RetryPerPartition
	if retryPerPartition <= 0 {
		retryPerPartition = 1
	}
	if meta.PartitionFailureCount < retryPerPartition {
		return partitionFailureOutcome{}
	}

	meta.PartitionFailureCount = 0
	if meta.CurrentPartitionIndex == 0 {
		// Leaving the preferred partition: start the reset-to-preferred clock.
		meta.LastPreferredAttemptAt = now.Unix()
	}
	nextIdx := meta.CurrentPartitionIndex + 1
	wrapped := nextIdx >= len(policy.Partitions)
	if wrapped {
		nextIdx = 0
		meta.LastPreferredAttemptAt = now.Unix()
	}
	meta.CurrentPartitionIndex = nextIdx
	meta.CurrentPartition = policy.Partitions[nextIdx]
	return partitionFailureOutcome{Advanced: !wrapped, WrappedAround: wrapped}
}
