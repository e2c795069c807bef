// Package beacon implements the wrapper-side heartbeat writer and the
// supervisor-side staleness check, grounded on
// original_source/shepherd/heartbeat.py.
package beacon

import (
	"strconv"
	"strings"
	"time"

	"github.com/clusterops/shepherd/internal/model"
	"github.com/clusterops/shepherd/internal/store"
)

// Default interval and grace, matching constants.py.
const (
	DefaultIntervalSec int64 = 30
	DefaultGraceSec    int64 = 90
)

// Write records the current beacon timestamp for a run, atomically.
func Write(s *store.Store, runID string, now time.Time) error {
	return s.WriteText(runID, model.HeartbeatFile, strconv.FormatInt(now.Unix(), 10))
}

// Read returns the last recorded beacon timestamp for a run. ok is false
// if the file is missing or does not parse as an integer, mirroring
// read_heartbeat's treatment of a corrupt or absent beacon as "no
// signal" rather than an error.
func Read(s *store.Store, runID string) (unixSec int64, ok bool, err error) {
	text, st, err := s.ReadText(runID, model.HeartbeatFile)
	if err != nil {
		return 0, false, err
	}
	if st != store.OK {
		return 0, false, nil
	}
	ts, perr := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if perr != nil {
		return 0, false, nil
	}
	return ts, true, nil
}

// IsStale reports whether a beacon is overdue. A nil lastBeat (no beacon
// ever recorded) is always stale. interval and grace fall back to the
// package defaults when zero.
func IsStale(lastBeat *int64, intervalSec, graceSec int64, now time.Time) bool {
	if lastBeat == nil {
		return true
	}
	if intervalSec == 0 {
		intervalSec = DefaultIntervalSec
	}
	if graceSec == 0 {
		graceSec = DefaultGraceSec
	}
	return now.Unix()-*lastBeat > intervalSec+graceSec
}
