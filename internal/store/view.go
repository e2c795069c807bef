package store

import (
	"strconv"
	"strings"

	"github.com/clusterops/shepherd/internal/model"
)

// RunView is the full set of state files the supervisor and CLI need to
// reason about a single run, read together so callers never have to
// re-derive the read order themselves. Mirrors the original
// implementation's single load_run_state entry point.
type RunView struct {
	RunID string

	Meta    model.Meta
	MetaSt  Status
	Control model.Control
	CtrlSt  Status

	HasEnded bool
	Ended    model.Ended
	EndedSt  Status

	HasFinal bool
	Final    model.Final
	FinalSt  Status

	HasFailure bool
	Failure    model.Failure
	FailureSt  Status

	HasHeartbeat  bool
	HeartbeatUnix int64

	HasProgress bool
	Progress    model.Progress
	ProgressSt  Status
}

// LoadRunView reads every state file for a run in one pass. Corrupt files
// are reported via their *St field and the corresponding Has/value stays
// at its zero value; callers decide whether corruption is fatal to the
// current operation.
func (s *Store) LoadRunView(runID string) (RunView, error) {
	v := RunView{RunID: runID}

	mv, err := s.ReadJSON(runID, model.MetaFile, &v.Meta)
	if err != nil {
		return v, err
	}
	v.MetaSt = mv.Status

	cv, err := s.ReadJSON(runID, model.ControlFile, &v.Control)
	if err != nil {
		return v, err
	}
	v.CtrlSt = cv.Status

	ev, err := s.ReadJSON(runID, model.EndedFile, &v.Ended)
	if err != nil {
		return v, err
	}
	v.EndedSt = ev.Status
	v.HasEnded = ev.Status == OK

	fv, err := s.ReadJSON(runID, model.FinalFile, &v.Final)
	if err != nil {
		return v, err
	}
	v.FinalSt = fv.Status
	v.HasFinal = fv.Status == OK

	failv, err := s.ReadJSON(runID, model.FailureFile, &v.Failure)
	if err != nil {
		return v, err
	}
	v.FailureSt = failv.Status
	v.HasFailure = failv.Status == OK

	text, st, err := s.ReadText(runID, model.HeartbeatFile)
	if err != nil {
		return v, err
	}
	if st == OK {
		if ts, perr := strconv.ParseInt(strings.TrimSpace(text), 10, 64); perr == nil {
			v.HasHeartbeat = true
			v.HeartbeatUnix = ts
		}
		// A non-numeric heartbeat file is treated as absent, matching
		// heartbeat.py's read_heartbeat returning None on ValueError.
	}

	pv, err := s.ReadJSON(runID, model.ProgressFile, &v.Progress)
	if err != nil {
		return v, err
	}
	v.ProgressSt = pv.Status
	v.HasProgress = pv.Status == OK

	return v, nil
}
