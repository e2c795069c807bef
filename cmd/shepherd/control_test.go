package main

import (
	"testing"
	"time"

	"github.com/clusterops/shepherd/internal/model"
	"github.com/clusterops/shepherd/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir() + "/runs")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return s
}

func TestParseOverrideValue(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  any
	}{
		{name: "integer", input: "4", want: float64(4)},
		{name: "bool", input: "true", want: true},
		{name: "bare string", input: "gpu-node-1", want: "gpu-node-1"},
		{name: "quoted string", input: `"gpu-node-1"`, want: "gpu-node-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseOverrideValue(tt.input)
			if got != tt.want {
				t.Errorf("parseOverrideValue(%q) = %v (%T), want %v (%T)", tt.input, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestUpdateControlPauseAndUnpause(t *testing.T) {
	s := newTestStore(t)
	runID := "run-1"
	if err := s.WriteJSON(runID, model.MetaFile, &model.Meta{RunMode: model.RunOnce}); err != nil {
		t.Fatalf("seed meta: %v", err)
	}

	if err := updateControl(s, runID, "pause"); err != nil {
		t.Fatalf("updateControl pause: %v", err)
	}
	var control model.Control
	if _, err := s.ReadJSON(runID, model.ControlFile, &control); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if !control.Paused {
		t.Fatalf("control.Paused = false after pause")
	}

	if err := updateControl(s, runID, "unpause"); err != nil {
		t.Fatalf("updateControl unpause: %v", err)
	}
	if _, err := s.ReadJSON(runID, model.ControlFile, &control); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if control.Paused {
		t.Fatalf("control.Paused = true after unpause")
	}
}

func TestUpdateControlConfigSet(t *testing.T) {
	s := newTestStore(t)
	runID := "run-1"
	if err := s.WriteJSON(runID, model.MetaFile, &model.Meta{RunMode: model.RunOnce}); err != nil {
		t.Fatalf("seed meta: %v", err)
	}

	controlKey = "gpus"
	controlValue = "2"
	defer func() { controlKey, controlValue = "", "" }()

	if err := updateControl(s, runID, "config-set"); err != nil {
		t.Fatalf("updateControl config-set: %v", err)
	}
	var control model.Control
	if _, err := s.ReadJSON(runID, model.ControlFile, &control); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if control.ConfigOverrides["gpus"] != float64(2) {
		t.Fatalf("ConfigOverrides[gpus] = %v, want 2", control.ConfigOverrides["gpus"])
	}
}

func TestUpdateControlUnknownRunErrors(t *testing.T) {
	s := newTestStore(t)
	if err := updateControl(s, "does-not-exist", "pause"); err == nil {
		t.Fatalf("expected an error for a missing run")
	}
}

func TestUpdateControlStopAndRestartFlags(t *testing.T) {
	s := newTestStore(t)
	runID := "run-1"
	if err := s.WriteJSON(runID, model.MetaFile, &model.Meta{RunMode: model.RunOnce}); err != nil {
		t.Fatalf("seed meta: %v", err)
	}

	if err := updateControl(s, runID, "stop"); err != nil {
		t.Fatalf("updateControl stop: %v", err)
	}
	if err := updateControl(s, runID, "restart"); err != nil {
		t.Fatalf("updateControl restart: %v", err)
	}

	var control model.Control
	if _, err := s.ReadJSON(runID, model.ControlFile, &control); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if !control.StopRequested || !control.RestartRequested {
		t.Fatalf("control = %+v, want both stop and restart requested", control)
	}
	if control.UpdatedAt == 0 || time.Since(time.Unix(control.UpdatedAt, 0)) > time.Minute {
		t.Fatalf("UpdatedAt not stamped: %d", control.UpdatedAt)
	}
}
