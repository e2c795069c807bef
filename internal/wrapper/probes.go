package wrapper

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/clusterops/shepherd/internal/model"
)

// execCommandContext is the per-package seam used to fake nvidia-smi/ps
// invocations in tests, mirroring schedclient's own seam.
var execCommandContext = defaultExecCommandContext

type cmdResult struct {
	ok         bool
	returnCode int
	stdout     string
	stderr     string
}

func (w *Wrapper) probeGPUVisibility(ctx context.Context) error {
	res := w.run(ctx, probeTimeout, "nvidia-smi", "-L")
	if !res.ok {
		return &FailureExit{ExitCode: model.ExitNodeFault, Reason: "gpu_visibility_failed", Detail: res.stderr}
	}
	var lines []string
	for _, l := range strings.Split(res.stdout, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return &FailureExit{ExitCode: model.ExitNodeFault, Reason: "gpu_visibility_empty", Detail: res.stdout}
	}
	return nil
}

func (w *Wrapper) probeExpectedCounts(ctx context.Context) error {
	expected := os.Getenv("SHEPHERD_EXPECTED_GPU_COUNT")
	expectedMIG := os.Getenv("SHEPHERD_EXPECTED_MIG_COUNT")
	if expected == "" && expectedMIG == "" {
		return nil
	}
	res := w.run(ctx, probeTimeout, "nvidia-smi", "-L")
	if !res.ok {
		return &FailureExit{ExitCode: model.ExitNodeFault, Reason: "gpu_visibility_failed", Detail: res.stderr}
	}
	lines := strings.Split(res.stdout, "\n")
	if expected != "" {
		count := 0
		for _, l := range lines {
			if strings.HasPrefix(strings.TrimSpace(l), "GPU ") {
				count++
			}
		}
		want, err := strconv.Atoi(expected)
		if err == nil && count != want {
			return &FailureExit{ExitCode: model.ExitNodeFault, Reason: "gpu_count_mismatch", Detail: res.stdout}
		}
	}
	if expectedMIG != "" {
		count := 0
		for _, l := range lines {
			if strings.Contains(l, "MIG") {
				count++
			}
		}
		want, err := strconv.Atoi(expectedMIG)
		if err == nil && count != want {
			return &FailureExit{ExitCode: model.ExitNodeFault, Reason: "mig_count_mismatch", Detail: res.stdout}
		}
	}
	return nil
}

// probeCUDASmoke runs an operator-supplied smoke-test command and
// classifies its result the same three ways the original Python probe
// script did: exit 0 success/skip, exit 2 real CUDA failure, anything
// else treated as "no verdict" and ignored. Shepherd cannot generate the
// original's inline torch/cupy/numba probe script, so the command is
// configurable per Config.CUDASmokeCommand; an empty command disables
// the probe entirely.
func (w *Wrapper) probeCUDASmoke(ctx context.Context) error {
	if w.cfg.SkipCUDASmoke || len(w.cfg.CUDASmokeCommand) == 0 {
		return nil
	}
	res := w.run(ctx, probeTimeout, w.cfg.CUDASmokeCommand[0], w.cfg.CUDASmokeCommand[1:]...)
	if res.returnCode == 2 {
		detail := strings.TrimSpace(res.stderr)
		if detail == "" {
			detail = strings.TrimSpace(res.stdout)
		}
		return &FailureExit{ExitCode: model.ExitCUDAFailure, Reason: "cuda_smoke_failed", Detail: detail}
	}
	return nil
}

func (w *Wrapper) probeTrespassers(ctx context.Context) error {
	if !w.cfg.TrespasserCheck {
		return nil
	}
	res := w.run(ctx, probeTimeout, "nvidia-smi", "--query-compute-apps=pid,process_name", "--format=csv,noheader")
	if !res.ok {
		return nil // best-effort: an unsupported nvidia-smi flag shouldn't fail the job
	}
	currentUser := os.Getenv("USER")
	for _, line := range strings.Split(res.stdout, "\n") {
		parts := strings.Split(line, ",")
		if len(parts) == 0 {
			continue
		}
		pid := strings.TrimSpace(parts[0])
		if !isAllDigits(pid) {
			continue
		}
		psRes := w.run(ctx, probeTimeout, "ps", "-o", "user=", "-p", pid)
		user := strings.TrimSpace(psRes.stdout)
		if psRes.ok && user != "" && currentUser != "" && user != currentUser {
			return &FailureExit{ExitCode: model.ExitTrespasser, Reason: "foreign_gpu_process", Detail: line}
		}
	}
	return nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
