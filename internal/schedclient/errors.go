package schedclient

import "errors"

// ErrTimeout names the timeout cause. No call returns it: a scheduler
// command that exceeds its timeout is reported as a Result with OK false,
// ReturnCode -1 and Stderr "timeout", matching the "never raises"
// contract in spec.md §4.5.
var ErrTimeout = errors.New("schedclient: command timed out")

// ErrNoJobIDInOutput is returned by Submit when sbatch succeeds (exit 0)
// but its stdout contains no parseable job id token.
var ErrNoJobIDInOutput = errors.New("schedclient: no job id found in sbatch output")
