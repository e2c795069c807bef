package wrapper

import "fmt"

// FailureExit is a pre-flight probe's way of aborting the wrapper with a
// specific exit code and reason, mirroring the original wrapper.py's
// FailureExit exception.
type FailureExit struct {
	ExitCode int
	Reason   string
	Detail   any
}

func (e *FailureExit) Error() string {
	return fmt.Sprintf("wrapper: %s (exit %d)", e.Reason, e.ExitCode)
}
