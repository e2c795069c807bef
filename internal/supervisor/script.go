package supervisor

import (
	"fmt"
	"os"

	"github.com/clusterops/shepherd/internal/directive"
	"github.com/clusterops/shepherd/internal/model"
)

// scriptEndMarker is the here-document terminator wrapping the user's
// workload body so the wrapper can hand it to bash as-is.
const scriptEndMarker = "__SHEPHERD_SCRIPT_END__"

// buildSubmitScript renders the script text to hand to sbatch's stdin:
// the user script's sbatch header, followed by an invocation of the
// wrapper binary that re-feeds the script body to bash via a
// here-document. If scriptPath can't be read, it falls back to pointing
// the wrapper directly at the path, since the scheduler node will still
// be able to read it off shared storage even if the supervisor can't.
// stateDir is passed through as the wrapper's --state-dir so the wrapper
// writes heartbeat/failure/final records into the same state root the
// supervisor reads them back from, rather than falling back to its own
// default.
func buildSubmitScript(wrapperBin, scriptPath, runID, stateDir string, mode model.RunMode) (string, error) {
	content, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Sprintf("#!/bin/bash\n%s --run-id %s --run-mode %s --state-dir %s -- %s\n",
			wrapperBin, runID, mode, stateDir, scriptPath), nil
	}

	header, body := directive.SplitScript(string(content))
	script := header
	if script != "" {
		script += "\n"
	}
	script += fmt.Sprintf("%s --run-id %s --run-mode %s --state-dir %s -- bash <<'%s'\n%s\n%s\n",
		wrapperBin, runID, mode, stateDir, scriptEndMarker, body, scriptEndMarker)
	return script, nil
}
