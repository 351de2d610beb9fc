// Package exitcodes defines the process exit codes used by webagentaa.
package exitcodes

import "webagentaa/internal/core"

// Exit code constants:
//
// * Success (0): every eligible task succeeded, or none were eligible
// * TaskFailure (1): at least one task failed or errored, or the run was interrupted
// * RuntimeErr (2): aggregation integrity or report errors
// * SourceErr (3): the task source could not be loaded
// * ConfigErr (4): configuration is missing required values
const (
	Success     = 0
	TaskFailure = 1
	RuntimeErr  = 2
	SourceErr   = 3
	ConfigErr   = 4
)

// ForResult maps a finished run to its exit code.
func ForResult(result core.RunResult) int {
	if result.Complete && result.Summary.Passed() {
		return Success
	}
	return TaskFailure
}
