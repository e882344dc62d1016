package executor

import (
	"errors"
	"fmt"

	"github.com/me/cwlcore/pkg/cwl"
)

// ErrSchedulingDeadlock means nothing is running or queued but steps remain
// unfinished, typically because of a dependency cycle.
var ErrSchedulingDeadlock = errors.New("scheduling deadlock")

// ResourceUnsatisfiableError means a job requests more than the whole budget
// and can never be admitted.
type ResourceUnsatisfiableError struct {
	Step    string
	Request cwl.Resources
	Budget  cwl.Resources
}

func (e *ResourceUnsatisfiableError) Error() string {
	return fmt.Sprintf("step %s: request %s exceeds budget %s", e.Step, e.Request, e.Budget)
}

// ErrChildFailed is the cause recorded for a step whose nested workflow or
// scatter had a failed step.
var ErrChildFailed = errors.New("nested step failed")
