package job

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry decisions.
type Kind string

const (
	Temporary Kind = "temporary"
	Permanent Kind = "permanent"
)

// Phase names the lifecycle phase a failure happened in.
type Phase string

const (
	PhaseStart   Phase = "start"
	PhaseStage   Phase = "staging"
	PhaseRun     Phase = "running"
	PhaseCollect Phase = "collecting"
)

// Sentinel errors.
var (
	ErrNonZeroExit = errors.New("command exited with a failure status")
	ErrTimedOut    = errors.New("command exceeded its time limit")
	ErrNoMatch     = errors.New("required output produced no value")
)

// Failure is the error of a job that ended in TemporaryFailure or PermanentFailure.
type Failure struct {
	Kind     Kind
	Phase    Phase
	ExitCode *int
	Err      error
}

func (f *Failure) Error() string {
	if f.ExitCode != nil {
		return fmt.Sprintf("%s failure while %s: %v (exit code %d)", f.Kind, f.Phase, f.Err, *f.ExitCode)
	}
	return fmt.Sprintf("%s failure while %s: %v", f.Kind, f.Phase, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// IsTemporary reports whether err is a retryable job failure.
func IsTemporary(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == Temporary
}

// IntegrityError means staged content does not match its declared checksum.
type IntegrityError struct {
	Location string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: checksum mismatch: expected sha1$%s, got sha1$%s", e.Location, e.Expected, e.Actual)
}
