package model

// StepStatus is the scheduling status of one step in a workflow instance.
type StepStatus string

const (
	StepWaiting   StepStatus = "waiting"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
)

func (s StepStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the step is in a final status.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepSkipped, StepFailed:
		return true
	}
	return false
}

// ValidStepTransitions defines the allowed status transitions for steps.
var ValidStepTransitions = map[StepStatus][]StepStatus{
	StepWaiting: {StepReady, StepSkipped},
	StepReady:   {StepRunning, StepSkipped},
	StepRunning: {StepCompleted, StepFailed, StepSkipped},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s StepStatus) CanTransitionTo(next StepStatus) bool {
	for _, allowed := range ValidStepTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// JobState is the lifecycle state of a Job.
type JobState string

const (
	JobCreated          JobState = "Created"
	JobStaging          JobState = "Staging"
	JobRunning          JobState = "Running"
	JobCollecting       JobState = "Collecting"
	JobSucceeded        JobState = "Succeeded"
	JobPermanentFailure JobState = "PermanentFailure"
	JobTemporaryFailure JobState = "TemporaryFailure"
	JobFinalized        JobState = "Finalized"
)

func (s JobState) String() string {
	return string(s)
}

// IsOutcome returns true for the three result states a job ends in before finalization.
func (s JobState) IsOutcome() bool {
	switch s {
	case JobSucceeded, JobPermanentFailure, JobTemporaryFailure:
		return true
	}
	return false
}

// ValidJobTransitions defines the allowed state transitions for Jobs.
// Synthetic jobs (expressions, operations) go from Running straight to an outcome.
var ValidJobTransitions = map[JobState][]JobState{
	JobCreated:          {JobStaging, JobRunning, JobPermanentFailure},
	JobStaging:          {JobRunning, JobTemporaryFailure, JobPermanentFailure},
	JobRunning:          {JobCollecting, JobSucceeded, JobTemporaryFailure, JobPermanentFailure},
	JobCollecting:       {JobSucceeded, JobPermanentFailure, JobTemporaryFailure},
	JobSucceeded:        {JobFinalized},
	JobPermanentFailure: {JobFinalized},
	JobTemporaryFailure: {JobFinalized},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunStatus is the overall status of one top-level invocation.
type RunStatus string

const (
	RunRunning         RunStatus = "Running"
	RunSucceeded       RunStatus = "Succeeded"
	RunPartiallyFailed RunStatus = "PartiallyFailed"
	RunFailed          RunStatus = "Failed"
)

func (s RunStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s != RunRunning && s != ""
}

// StepOutcome is the per-step result reported to callers.
type StepOutcome string

const (
	OutcomeSucceeded StepOutcome = "Succeeded"
	OutcomeFailed    StepOutcome = "Failed"
	OutcomeSkipped   StepOutcome = "Skipped"
)

// Outcome maps a terminal step status onto its reported outcome.
func (s StepStatus) Outcome() StepOutcome {
	switch s {
	case StepCompleted:
		return OutcomeSucceeded
	case StepFailed:
		return OutcomeFailed
	default:
		return OutcomeSkipped
	}
}

// FailureMode selects how a workflow instance reacts to a failed step.
type FailureMode string

const (
	// FailStrict stops dispatching new work after the first failure.
	FailStrict FailureMode = "strict"
	// FailBestEffort keeps running every step not downstream of a failure.
	FailBestEffort FailureMode = "best-effort"
)

// Valid reports whether m is a known mode.
func (m FailureMode) Valid() bool {
	return m == FailStrict || m == FailBestEffort
}
