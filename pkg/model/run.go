package model

import "time"

// Run is a recorded top-level invocation of a process.
type Run struct {
	ID          string            `json:"id"`
	ProcessID   string            `json:"process_id"`
	Status      RunStatus         `json:"status"`
	FailureMode FailureMode       `json:"failure_mode"`
	Inputs      map[string]any    `json:"inputs"`
	Outputs     map[string]any    `json:"outputs,omitempty"`
	Error       string            `json:"error,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Steps       []StepRecord      `json:"steps,omitempty"`
	StepSummary StepSummary       `json:"step_summary"` // Computed field, not stored
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at"`
}

// StepRecord is the last recorded status of one step of a run.
type StepRecord struct {
	RunID      string     `json:"run_id"`
	StepID     string     `json:"step_id"`
	Status     StepStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StepSummary counts step statuses within a run.
type StepSummary struct {
	Total     int `json:"total"`
	Waiting   int `json:"waiting"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// ComputeStepSummary calculates the StepSummary from a slice of step records.
// Ready steps count as waiting.
func ComputeStepSummary(steps []StepRecord) StepSummary {
	s := StepSummary{Total: len(steps)}
	for _, st := range steps {
		switch st.Status {
		case StepWaiting, StepReady:
			s.Waiting++
		case StepRunning:
			s.Running++
		case StepCompleted:
			s.Completed++
		case StepSkipped:
			s.Skipped++
		case StepFailed:
			s.Failed++
		}
	}
	return s
}
