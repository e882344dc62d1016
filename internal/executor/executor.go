// Package executor drives workflow instances to completion: it takes ready
// steps from every instance, admits their jobs against a resource budget,
// runs them concurrently and feeds their results back.
package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/me/cwlcore/internal/process"
	"github.com/me/cwlcore/internal/workflow"
	"github.com/me/cwlcore/pkg/cwl"
	"github.com/me/cwlcore/pkg/model"
)

// DefaultMaxRetries is the retry limit for temporary failures when
// Config.MaxRetries is zero.
const DefaultMaxRetries = 2

// Config configures an Executor.
type Config struct {
	// Budget bounds the summed reservations of running jobs. A zero
	// dimension is unlimited.
	Budget cwl.Resources

	// FailureMode defaults to strict.
	FailureMode model.FailureMode

	// MaxRetries bounds re-admissions after a temporary failure. Zero means
	// DefaultMaxRetries; a negative value disables retries.
	MaxRetries int

	// Workers caps concurrently running jobs. Zero is unlimited.
	Workers int

	Factory  *process.Factory
	Recorder Recorder
	Logger   *slog.Logger
}

// Executor runs processes. It is safe for concurrent use; each Invoke has
// its own state and shares only Config.
type Executor struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Executor, filling unset Config fields with defaults.
func New(cfg Config) *Executor {
	if cfg.FailureMode == "" {
		cfg.FailureMode = model.FailStrict
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	f := process.Factory{}
	if cfg.Factory != nil {
		f = *cfg.Factory
	}
	if f.Jobs.Logger == nil {
		f.Jobs.Logger = cfg.Logger
	}
	cfg.Factory = &f
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	return &Executor{cfg: cfg, logger: cfg.Logger.With("component", "executor")}
}

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.cfg }

// StepReport is the final state of one step. Nested steps are keyed
// "outer/inner"; scatter shards "step/step_0".
type StepReport struct {
	Status    model.StepStatus    `json:"status" yaml:"status"`
	Outcome   model.StepOutcome   `json:"outcome" yaml:"outcome"`
	Reason    workflow.SkipReason `json:"reason,omitempty" yaml:"reason,omitempty"`
	Attempts  int                 `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	ExitCode  *int                `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	Duration  time.Duration       `json:"duration_ns,omitempty" yaml:"duration_ns,omitempty"`
	Resources cwl.Resources       `json:"resources" yaml:"resources"`
	Error     string              `json:"error,omitempty" yaml:"error,omitempty"`
}

// Result is the outcome of one Invoke.
type Result struct {
	RunID   string                `json:"run_id" yaml:"run_id"`
	Status  model.RunStatus       `json:"status" yaml:"status"`
	Outputs map[string]any        `json:"outputs" yaml:"outputs"`
	Steps   map[string]StepReport `json:"steps" yaml:"steps"`
}

// Invoke runs proc with inputs until every step is terminal. A process that
// is not a workflow runs as a one-step workflow named after it.
//
// Step failures are reported in the Result, not as an error. The error is
// non-nil only when the run could not start (the root inputs do not bind),
// on ErrSchedulingDeadlock, or when ctx is cancelled; in the last two cases
// the Result is still returned.
func (e *Executor) Invoke(ctx context.Context, proc *cwl.Process, inputs map[string]any) (*Result, error) {
	return e.InvokeWithID(ctx, uuid.NewString(), proc, inputs)
}

// InvokeWithID is Invoke with a caller-chosen run id.
func (e *Executor) InvokeWithID(ctx context.Context, runID string, proc *cwl.Process, inputs map[string]any) (*Result, error) {
	root := process.AsWorkflow(proc)
	sched, err := workflow.New(root, inputs, workflow.Options{FS: e.cfg.Factory.Jobs.FS})
	if err != nil {
		return nil, err
	}
	r := newRun(e, runID, sched)

	started := time.Now()
	r.recordRun(ctx, &model.Run{
		ID:          runID,
		ProcessID:   root.ID,
		Status:      model.RunRunning,
		FailureMode: e.cfg.FailureMode,
		Inputs:      sched.Inputs(),
		CreatedAt:   started,
	}, false)

	loopErr := r.loop(ctx)
	res := r.result(loopErr)

	done := time.Now()
	rec := &model.Run{
		ID:          runID,
		ProcessID:   root.ID,
		Status:      res.Status,
		FailureMode: e.cfg.FailureMode,
		Inputs:      sched.Inputs(),
		Outputs:     res.Outputs,
		CreatedAt:   started,
		CompletedAt: &done,
	}
	if loopErr != nil {
		rec.Error = loopErr.Error()
	}
	r.recordRun(ctx, rec, true)

	r.log.Info("run finished", "status", res.Status, "duration", done.Sub(started).Round(time.Millisecond))
	return res, loopErr
}
