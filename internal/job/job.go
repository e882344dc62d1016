// Package job runs one concrete invocation through its lifecycle:
// staging, sandbox execution, output collection and cleanup.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/me/cwlcore/internal/cmdline"
	"github.com/me/cwlcore/internal/fsaccess"
	"github.com/me/cwlcore/internal/pathmapper"
	"github.com/me/cwlcore/internal/sandbox"
	"github.com/me/cwlcore/pkg/cwl"
	"github.com/me/cwlcore/pkg/model"
)

// Sandbox paths used by container runtimes.
const (
	ContainerOutDir   = "/var/spool/cwl"
	ContainerTmpDir   = "/tmp"
	ContainerStageDir = "/var/lib/cwl"
)

// Options configures how jobs are prepared and cleaned up.
type Options struct {
	Runtime sandbox.Runtime
	FS      fsaccess.FS

	// WorkRoot is the host directory each job's sandbox root is created in.
	WorkRoot string

	DefaultTimeout time.Duration
	CopyInputs     bool

	// KeepTmp retains every sandbox after the job; PreserveFailed retains
	// only the sandboxes of failed jobs.
	KeepTmp        bool
	PreserveFailed bool

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Runtime == nil {
		o.Runtime = &sandbox.Local{}
	}
	if o.FS == nil {
		o.FS = fsaccess.Local{}
	}
	if o.WorkRoot == "" {
		o.WorkRoot = filepath.Join(os.TempDir(), "cwlcore")
	}
	if abs, err := filepath.Abs(o.WorkRoot); err == nil {
		o.WorkRoot = abs
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Func computes the outputs of a job that runs in process.
type Func func(ctx context.Context) (map[string]any, error)

// Job is one execution attempt of a process with concrete inputs.
type Job struct {
	ID      string
	Name    string
	Attempt int

	proc   *cwl.Process
	inputs map[string]any
	plan   *cmdline.Plan
	fn     Func
	opts   Options
	root   string
	log    *slog.Logger

	// container bind mounts for linked inputs, filled while staging.
	mounts []sandbox.Mount

	mu       sync.Mutex
	state    model.JobState
	history  []model.JobState
	exitCode *int
	outputs  map[string]any
	err      error
	started  time.Time
	finished time.Time
}

// New builds the invocation plan of a CommandLineTool and returns a job in
// state Created. Binding failures are returned as *cmdline.BindingError.
func New(name string, proc *cwl.Process, inputs map[string]any, opts Options) (*Job, error) {
	return newAttempt(name, proc, inputs, opts, 1)
}

func newAttempt(name string, proc *cwl.Process, inputs map[string]any, opts Options, attempt int) (*Job, error) {
	opts = opts.withDefaults()
	j := newJob(name, opts, attempt)
	j.proc, j.inputs = proc, inputs
	j.root = filepath.Join(opts.WorkRoot, dirName(name)+"-"+j.ID[:8])

	plan, err := cmdline.Build(proc, inputs, layout(j.root, opts.Runtime.Container()), cmdline.Options{
		FS:             opts.FS,
		Container:      opts.Runtime.Container(),
		CopyInputs:     opts.CopyInputs,
		DefaultTimeout: opts.DefaultTimeout,
	})
	if err != nil {
		return nil, err
	}
	j.plan = plan
	return j, nil
}

// NewFunc returns a job that runs fn in process with no sandbox and no
// resource reservation.
func NewFunc(name string, fn Func, opts Options) *Job {
	j := newJob(name, opts.withDefaults(), 1)
	j.fn = fn
	return j
}

func newJob(name string, opts Options, attempt int) *Job {
	id := uuid.NewString()
	return &Job{
		ID:      id,
		Name:    name,
		Attempt: attempt,
		opts:    opts,
		log:     opts.Logger.With("job", id, "step", name, "attempt", attempt),
		state:   model.JobCreated,
		history: []model.JobState{model.JobCreated},
	}
}

// Retry returns a fresh attempt of the same invocation with a new sandbox.
func (j *Job) Retry() (*Job, error) {
	if j.fn != nil {
		n := newJob(j.Name, j.opts, j.Attempt+1)
		n.fn = j.fn
		return n, nil
	}
	return newAttempt(j.Name, j.proc, j.inputs, j.opts, j.Attempt+1)
}

func layout(root string, container bool) cmdline.Dirs {
	out, tmp, stage := filepath.Join(root, "out"), filepath.Join(root, "tmp"), filepath.Join(root, "stage")
	if container {
		return cmdline.Dirs{
			Out:   pathmapper.Mount{Host: out, Target: ContainerOutDir},
			Tmp:   pathmapper.Mount{Host: tmp, Target: ContainerTmpDir},
			Stage: pathmapper.Mount{Host: stage, Target: ContainerStageDir},
		}
	}
	return cmdline.Dirs{
		Out:   pathmapper.Mount{Host: out, Target: out},
		Tmp:   pathmapper.Mount{Host: tmp, Target: tmp},
		Stage: pathmapper.Mount{Host: stage, Target: stage},
	}
}

func dirName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
	if name == "" {
		return "job"
	}
	return name
}

// Plan returns the invocation plan, nil for in-process jobs.
func (j *Job) Plan() *cmdline.Plan { return j.plan }

// Resources is the reservation the job needs while it runs.
func (j *Job) Resources() cwl.Resources {
	if j.plan == nil {
		return cwl.Resources{}
	}
	return j.plan.Resources
}

// Command renders the command line for logs.
func (j *Job) Command() string {
	if j.plan == nil {
		return ""
	}
	return j.plan.CommandLine()
}

// OutDir is the host output directory, empty for in-process jobs.
func (j *Job) OutDir() string {
	if j.plan == nil {
		return ""
	}
	return j.plan.Dirs.Out.Host
}

func (j *Job) State() model.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// History lists every state the job has been in, in order.
func (j *Job) History() []model.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.history)
}

func (j *Job) Outputs() map[string]any { return j.outputs }

func (j *Job) Err() error { return j.err }

func (j *Job) ExitCode() *int { return j.exitCode }

// Duration is the wall time of Run.
func (j *Job) Duration() time.Duration {
	if j.started.IsZero() || j.finished.IsZero() {
		return 0
	}
	return j.finished.Sub(j.started)
}

func (j *Job) transition(to model.JobState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.state.CanTransitionTo(to) {
		panic(&model.InvalidTransitionError{Entity: "job", ID: j.ID, From: string(j.state), To: string(to)})
	}
	j.state = to
	j.history = append(j.history, to)
}

// Run drives the job to Succeeded, TemporaryFailure or PermanentFailure.
// The returned error is a *Failure.
func (j *Job) Run(ctx context.Context) error {
	j.started = time.Now()
	defer func() { j.finished = time.Now() }()

	if err := ctx.Err(); err != nil {
		return j.fail(Permanent, PhaseStart, err)
	}
	if j.fn != nil {
		j.transition(model.JobRunning)
		out, err := j.fn(ctx)
		if err != nil {
			return j.fail(Permanent, PhaseRun, err)
		}
		return j.succeed(out)
	}

	j.transition(model.JobStaging)
	if err := j.stage(); err != nil {
		var ie *IntegrityError
		if errors.As(err, &ie) {
			return j.fail(Permanent, PhaseStage, err)
		}
		return j.fail(Temporary, PhaseStage, err)
	}

	j.transition(model.JobRunning)
	j.log.Info("running", "command", j.Command())
	res, err := j.execute(ctx)
	if err != nil {
		var te *sandbox.TransientError
		if errors.As(err, &te) {
			return j.fail(Temporary, PhaseRun, err)
		}
		return j.fail(Permanent, PhaseRun, err)
	}
	code := res.ExitCode
	if res.TimedOut {
		return j.fail(Permanent, PhaseRun, fmt.Errorf("%w (%s)", ErrTimedOut, j.plan.Timeout))
	}
	j.exitCode = &code
	switch classify(j.proc, code) {
	case Temporary:
		return j.fail(Temporary, PhaseRun, ErrNonZeroExit)
	case Permanent:
		return j.fail(Permanent, PhaseRun, ErrNonZeroExit)
	}

	j.transition(model.JobCollecting)
	out, err := j.collect()
	if err != nil {
		return j.fail(Permanent, PhaseCollect, err)
	}
	return j.succeed(out)
}

func (j *Job) succeed(out map[string]any) error {
	j.outputs = out
	j.transition(model.JobSucceeded)
	j.log.Info("succeeded", "duration", time.Since(j.started).Round(time.Millisecond))
	return nil
}

func (j *Job) fail(kind Kind, phase Phase, err error) error {
	f := &Failure{Kind: kind, Phase: phase, ExitCode: j.exitCode, Err: err}
	j.err = f
	if kind == Temporary {
		j.transition(model.JobTemporaryFailure)
	} else {
		j.transition(model.JobPermanentFailure)
	}
	j.log.Warn("failed", "kind", kind, "phase", phase, "error", err)
	return f
}

// classify maps an exit code to an outcome; "" is success.
// permanentFailCodes win over every other list.
func classify(proc *cwl.Process, code int) Kind {
	switch {
	case slices.Contains(proc.PermanentFailCodes, code):
		return Permanent
	case slices.Contains(proc.TemporaryFailCodes, code):
		return Temporary
	case len(proc.SuccessCodes) > 0 && slices.Contains(proc.SuccessCodes, code):
		return ""
	case len(proc.SuccessCodes) == 0 && code == 0:
		return ""
	}
	return Permanent
}

// Finalize removes the staging and temp directories unless they are
// retained, and moves the job to Finalized. The output directory is kept
// because later steps read from it.
func (j *Job) Finalize() error {
	state := j.State()
	if !state.IsOutcome() {
		return nil
	}
	var err error
	failed := state != model.JobSucceeded
	if j.plan != nil && !j.opts.KeepTmp && !(failed && j.opts.PreserveFailed) {
		for _, dir := range []string{j.plan.Dirs.Tmp.Host, j.plan.Dirs.Stage.Host} {
			if rerr := j.opts.FS.RemoveAll(dir); rerr != nil && err == nil {
				err = rerr
			}
		}
	} else if j.plan != nil && failed {
		j.log.Info("sandbox preserved", "dir", j.root)
	}
	j.transition(model.JobFinalized)
	return err
}

// Cleanup removes the whole sandbox root including outputs.
func (j *Job) Cleanup() error {
	if j.plan == nil {
		return nil
	}
	return j.opts.FS.RemoveAll(j.root)
}
