package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/me/cwlcore/internal/job"
	"github.com/me/cwlcore/internal/process"
	"github.com/me/cwlcore/internal/workflow"
	"github.com/me/cwlcore/pkg/cwl"
	"github.com/me/cwlcore/pkg/model"
)

// instance is one workflow scheduler being driven: the root, a subworkflow
// or a scatter expansion. Nested instances complete their parent's step.
type instance struct {
	prefix string
	sched  *workflow.Scheduler
	gather func(*workflow.Scheduler) (map[string]any, error)
	parent *instance
	step   string
	done   bool
}

func (in *instance) key(id string) string { return in.prefix + id }

// task is a job waiting for admission or running.
type task struct {
	inst *instance
	step string
	key  string
	job  *job.Job
	res  cwl.Resources
}

type completion struct {
	t   *task
	err error
}

type stepInfo struct {
	report  StepReport
	started *time.Time
}

// run is the state of one Invoke. Everything but job execution happens on
// the goroutine running loop.
type run struct {
	e     *Executor
	id    string
	log   *slog.Logger
	root  *instance
	insts []*instance

	queue   []*task
	running int
	inUse   cwl.Resources
	done    chan completion
	aborted bool

	steps map[string]*stepInfo
}

func newRun(e *Executor, id string, sched *workflow.Scheduler) *run {
	root := &instance{sched: sched}
	return &run{
		e:     e,
		id:    id,
		log:   e.logger.With("run", id),
		root:  root,
		insts: []*instance{root},
		done:  make(chan completion),
		steps: make(map[string]*stepInfo),
	}
}

// loop dispatches and admits work until no job is running. At that point
// the root is terminal, the run was cancelled, or the graph is stuck.
func (r *run) loop(ctx context.Context) error {
	r.log.Info("run started", "process", r.root.sched.Process().ID, "budget", r.budgetString(), "failure_mode", r.e.cfg.FailureMode)
	cancelled := ctx.Done()
	var ctxErr error
	for {
		r.dispatch(ctx)
		r.admit(ctx)
		if r.running == 0 {
			switch {
			case ctxErr != nil:
				return ctxErr
			case ctx.Err() != nil:
				return ctx.Err()
			case r.root.sched.Terminal():
				return nil
			default:
				return r.deadlock()
			}
		}
		select {
		case c := <-r.done:
			r.finish(ctx, c)
		case <-cancelled:
			cancelled = nil
			ctxErr = ctx.Err()
			r.log.Warn("run cancelled, waiting for running jobs", "running", r.running, "error", ctxErr)
			r.abort(ctx)
		}
	}
}

func (r *run) deadlock() error {
	var pending []string
	for _, inst := range r.insts {
		for _, id := range inst.sched.Pending() {
			pending = append(pending, inst.key(id))
		}
	}
	r.log.Error("scheduling deadlock", "pending", pending)
	return fmt.Errorf("%w: %d unfinished steps with nothing running: %s", ErrSchedulingDeadlock, len(pending), strings.Join(pending, ", "))
}

// dispatch starts every ready step of every instance. Starting a step can
// ready others synchronously (conditional skips, empty scatters), so it
// repeats until nothing new is ready.
func (r *run) dispatch(ctx context.Context) {
	for progress := true; progress && !r.aborted; {
		progress = false
		for i := 0; i < len(r.insts); i++ {
			inst := r.insts[i]
			for _, id := range inst.sched.TakeReady() {
				progress = true
				r.start(ctx, inst, id)
			}
		}
	}
}

func (r *run) start(ctx context.Context, inst *instance, id string) {
	if r.aborted {
		return
	}
	s := inst.sched
	key := inst.key(id)
	if err := s.MarkRunning(id); err != nil {
		r.log.Error("claim step", "step", key, "error", err)
		return
	}
	r.stepStarted(ctx, key)

	step, _ := s.Step(id)
	proc, err := s.StepProcess(id)
	if err != nil {
		r.fail(ctx, inst, id, err)
		return
	}

	var h process.Handle
	if len(step.Scatter) > 0 {
		pre, err := s.Gather(id)
		if err != nil {
			r.fail(ctx, inst, id, err)
			return
		}
		wh, err := r.e.cfg.Factory.Scatter(key, step, proc, pre)
		if err != nil {
			r.fail(ctx, inst, id, err)
			return
		}
		h = wh
	} else {
		in, err := s.ResolveInputs(id)
		if err != nil {
			r.fail(ctx, inst, id, err)
			return
		}
		ok, err := s.When(id, in)
		if err != nil {
			r.fail(ctx, inst, id, err)
			return
		}
		if !ok {
			if err := s.SkipConditional(id); err != nil {
				r.log.Error("skip step", "step", key, "error", err)
				return
			}
			r.log.Info("step skipped", "step", key, "reason", workflow.SkipConditional)
			r.stepEnded(ctx, inst, id)
			r.settle(ctx, inst)
			return
		}
		if h, err = r.e.cfg.Factory.Invoke(key, proc, in); err != nil {
			r.fail(ctx, inst, id, err)
			return
		}
	}

	switch h := h.(type) {
	case *process.JobHandle:
		r.enqueue(ctx, &task{inst: inst, step: id, key: key, job: h.Job, res: h.Job.Resources()})
	case *process.WorkflowHandle:
		child := &instance{prefix: key + "/", sched: h.Scheduler, gather: h.Gather, parent: inst, step: id}
		r.insts = append(r.insts, child)
		r.log.Debug("nested workflow started", "step", key, "steps", len(h.Scheduler.Process().Steps))
		r.settle(ctx, child)
	}
}

func (r *run) enqueue(ctx context.Context, t *task) {
	if !fits(t.res, cwl.Resources{}, r.e.cfg.Budget) {
		r.fail(ctx, t.inst, t.step, &ResourceUnsatisfiableError{Step: t.key, Request: t.res, Budget: r.e.cfg.Budget})
		return
	}
	r.queue = append(r.queue, t)
}

// coreEpsilon absorbs rounding left by adding and releasing fractional
// core reservations.
const coreEpsilon = 1e-9

// fits reports whether req can be granted on top of used. Zero budget
// dimensions are unlimited and zero requests always fit.
func fits(req, used, budget cwl.Resources) bool {
	if req.IsZero() {
		return true
	}
	sum := used.Add(req)
	return (budget.Cores <= 0 || sum.Cores <= budget.Cores+coreEpsilon) &&
		(budget.RAMMiB <= 0 || sum.RAMMiB <= budget.RAMMiB) &&
		(budget.OutdirMiB <= 0 || sum.OutdirMiB <= budget.OutdirMiB) &&
		(budget.TmpdirMiB <= 0 || sum.TmpdirMiB <= budget.TmpdirMiB)
}

// admit scans the queue in readiness order and launches every job that fits
// the remaining budget. Jobs that do not fit keep their place.
func (r *run) admit(ctx context.Context) {
	if len(r.queue) == 0 {
		return
	}
	kept := r.queue[:0]
	for _, t := range r.queue {
		workerFree := r.e.cfg.Workers <= 0 || r.running < r.e.cfg.Workers
		if workerFree && fits(t.res, r.inUse, r.e.cfg.Budget) {
			r.launch(ctx, t)
			continue
		}
		kept = append(kept, t)
	}
	clear(r.queue[len(kept):])
	r.queue = kept
}

func (r *run) launch(ctx context.Context, t *task) {
	r.running++
	r.inUse = r.inUse.Add(t.res)
	r.log.Info("job admitted",
		"step", t.key,
		"job", t.job.ID,
		"attempt", t.job.Attempt,
		"cores", t.res.Cores,
		"ram", humanize.IBytes(mib(t.res.RAMMiB)),
		"running", r.running,
	)
	j := t.job
	go func() {
		err := j.Run(ctx)
		r.done <- completion{t: t, err: err}
	}()
}

func (r *run) finish(ctx context.Context, c completion) {
	t, j := c.t, c.t.job
	r.running--
	r.inUse = r.inUse.Sub(t.res)
	if r.running == 0 {
		r.inUse = cwl.Resources{}
	}
	if err := j.Finalize(); err != nil {
		r.log.Warn("finalize job", "step", t.key, "error", err)
	}

	info := r.info(t.key)
	info.report.Attempts = j.Attempt
	info.report.ExitCode = j.ExitCode()
	info.report.Duration += j.Duration()
	info.report.Resources = t.res

	if c.err == nil {
		if err := t.inst.sched.Complete(t.step, j.Outputs()); err != nil {
			r.log.Error("complete step", "step", t.key, "error", err)
			return
		}
		r.stepEnded(ctx, t.inst, t.step)
		r.settle(ctx, t.inst)
		return
	}

	cause := c.err
	if job.IsTemporary(cause) && !r.aborted && j.Attempt <= r.e.cfg.MaxRetries {
		next, err := j.Retry()
		if err == nil {
			r.log.Warn("temporary failure, retrying", "step", t.key, "attempt", j.Attempt, "error", cause)
			t.job, t.res = next, next.Resources()
			r.queue = append(r.queue, t)
			r.recordStep(ctx, &model.StepRecord{
				RunID:     r.id,
				StepID:    t.key,
				Status:    model.StepRunning,
				Attempts:  j.Attempt,
				ExitCode:  j.ExitCode(),
				Error:     cause.Error(),
				StartedAt: info.started,
			})
			return
		}
		cause = err
	}
	r.fail(ctx, t.inst, t.step, cause)
}

// fail records a step failure, skips its downstream steps and, in strict
// mode, aborts the run.
func (r *run) fail(ctx context.Context, inst *instance, id string, cause error) {
	skipped, err := inst.sched.Fail(id, cause)
	if err != nil {
		r.log.Error("fail step", "step", inst.key(id), "error", err)
		return
	}
	r.log.Warn("step failed", "step", inst.key(id), "error", cause, "skipped", len(skipped))
	r.stepEnded(ctx, inst, id)
	for _, s := range skipped {
		r.stepEnded(ctx, inst, s)
	}
	if r.e.cfg.FailureMode == model.FailStrict {
		r.abort(ctx)
	}
	r.settle(ctx, inst)
}

// abort skips every step that has not started and every queued job.
// Running jobs finish on their own.
func (r *run) abort(ctx context.Context) {
	if r.aborted {
		return
	}
	r.aborted = true
	for _, inst := range r.insts {
		for _, id := range inst.sched.SkipPending() {
			r.stepEnded(ctx, inst, id)
		}
	}
	for _, t := range r.queue {
		if err := t.inst.sched.Cancel(t.step); err != nil {
			r.log.Error("cancel step", "step", t.key, "error", err)
			continue
		}
		r.stepEnded(ctx, t.inst, t.step)
	}
	r.queue = nil
	for i := len(r.insts) - 1; i >= 0; i-- {
		r.settle(ctx, r.insts[i])
	}
}

// settle completes the parent step of a nested instance once every one of
// its steps is terminal.
func (r *run) settle(ctx context.Context, inst *instance) {
	if inst.done || !inst.sched.Terminal() {
		return
	}
	inst.done = true
	p := inst.parent
	if p == nil {
		return
	}
	switch {
	case inst.sched.Failed():
		var failed []string
		for _, st := range inst.sched.States() {
			if st.Status == model.StepFailed {
				failed = append(failed, st.ID)
			}
		}
		r.fail(ctx, p, inst.step, fmt.Errorf("%w: %s", ErrChildFailed, strings.Join(failed, ", ")))
		return
	case r.aborted:
		if err := p.sched.Cancel(inst.step); err != nil {
			r.log.Error("cancel step", "step", p.key(inst.step), "error", err)
			return
		}
	default:
		out, err := inst.gather(inst.sched)
		if err != nil {
			r.fail(ctx, p, inst.step, err)
			return
		}
		if err := p.sched.Complete(inst.step, out); err != nil {
			r.log.Error("complete step", "step", p.key(inst.step), "error", err)
			return
		}
	}
	r.stepEnded(ctx, p, inst.step)
	r.settle(ctx, p)
}

// result builds the Result once the loop has returned.
func (r *run) result(loopErr error) *Result {
	res := &Result{RunID: r.id, Steps: make(map[string]StepReport)}
	succeeded := 0
	for _, inst := range r.insts {
		for _, st := range inst.sched.States() {
			key := inst.key(st.ID)
			rep := r.info(key).report
			rep.Status = st.Status
			rep.Outcome = st.Status.Outcome()
			rep.Reason = st.Reason
			if st.Err != nil {
				rep.Error = st.Err.Error()
			}
			if st.Status == model.StepCompleted {
				succeeded++
			}
			res.Steps[key] = rep
		}
	}

	root := r.root.sched
	switch {
	case loopErr != nil:
		res.Status = model.RunFailed
	case !root.Failed():
		out, err := root.Outputs()
		if err != nil {
			r.log.Error("assemble outputs", "error", err)
			res.Status = model.RunFailed
			break
		}
		res.Status, res.Outputs = model.RunSucceeded, out
	case r.e.cfg.FailureMode == model.FailBestEffort:
		out, err := root.Outputs()
		if err != nil {
			r.log.Warn("assemble partial outputs", "error", err)
		}
		res.Outputs = out
		res.Status = model.RunFailed
		if succeeded > 0 {
			res.Status = model.RunPartiallyFailed
		}
	default:
		res.Status = model.RunFailed
	}
	return res
}

func (r *run) info(key string) *stepInfo {
	i, ok := r.steps[key]
	if !ok {
		i = &stepInfo{}
		r.steps[key] = i
	}
	return i
}

func (r *run) stepStarted(ctx context.Context, key string) {
	now := time.Now()
	info := r.info(key)
	info.started = &now
	r.recordStep(ctx, &model.StepRecord{RunID: r.id, StepID: key, Status: model.StepRunning, StartedAt: &now})
}

func (r *run) stepEnded(ctx context.Context, inst *instance, id string) {
	st, ok := inst.sched.State(id)
	if !ok {
		return
	}
	key := inst.key(id)
	info := r.info(key)
	now := time.Now()
	rec := &model.StepRecord{
		RunID:      r.id,
		StepID:     key,
		Status:     st.Status,
		Attempts:   info.report.Attempts,
		ExitCode:   info.report.ExitCode,
		StartedAt:  info.started,
		FinishedAt: &now,
	}
	if st.Err != nil {
		rec.Error = st.Err.Error()
	}
	r.recordStep(ctx, rec)
}

func (r *run) recordStep(ctx context.Context, rec *model.StepRecord) {
	if err := r.e.cfg.Recorder.StepUpdated(context.WithoutCancel(ctx), rec); err != nil {
		r.log.Warn("record step", "step", rec.StepID, "error", err)
	}
}

func (r *run) recordRun(ctx context.Context, run *model.Run, finished bool) {
	rec := r.e.cfg.Recorder.RunStarted
	if finished {
		rec = r.e.cfg.Recorder.RunFinished
	}
	if err := rec(context.WithoutCancel(ctx), run); err != nil {
		r.log.Warn("record run", "error", err)
	}
}

func (r *run) budgetString() string {
	b := r.e.cfg.Budget
	if b.IsZero() {
		return "unlimited"
	}
	return fmt.Sprintf("cores=%g ram=%s outdir=%s tmpdir=%s",
		b.Cores, humanize.IBytes(mib(b.RAMMiB)), humanize.IBytes(mib(b.OutdirMiB)), humanize.IBytes(mib(b.TmpdirMiB)))
}

func mib(n int64) uint64 {
	if n <= 0 {
		return 0
	}
	return uint64(n) << 20
}
