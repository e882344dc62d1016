// Package workflow tracks step readiness for one workflow instance. It owns
// no goroutines and runs nothing: callers take ready steps, invoke them and
// report back.
package workflow

import (
	"fmt"
	"slices"

	"github.com/me/cwlcore/internal/cmdline"
	"github.com/me/cwlcore/internal/cwlexpr"
	"github.com/me/cwlcore/internal/fsaccess"
	"github.com/me/cwlcore/pkg/cwl"
	"github.com/me/cwlcore/pkg/model"
)

// SkipReason distinguishes why a step was skipped.
type SkipReason string

const (
	SkipConditional SkipReason = "conditional"
	SkipUpstream    SkipReason = "upstream-failure"
	SkipCancelled   SkipReason = "cancelled"
)

// Options configures a scheduler.
type Options struct {
	// FS reads files for step input loadContents. nil means the local filesystem.
	FS fsaccess.FS
}

// StepState is the externally visible state of one step.
type StepState struct {
	ID     string
	Status model.StepStatus
	Reason SkipReason
	Err    error
}

// node is one step. Edges are stored as indexes into Scheduler.nodes.
type node struct {
	step      *cwl.Step
	status    model.StepStatus
	reason    SkipReason
	err       error
	producers []int
	consumers []int
	pending   int
	outputs   map[string]any
}

// Scheduler is the readiness state of one workflow instance.
// It is not safe for concurrent use.
type Scheduler struct {
	proc   *cwl.Process
	inputs map[string]any
	nodes  []node
	index  map[string]int
	queue  []int
	eval   *cwlexpr.Evaluator
	fs     fsaccess.FS
}

// New validates the step graph's wiring, binds the workflow inputs and marks
// every step without producers ready. Cycles are not detected here; their
// steps simply never become ready.
func New(proc *cwl.Process, inputs map[string]any, opts Options) (*Scheduler, error) {
	if proc.Kind != cwl.KindWorkflow {
		return nil, fmt.Errorf("%s is a %s, not a Workflow", proc.ID, proc.Kind)
	}
	fsys := opts.FS
	if fsys == nil {
		fsys = fsaccess.Local{}
	}
	bound, err := cmdline.BindInputs(proc, inputs, fsys)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		proc:   proc,
		inputs: bound,
		nodes:  make([]node, len(proc.Steps)),
		index:  make(map[string]int, len(proc.Steps)),
		eval:   cwlexpr.NewEvaluator(proc.Effective().ExpressionLib()),
		fs:     fsys,
	}
	for i := range proc.Steps {
		st := &proc.Steps[i]
		if _, dup := s.index[st.ID]; dup {
			return nil, fmt.Errorf("workflow %s: duplicate step %q", proc.ID, st.ID)
		}
		if st.Run == nil {
			return nil, fmt.Errorf("workflow %s: step %s has no process", proc.ID, st.ID)
		}
		s.index[st.ID] = i
		s.nodes[i] = node{step: st, status: model.StepWaiting}
	}

	for i := range s.nodes {
		n := &s.nodes[i]
		seen := make(map[int]bool)
		for _, in := range n.step.In {
			for _, src := range in.Source {
				p, err := s.resolveSource(src)
				if err != nil {
					return nil, fmt.Errorf("workflow %s: step %s input %s: %w", proc.ID, n.step.ID, in.ID, err)
				}
				if p < 0 || seen[p] {
					continue
				}
				seen[p] = true
				n.producers = append(n.producers, p)
				s.nodes[p].consumers = append(s.nodes[p].consumers, i)
			}
		}
		n.pending = len(n.producers)
	}
	for _, out := range proc.Outputs {
		for _, src := range out.OutputSource {
			if _, err := s.resolveSource(src); err != nil {
				return nil, fmt.Errorf("workflow %s: output %s: %w", proc.ID, out.ID, err)
			}
		}
	}

	for i := range s.nodes {
		if s.nodes[i].pending == 0 {
			s.markReady(i)
		}
	}
	return s, nil
}

// resolveSource returns the producing step index, or -1 for a workflow input.
func (s *Scheduler) resolveSource(src string) (int, error) {
	stepID, port := cwl.SplitSource(src)
	if stepID == "" {
		if _, ok := s.proc.Input(port); !ok {
			return 0, fmt.Errorf("unknown source %q", src)
		}
		return -1, nil
	}
	p, ok := s.index[stepID]
	if !ok {
		return 0, fmt.Errorf("unknown step in source %q", src)
	}
	if !slices.Contains(s.nodes[p].step.Out, port) {
		return 0, fmt.Errorf("step %s has no output %q", stepID, port)
	}
	return p, nil
}

// Process returns the workflow definition.
func (s *Scheduler) Process() *cwl.Process { return s.proc }

// Inputs returns the bound workflow inputs.
func (s *Scheduler) Inputs() map[string]any { return s.inputs }

func (s *Scheduler) node(id string) (*node, error) {
	i, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: unknown step %q", s.proc.ID, id)
	}
	return &s.nodes[i], nil
}

func (s *Scheduler) set(n *node, to model.StepStatus) error {
	if !n.status.CanTransitionTo(to) {
		return &model.InvalidTransitionError{Entity: "step", ID: n.step.ID, From: string(n.status), To: string(to)}
	}
	n.status = to
	return nil
}

func (s *Scheduler) markReady(i int) {
	s.nodes[i].status = model.StepReady
	s.queue = append(s.queue, i)
}

// TakeReady returns the steps that became ready since the last call, in the
// order they became ready.
func (s *Scheduler) TakeReady() []string {
	ids := make([]string, 0, len(s.queue))
	for _, i := range s.queue {
		if s.nodes[i].status == model.StepReady {
			ids = append(ids, s.nodes[i].step.ID)
		}
	}
	s.queue = s.queue[:0]
	return ids
}

// Step returns the step definition.
func (s *Scheduler) Step(id string) (*cwl.Step, bool) {
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.nodes[i].step, true
}

// StepProcess returns the step's process with the workflow's and the step's
// requirements inherited.
func (s *Scheduler) StepProcess(id string) (*cwl.Process, error) {
	n, err := s.node(id)
	if err != nil {
		return nil, err
	}
	st := n.step
	p := cwl.Inherit(st.Run, st.Requirements.Merge(s.proc.Requirements))
	p.Hints = p.Hints.Merge(st.Hints.Merge(s.proc.Hints))
	return p, nil
}

// MarkRunning claims a ready step for invocation.
func (s *Scheduler) MarkRunning(id string) error {
	n, err := s.node(id)
	if err != nil {
		return err
	}
	return s.set(n, model.StepRunning)
}

// Complete records a step's outputs and readies the consumers whose
// producers are now all done.
func (s *Scheduler) Complete(id string, outputs map[string]any) error {
	n, err := s.node(id)
	if err != nil {
		return err
	}
	if err := s.set(n, model.StepCompleted); err != nil {
		return err
	}
	n.outputs = make(map[string]any, len(n.step.Out))
	for _, out := range n.step.Out {
		n.outputs[out] = outputs[out]
	}
	s.release(s.index[id])
	return nil
}

// SkipConditional records a step whose when condition was false. Its outputs
// are null and its consumers still run.
func (s *Scheduler) SkipConditional(id string) error {
	n, err := s.node(id)
	if err != nil {
		return err
	}
	if err := s.set(n, model.StepSkipped); err != nil {
		return err
	}
	n.reason = SkipConditional
	n.outputs = make(map[string]any, len(n.step.Out))
	for _, out := range n.step.Out {
		n.outputs[out] = nil
	}
	s.release(s.index[id])
	return nil
}

// Fail records a failed step and skips everything downstream of it.
// It returns the ids of the skipped steps.
func (s *Scheduler) Fail(id string, cause error) ([]string, error) {
	n, err := s.node(id)
	if err != nil {
		return nil, err
	}
	if err := s.set(n, model.StepFailed); err != nil {
		return nil, err
	}
	n.err = cause
	var skipped []string
	s.skipDownstream(s.index[id], &skipped)
	return skipped, nil
}

// Cancel skips a step that was claimed but will not be run.
func (s *Scheduler) Cancel(id string) error {
	n, err := s.node(id)
	if err != nil {
		return err
	}
	if err := s.set(n, model.StepSkipped); err != nil {
		return err
	}
	n.reason = SkipCancelled
	return nil
}

// SkipPending skips every step that has not started and returns their ids.
func (s *Scheduler) SkipPending() []string {
	var ids []string
	for i := range s.nodes {
		n := &s.nodes[i]
		if n.status == model.StepWaiting || n.status == model.StepReady {
			n.status = model.StepSkipped
			n.reason = SkipCancelled
			ids = append(ids, n.step.ID)
		}
	}
	s.queue = s.queue[:0]
	return ids
}

// release counts a finished producer against its direct consumers.
func (s *Scheduler) release(i int) {
	for _, c := range s.nodes[i].consumers {
		cn := &s.nodes[c]
		cn.pending--
		if cn.pending == 0 && cn.status == model.StepWaiting {
			s.markReady(c)
		}
	}
}

func (s *Scheduler) skipDownstream(i int, skipped *[]string) {
	for _, c := range s.nodes[i].consumers {
		cn := &s.nodes[c]
		if cn.status != model.StepWaiting && cn.status != model.StepReady {
			continue
		}
		cn.status = model.StepSkipped
		cn.reason = SkipUpstream
		*skipped = append(*skipped, cn.step.ID)
		s.skipDownstream(c, skipped)
	}
}

// Terminal reports whether every step has finished.
func (s *Scheduler) Terminal() bool {
	for i := range s.nodes {
		if !s.nodes[i].status.IsTerminal() {
			return false
		}
	}
	return true
}

// Failed reports whether any step failed.
func (s *Scheduler) Failed() bool {
	for i := range s.nodes {
		if s.nodes[i].status == model.StepFailed {
			return true
		}
	}
	return false
}

// Pending returns the steps that have not finished, in declaration order.
func (s *Scheduler) Pending() []string {
	var ids []string
	for i := range s.nodes {
		if !s.nodes[i].status.IsTerminal() {
			ids = append(ids, s.nodes[i].step.ID)
		}
	}
	return ids
}

// States returns every step's state in declaration order.
func (s *Scheduler) States() []StepState {
	out := make([]StepState, len(s.nodes))
	for i := range s.nodes {
		n := &s.nodes[i]
		out[i] = StepState{ID: n.step.ID, Status: n.status, Reason: n.reason, Err: n.err}
	}
	return out
}

// State returns one step's state.
func (s *Scheduler) State(id string) (StepState, bool) {
	i, ok := s.index[id]
	if !ok {
		return StepState{}, false
	}
	n := &s.nodes[i]
	return StepState{ID: n.step.ID, Status: n.status, Reason: n.reason, Err: n.err}, true
}

// Statuses maps step ids to their status.
func (s *Scheduler) Statuses() map[string]model.StepStatus {
	out := make(map[string]model.StepStatus, len(s.nodes))
	for i := range s.nodes {
		out[s.nodes[i].step.ID] = s.nodes[i].status
	}
	return out
}

// StepOutputs returns the recorded outputs of a completed or conditionally
// skipped step, nil otherwise.
func (s *Scheduler) StepOutputs(id string) map[string]any {
	i, ok := s.index[id]
	if !ok {
		return nil
	}
	return s.nodes[i].outputs
}

// Outputs assembles the workflow outputs from their sources. Sources that
// never produced a value contribute null.
func (s *Scheduler) Outputs() (map[string]any, error) {
	out := make(map[string]any, len(s.proc.Outputs))
	for _, o := range s.proc.Outputs {
		v, err := s.merge(o.OutputSource, o.LinkMerge, o.PickValue)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: output %s: %w", s.proc.ID, o.ID, err)
		}
		out[o.ID] = v
	}
	return out, nil
}
