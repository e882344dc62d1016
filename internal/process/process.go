// Package process turns a process definition and its bound inputs into
// something the executor can track: a job to run, or a nested workflow
// instance to drive.
package process

import (
	"context"
	"fmt"

	"github.com/me/cwlcore/internal/cmdline"
	"github.com/me/cwlcore/internal/cwlexpr"
	"github.com/me/cwlcore/internal/job"
	"github.com/me/cwlcore/internal/workflow"
	"github.com/me/cwlcore/pkg/cwl"
)

// Handle is the result of invoking a process. It is either a *JobHandle or
// a *WorkflowHandle.
type Handle interface {
	Name() string
}

// JobHandle wraps a single job: a command line tool, an expression or an
// operation.
type JobHandle struct {
	Job *job.Job
}

func (h *JobHandle) Name() string { return h.Job.Name }

// WorkflowHandle wraps a nested workflow instance. Gather assembles its
// outputs once every step of Scheduler is terminal.
type WorkflowHandle struct {
	name      string
	Scheduler *workflow.Scheduler
	Gather    func(s *workflow.Scheduler) (map[string]any, error)
}

func (h *WorkflowHandle) Name() string { return h.name }

// Factory invokes processes. Jobs configures every job it creates.
type Factory struct {
	Jobs job.Options
}

// Invoke dispatches on the process kind. Binding failures are returned as
// *cmdline.BindingError.
func (f *Factory) Invoke(name string, proc *cwl.Process, inputs map[string]any) (Handle, error) {
	switch proc.Kind {
	case cwl.KindCommandLineTool:
		j, err := job.New(name, proc, inputs, f.Jobs)
		if err != nil {
			return nil, err
		}
		return &JobHandle{Job: j}, nil

	case cwl.KindExpressionTool:
		bound, err := cmdline.BindInputs(proc, inputs, f.Jobs.FS)
		if err != nil {
			return nil, err
		}
		return &JobHandle{Job: job.NewFunc(name, expressionFunc(proc, bound), f.Jobs)}, nil

	case cwl.KindOperation:
		bound, err := cmdline.BindInputs(proc, inputs, f.Jobs.FS)
		if err != nil {
			return nil, err
		}
		return &JobHandle{Job: job.NewFunc(name, operationFunc(proc, bound), f.Jobs)}, nil

	case cwl.KindWorkflow:
		s, err := workflow.New(proc, inputs, workflow.Options{FS: f.Jobs.FS})
		if err != nil {
			return nil, err
		}
		return &WorkflowHandle{name: name, Scheduler: s, Gather: (*workflow.Scheduler).Outputs}, nil
	}
	return nil, fmt.Errorf("%s: unsupported process class %q", proc.ID, proc.Kind)
}

// expressionFunc evaluates an ExpressionTool. The expression must yield an
// object; its fields matching declared outputs become the outputs.
func expressionFunc(proc *cwl.Process, inputs map[string]any) job.Func {
	return func(ctx context.Context) (map[string]any, error) {
		eval := cwlexpr.NewEvaluator(proc.Effective().ExpressionLib())
		v, err := eval.Evaluate(proc.Expression, cwlexpr.NewContext(inputs))
		if err != nil {
			return nil, fmt.Errorf("evaluate expression: %w", err)
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expression did not return an object, got %T", v)
		}
		out := make(map[string]any, len(proc.Outputs))
		for _, o := range proc.Outputs {
			val := obj[o.ID]
			if val == nil && o.Type.Required() {
				return nil, fmt.Errorf("output %s: %w", o.ID, job.ErrNoMatch)
			}
			out[o.ID] = val
		}
		return out, nil
	}
}

// operationFunc passes through inputs whose id matches a declared output.
// Other outputs are null.
func operationFunc(proc *cwl.Process, inputs map[string]any) job.Func {
	return func(ctx context.Context) (map[string]any, error) {
		out := make(map[string]any, len(proc.Outputs))
		for _, o := range proc.Outputs {
			out[o.ID] = inputs[o.ID]
		}
		return out, nil
	}
}

// AsWorkflow wraps a process that is not a workflow into a one-step workflow
// with the same interface. The step is named after the process.
func AsWorkflow(proc *cwl.Process) *cwl.Process {
	if proc.Kind == cwl.KindWorkflow {
		return proc
	}
	id := proc.ID
	if id == "" {
		id = "main"
	}
	st := cwl.Step{ID: id, Run: proc}
	for _, in := range proc.Inputs {
		st.In = append(st.In, cwl.StepInput{ID: in.ID, Source: []string{in.ID}})
	}
	outputs := make([]cwl.OutputParam, len(proc.Outputs))
	for i, o := range proc.Outputs {
		st.Out = append(st.Out, o.ID)
		outputs[i] = cwl.OutputParam{ID: o.ID, Type: o.Type, OutputSource: []string{id + "/" + o.ID}}
	}
	return &cwl.Process{
		ID:      id,
		Kind:    cwl.KindWorkflow,
		Inputs:  proc.Inputs,
		Outputs: outputs,
		Steps:   []cwl.Step{st},
	}
}
