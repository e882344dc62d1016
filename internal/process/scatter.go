package process

import (
	"fmt"
	"slices"

	"github.com/me/cwlcore/internal/workflow"
	"github.com/me/cwlcore/pkg/cwl"
)

// Scatter expands a scattered step into a nested workflow with one shard step
// per input combination. inputs are the step's gathered inputs before
// valueFrom; each shard applies valueFrom and when to its own values. The
// handle's outputs are arrays of shard outputs, nested per scattered input
// for nested_crossproduct.
func (f *Factory) Scatter(name string, step *cwl.Step, proc *cwl.Process, inputs map[string]any) (*WorkflowHandle, error) {
	if len(step.Scatter) == 0 {
		return nil, fmt.Errorf("step %s: no scatter inputs", step.ID)
	}
	method := step.ScatterMethod
	if method == "" {
		if len(step.Scatter) == 1 {
			method = cwl.ScatterDotProduct
		} else {
			method = cwl.ScatterNestedCrossProduct
		}
	}

	arrays := make([][]any, len(step.Scatter))
	dims := make([]int, len(step.Scatter))
	for i, id := range step.Scatter {
		if _, ok := step.Input(id); !ok {
			return nil, fmt.Errorf("step %s: scatter input %q is not a step input", step.ID, id)
		}
		arr, ok := inputs[id].([]any)
		if !ok {
			return nil, fmt.Errorf("step %s: scatter input %q is not an array", step.ID, id)
		}
		arrays[i], dims[i] = arr, len(arr)
	}

	var combos [][]int
	switch method {
	case cwl.ScatterDotProduct:
		for _, d := range dims[1:] {
			if d != dims[0] {
				return nil, fmt.Errorf("step %s: dotproduct scatter inputs have different lengths %v", step.ID, dims)
			}
		}
		for i := 0; i < dims[0]; i++ {
			c := make([]int, len(dims))
			for k := range c {
				c[k] = i
			}
			combos = append(combos, c)
		}
	case cwl.ScatterFlatCrossProduct, cwl.ScatterNestedCrossProduct:
		combos = crossProduct(dims)
	default:
		return nil, fmt.Errorf("step %s: unknown scatter method %q", step.ID, method)
	}

	wf := &cwl.Process{
		ID:   name,
		Kind: cwl.KindWorkflow,
		Requirements: cwl.Requirements{
			InlineJavascript: proc.Effective().InlineJavascript,
		},
	}
	shards := make([]string, len(combos))
	for i, c := range combos {
		shard := cwl.Step{
			ID:   fmt.Sprintf("%s_%d", step.ID, i),
			Run:  proc,
			Out:  step.Out,
			When: step.When,
		}
		for _, in := range step.In {
			v := inputs[in.ID]
			if k := slices.Index(step.Scatter, in.ID); k >= 0 {
				v = arrays[k][c[k]]
			}
			shard.In = append(shard.In, cwl.StepInput{ID: in.ID, Default: v, ValueFrom: in.ValueFrom})
		}
		shards[i] = shard.ID
		wf.Steps = append(wf.Steps, shard)
	}

	s, err := workflow.New(wf, nil, workflow.Options{FS: f.Jobs.FS})
	if err != nil {
		return nil, err
	}
	nested := method == cwl.ScatterNestedCrossProduct
	gather := func(s *workflow.Scheduler) (map[string]any, error) {
		out := make(map[string]any, len(step.Out))
		for _, port := range step.Out {
			flat := make([]any, len(shards))
			for i, id := range shards {
				flat[i] = s.StepOutputs(id)[port]
			}
			if nested {
				out[port] = reshape(flat, dims)
			} else {
				out[port] = flat
			}
		}
		return out, nil
	}
	return &WorkflowHandle{name: name, Scheduler: s, Gather: gather}, nil
}

// crossProduct enumerates every index tuple over dims with the first
// dimension outermost.
func crossProduct(dims []int) [][]int {
	combos := [][]int{{}}
	for _, d := range dims {
		next := make([][]int, 0, len(combos)*d)
		for _, c := range combos {
			for i := 0; i < d; i++ {
				next = append(next, append(slices.Clone(c), i))
			}
		}
		combos = next
	}
	return combos
}

// reshape nests a row-major flat list into len(dims) levels.
func reshape(flat []any, dims []int) []any {
	if len(dims) <= 1 {
		return flat
	}
	out := make([]any, dims[0])
	stride := len(flat) / max(dims[0], 1)
	for i := range out {
		out[i] = reshape(flat[i*stride:(i+1)*stride], dims[1:])
	}
	return out
}
