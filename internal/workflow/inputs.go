package workflow

import (
	"errors"
	"fmt"

	"github.com/me/cwlcore/internal/cwlexpr"
	"github.com/me/cwlcore/internal/fsaccess"
	"github.com/me/cwlcore/pkg/cwl"
)

// Gather collects a step's input values before valueFrom: sources merged by
// linkMerge, filtered by pickValue, defaulted and with contents loaded.
func (s *Scheduler) Gather(id string) (map[string]any, error) {
	n, err := s.node(id)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(n.step.In))
	for _, in := range n.step.In {
		v, err := s.merge(in.Source, in.LinkMerge, in.PickValue)
		if err != nil {
			return nil, fmt.Errorf("step %s input %s: %w", id, in.ID, err)
		}
		if v == nil && in.Default != nil {
			v = cwl.Clone(in.Default)
		}
		if in.LoadContents {
			if v, err = s.loadContents(v); err != nil {
				return nil, fmt.Errorf("step %s input %s: %w", id, in.ID, err)
			}
		}
		out[in.ID] = v
	}
	return out, nil
}

// ResolveInputs returns the step's final input object. valueFrom expressions
// see self as the gathered value and inputs as the gathered object.
func (s *Scheduler) ResolveInputs(id string) (map[string]any, error) {
	pre, err := s.Gather(id)
	if err != nil {
		return nil, err
	}
	step, _ := s.Step(id)
	return ApplyValueFrom(step, pre, s.eval)
}

// ApplyValueFrom evaluates the valueFrom expressions of step over gathered
// inputs. pre is not modified.
func ApplyValueFrom(step *cwl.Step, pre map[string]any, eval *cwlexpr.Evaluator) (map[string]any, error) {
	var out map[string]any
	for _, in := range step.In {
		if in.ValueFrom == "" {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(pre))
			for k, v := range pre {
				out[k] = v
			}
		}
		v, err := eval.Evaluate(in.ValueFrom, cwlexpr.NewContext(pre).WithSelf(pre[in.ID]))
		if err != nil {
			return nil, fmt.Errorf("step %s input %s valueFrom: %w", step.ID, in.ID, err)
		}
		out[in.ID] = v
	}
	if out == nil {
		return pre, nil
	}
	return out, nil
}

// When evaluates the step's condition against its resolved inputs.
// A step without a condition always runs.
func (s *Scheduler) When(id string, inputs map[string]any) (bool, error) {
	step, ok := s.Step(id)
	if !ok {
		return false, fmt.Errorf("unknown step %q", id)
	}
	if step.When == "" {
		return true, nil
	}
	ok, err := s.eval.EvaluateBool(step.When, cwlexpr.NewContext(inputs))
	if err != nil {
		return false, fmt.Errorf("step %s when: %w", id, err)
	}
	return ok, nil
}

func (s *Scheduler) sourceValue(src string) any {
	stepID, port := cwl.SplitSource(src)
	if stepID == "" {
		return s.inputs[port]
	}
	return s.nodes[s.index[stepID]].outputs[port]
}

// merge combines source values. A single source without linkMerge passes
// through; otherwise the values form a list, nested or flattened.
func (s *Scheduler) merge(sources []string, lm cwl.LinkMerge, pv cwl.PickValue) (any, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	vals := make([]any, len(sources))
	for i, src := range sources {
		vals[i] = s.sourceValue(src)
	}
	var v any
	switch {
	case len(sources) == 1 && lm == "":
		v = vals[0]
	case lm == cwl.MergeFlattened:
		var flat []any
		for _, e := range vals {
			if items, ok := e.([]any); ok {
				flat = append(flat, items...)
			} else {
				flat = append(flat, e)
			}
		}
		if flat == nil {
			flat = []any{}
		}
		v = flat
	default:
		v = vals
	}
	return Pick(v, pv)
}

// Errors reported by Pick.
var (
	ErrAllNull    = errors.New("all source values are null")
	ErrNotOnlyOne = errors.New("expected exactly one non-null source value")
)

// Pick applies a pickValue rule to a merged value.
func Pick(v any, pv cwl.PickValue) (any, error) {
	if pv == "" {
		return v, nil
	}
	items, ok := v.([]any)
	if !ok {
		items = []any{v}
	}
	nonNull := make([]any, 0, len(items))
	for _, e := range items {
		if e != nil {
			nonNull = append(nonNull, e)
		}
	}
	switch pv {
	case cwl.PickFirstNonNull:
		if len(nonNull) == 0 {
			return nil, ErrAllNull
		}
		return nonNull[0], nil
	case cwl.PickTheOnlyNonNull:
		if len(nonNull) != 1 {
			return nil, fmt.Errorf("%w, got %d", ErrNotOnlyOne, len(nonNull))
		}
		return nonNull[0], nil
	case cwl.PickAllNonNull:
		return nonNull, nil
	}
	return nil, fmt.Errorf("unknown pickValue %q", pv)
}

func (s *Scheduler) loadContents(v any) (any, error) {
	obj, ok := v.(map[string]any)
	if !ok || !cwl.IsFile(obj) {
		return v, nil
	}
	if _, ok := obj["contents"]; ok {
		return v, nil
	}
	loc, _ := obj["location"].(string)
	if loc == "" {
		loc, _ = obj["path"].(string)
	}
	text, err := fsaccess.LoadContents(s.fs, loc)
	if err != nil {
		return nil, err
	}
	cp := cwl.Clone(obj).(map[string]any)
	cp["contents"] = text
	return cp, nil
}
