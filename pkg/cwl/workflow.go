package cwl

// LinkMerge controls how multiple sources feeding one sink are combined.
type LinkMerge string

const (
	MergeNested    LinkMerge = "merge_nested"
	MergeFlattened LinkMerge = "merge_flattened"
)

// PickValue filters null entries out of a multi-source value.
type PickValue string

const (
	PickFirstNonNull   PickValue = "first_non_null"
	PickTheOnlyNonNull PickValue = "the_only_non_null"
	PickAllNonNull     PickValue = "all_non_null"
)

// ScatterMethod controls how multiple scattered inputs are combined.
type ScatterMethod string

const (
	ScatterDotProduct         ScatterMethod = "dotproduct"
	ScatterNestedCrossProduct ScatterMethod = "nested_crossproduct"
	ScatterFlatCrossProduct   ScatterMethod = "flat_crossproduct"
)

// Step is a workflow node: a process invocation with its input wiring.
type Step struct {
	ID  string      `json:"id" yaml:"id"`
	Run *Process    `json:"run" yaml:"run"`
	In  []StepInput `json:"in,omitempty" yaml:"in,omitempty"`
	Out []string    `json:"out,omitempty" yaml:"out,omitempty"`

	// When is a boolean expression; a false result skips the step.
	When string `json:"when,omitempty" yaml:"when,omitempty"`

	Scatter       []string      `json:"scatter,omitempty" yaml:"scatter,omitempty"`
	ScatterMethod ScatterMethod `json:"scatterMethod,omitempty" yaml:"scatterMethod,omitempty"`

	Requirements Requirements `json:"requirements,omitempty" yaml:"requirements,omitempty"`
	Hints        Requirements `json:"hints,omitempty" yaml:"hints,omitempty"`
}

// StepInput binds one input of the step's process.
// Sources are "inputId" (a workflow input) or "stepId/outputId".
type StepInput struct {
	ID           string    `json:"id" yaml:"id"`
	Source       []string  `json:"source,omitempty" yaml:"source,omitempty"`
	Default      any       `json:"default,omitempty" yaml:"default,omitempty"`
	ValueFrom    string    `json:"valueFrom,omitempty" yaml:"valueFrom,omitempty"`
	LinkMerge    LinkMerge `json:"linkMerge,omitempty" yaml:"linkMerge,omitempty"`
	PickValue    PickValue `json:"pickValue,omitempty" yaml:"pickValue,omitempty"`
	LoadContents bool      `json:"loadContents,omitempty" yaml:"loadContents,omitempty"`
}

// SplitSource splits "step/output" into its parts. A source without a slash
// refers to a workflow input and returns an empty step.
func SplitSource(src string) (step, port string) {
	for i := len(src) - 1; i >= 0; i-- {
		if src[i] == '/' {
			return src[:i], src[i+1:]
		}
	}
	return "", src
}

// Input returns the step input with the given id.
func (s *Step) Input(id string) (StepInput, bool) {
	for _, in := range s.In {
		if in.ID == id {
			return in, true
		}
	}
	return StepInput{}, false
}
