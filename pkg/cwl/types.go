// Package cwl holds the typed process model the engine executes.
// Documents arrive already normalized and validated; nothing here parses CWL syntax.
package cwl

import "strings"

// ProcessKind identifies which variant of Process a definition is.
type ProcessKind string

const (
	KindCommandLineTool ProcessKind = "CommandLineTool"
	KindExpressionTool  ProcessKind = "ExpressionTool"
	KindWorkflow        ProcessKind = "Workflow"
	KindOperation       ProcessKind = "Operation"
)

// Process is an immutable step definition: its interface, requirements and,
// depending on Kind, a command template, an expression or a nested step graph.
type Process struct {
	ID    string      `json:"id" yaml:"id"`
	Kind  ProcessKind `json:"class" yaml:"class"`
	Doc   string      `json:"doc,omitempty" yaml:"doc,omitempty"`
	Label string      `json:"label,omitempty" yaml:"label,omitempty"`

	Inputs  []InputParam  `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs []OutputParam `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	Requirements Requirements `json:"requirements,omitempty" yaml:"requirements,omitempty"`
	Hints        Requirements `json:"hints,omitempty" yaml:"hints,omitempty"`

	// CommandLineTool.
	BaseCommand []string   `json:"baseCommand,omitempty" yaml:"baseCommand,omitempty"`
	Arguments   []Argument `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Stdin       string     `json:"stdin,omitempty" yaml:"stdin,omitempty"`
	Stdout      string     `json:"stdout,omitempty" yaml:"stdout,omitempty"`
	Stderr      string     `json:"stderr,omitempty" yaml:"stderr,omitempty"`

	// SuccessCodes are exit codes that indicate success (default: [0]).
	SuccessCodes []int `json:"successCodes,omitempty" yaml:"successCodes,omitempty"`

	// TemporaryFailCodes are exit codes that indicate a retryable failure.
	TemporaryFailCodes []int `json:"temporaryFailCodes,omitempty" yaml:"temporaryFailCodes,omitempty"`

	// PermanentFailCodes are exit codes that always indicate a permanent failure,
	// even when also listed in SuccessCodes.
	PermanentFailCodes []int `json:"permanentFailCodes,omitempty" yaml:"permanentFailCodes,omitempty"`

	// ExpressionTool.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// Workflow.
	Steps []Step `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// Input returns the declared input with the given id.
func (p *Process) Input(id string) (InputParam, bool) {
	for _, in := range p.Inputs {
		if in.ID == id {
			return in, true
		}
	}
	return InputParam{}, false
}

// Output returns the declared output with the given id.
func (p *Process) Output(id string) (OutputParam, bool) {
	for _, out := range p.Outputs {
		if out.ID == id {
			return out, true
		}
	}
	return OutputParam{}, false
}

// Step returns the workflow step with the given id.
func (p *Process) Step(id string) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// InputParam is a declared input parameter.
type InputParam struct {
	ID      string `json:"id" yaml:"id"`
	Type    Type   `json:"type" yaml:"type"`
	Doc     string `json:"doc,omitempty" yaml:"doc,omitempty"`
	Default any    `json:"default,omitempty" yaml:"default,omitempty"`

	// Binding controls how this parameter appears on the command line.
	Binding *InputBinding `json:"inputBinding,omitempty" yaml:"inputBinding,omitempty"`

	// ItemBinding applies to each element of an array value.
	ItemBinding *InputBinding `json:"itemInputBinding,omitempty" yaml:"itemInputBinding,omitempty"`

	// LoadContents reads up to 64 KiB of a File value into its contents field.
	LoadContents bool `json:"loadContents,omitempty" yaml:"loadContents,omitempty"`
}

// OutputParam is a declared output parameter.
type OutputParam struct {
	ID   string `json:"id" yaml:"id"`
	Type Type   `json:"type" yaml:"type"`
	Doc  string `json:"doc,omitempty" yaml:"doc,omitempty"`

	// Binding selects the output from the sandbox after execution (tools only).
	Binding *OutputBinding `json:"outputBinding,omitempty" yaml:"outputBinding,omitempty"`

	// OutputSource names the step outputs or workflow inputs a workflow output reads.
	OutputSource []string  `json:"outputSource,omitempty" yaml:"outputSource,omitempty"`
	LinkMerge    LinkMerge `json:"linkMerge,omitempty" yaml:"linkMerge,omitempty"`
	PickValue    PickValue `json:"pickValue,omitempty" yaml:"pickValue,omitempty"`
}

// Type is a parameter type in shorthand notation: "File", "string?", "int[]", "File[]?".
type Type string

const (
	TypeAny       Type = "Any"
	TypeNull      Type = "null"
	TypeBoolean   Type = "boolean"
	TypeInt       Type = "int"
	TypeLong      Type = "long"
	TypeFloat     Type = "float"
	TypeDouble    Type = "double"
	TypeString    Type = "string"
	TypeFile      Type = "File"
	TypeDirectory Type = "Directory"
	TypeRecord    Type = "record"
	TypeStdout    Type = "stdout"
	TypeStderr    Type = "stderr"
)

// Optional reports whether null is an accepted value.
func (t Type) Optional() bool {
	return strings.HasSuffix(string(t), "?") || t == TypeNull || t == TypeAny || t == ""
}

// Required is the inverse of Optional.
func (t Type) Required() bool {
	return !t.Optional()
}

// Base strips the optional marker.
func (t Type) Base() Type {
	return Type(strings.TrimSuffix(string(t), "?"))
}

// IsArray reports whether the type is an array type.
func (t Type) IsArray() bool {
	return strings.HasSuffix(string(t.Base()), "[]")
}

// Item returns the element type of an array type, or t itself.
func (t Type) Item() Type {
	b := t.Base()
	if !b.IsArray() {
		return b
	}
	return Type(strings.TrimSuffix(string(b), "[]"))
}

// Leaf strips every array level: "File[][]?" -> "File".
func (t Type) Leaf() Type {
	b := t.Base()
	for b.IsArray() {
		b = b.Item()
	}
	return b
}

// IsFileLike reports whether values of this type carry File or Directory objects.
func (t Type) IsFileLike() bool {
	switch t.Leaf() {
	case TypeFile, TypeDirectory, TypeStdout, TypeStderr:
		return true
	}
	return false
}
