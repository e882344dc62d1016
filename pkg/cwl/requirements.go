package cwl

// Requirements holds the requirement types the engine acts on. The same struct
// carries hints; requirements take precedence over hints field by field.
// See https://www.commonwl.org/v1.2/CommandLineTool.html#Requirements_and_hints
type Requirements struct {
	Docker           *DockerRequirement           `json:"DockerRequirement,omitempty" yaml:"DockerRequirement,omitempty"`
	Resource         *ResourceRequirement         `json:"ResourceRequirement,omitempty" yaml:"ResourceRequirement,omitempty"`
	InitialWorkDir   *InitialWorkDirRequirement   `json:"InitialWorkDirRequirement,omitempty" yaml:"InitialWorkDirRequirement,omitempty"`
	EnvVar           *EnvVarRequirement           `json:"EnvVarRequirement,omitempty" yaml:"EnvVarRequirement,omitempty"`
	ShellCommand     *ShellCommandRequirement     `json:"ShellCommandRequirement,omitempty" yaml:"ShellCommandRequirement,omitempty"`
	InlineJavascript *InlineJavascriptRequirement `json:"InlineJavascriptRequirement,omitempty" yaml:"InlineJavascriptRequirement,omitempty"`
	ToolTimeLimit    *ToolTimeLimitRequirement    `json:"ToolTimeLimit,omitempty" yaml:"ToolTimeLimit,omitempty"`
}

// DockerRequirement specifies container execution.
type DockerRequirement struct {
	// DockerPull is the image to run (e.g., "ubuntu:24.04").
	DockerPull string `json:"dockerPull,omitempty" yaml:"dockerPull,omitempty"`

	// DockerOutputDirectory overrides the in-container output directory.
	DockerOutputDirectory string `json:"dockerOutputDirectory,omitempty" yaml:"dockerOutputDirectory,omitempty"`
}

// ResourceRequirement specifies compute resource requirements.
// Each field is a number or an expression.
type ResourceRequirement struct {
	CoresMin  any `json:"coresMin,omitempty" yaml:"coresMin,omitempty"`
	CoresMax  any `json:"coresMax,omitempty" yaml:"coresMax,omitempty"`
	RamMin    any `json:"ramMin,omitempty" yaml:"ramMin,omitempty"`
	RamMax    any `json:"ramMax,omitempty" yaml:"ramMax,omitempty"`
	TmpdirMin any `json:"tmpdirMin,omitempty" yaml:"tmpdirMin,omitempty"`
	TmpdirMax any `json:"tmpdirMax,omitempty" yaml:"tmpdirMax,omitempty"`
	OutdirMin any `json:"outdirMin,omitempty" yaml:"outdirMin,omitempty"`
	OutdirMax any `json:"outdirMax,omitempty" yaml:"outdirMax,omitempty"`
}

// InitialWorkDirRequirement lists entries staged into the output directory.
type InitialWorkDirRequirement struct {
	Listing []Dirent `json:"listing" yaml:"listing"`
}

// EnvVarRequirement sets environment variables.
type EnvVarRequirement struct {
	EnvDef []EnvironmentDef `json:"envDef" yaml:"envDef"`
}

// ShellCommandRequirement runs the command line through /bin/sh -c.
type ShellCommandRequirement struct{}

// InlineJavascriptRequirement supplies a library loaded before every expression.
type InlineJavascriptRequirement struct {
	ExpressionLib []string `json:"expressionLib,omitempty" yaml:"expressionLib,omitempty"`
}

// ToolTimeLimitRequirement bounds wall time in seconds; 0 means unlimited.
type ToolTimeLimitRequirement struct {
	Timelimit any `json:"timelimit" yaml:"timelimit"`
}

// Merge returns r with unset fields filled from fallback.
func (r Requirements) Merge(fallback Requirements) Requirements {
	out := r
	if out.Docker == nil {
		out.Docker = fallback.Docker
	}
	if out.Resource == nil {
		out.Resource = fallback.Resource
	}
	if out.InitialWorkDir == nil {
		out.InitialWorkDir = fallback.InitialWorkDir
	}
	if out.EnvVar == nil {
		out.EnvVar = fallback.EnvVar
	}
	if out.ShellCommand == nil {
		out.ShellCommand = fallback.ShellCommand
	}
	if out.InlineJavascript == nil {
		out.InlineJavascript = fallback.InlineJavascript
	}
	if out.ToolTimeLimit == nil {
		out.ToolTimeLimit = fallback.ToolTimeLimit
	}
	return out
}

// Effective returns the process requirements with hints as fallback.
func (p *Process) Effective() Requirements {
	return p.Requirements.Merge(p.Hints)
}

// ExpressionLib returns the InlineJavascript library, if any.
func (r Requirements) ExpressionLib() []string {
	if r.InlineJavascript == nil {
		return nil
	}
	return r.InlineJavascript.ExpressionLib
}

// Inherit pushes a parent's requirements down into a child process that does not
// set them itself, returning a shallow copy of child.
func Inherit(child *Process, parent Requirements) *Process {
	cp := *child
	cp.Requirements = child.Requirements.Merge(parent)
	return &cp
}
