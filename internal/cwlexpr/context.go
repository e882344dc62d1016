package cwlexpr

import "github.com/me/cwlcore/pkg/cwl"

// Context holds the variables visible to an expression.
type Context struct {
	// Inputs is the inputs object; keys are input parameter IDs.
	Inputs map[string]any

	// Self is the value under transformation: the bound value for valueFrom,
	// the collected files for outputEval.
	Self any

	// Runtime describes the sandbox the job runs in. nil evaluates with the
	// default runtime.
	Runtime *RuntimeContext
}

// RuntimeContext provides runtime information available to expressions.
// See https://www.commonwl.org/v1.2/CommandLineTool.html#Runtime_environment
type RuntimeContext struct {
	OutDir     string `json:"outdir"`
	TmpDir     string `json:"tmpdir"`
	Cores      int    `json:"cores"`
	Ram        int64  `json:"ram"`
	OutdirSize int64  `json:"outdirSize"`
	TmpdirSize int64  `json:"tmpdirSize"`

	// ExitCode is set only while evaluating outputEval.
	ExitCode *int `json:"exitCode,omitempty"`
}

// NewContext creates a context with the given inputs and the default runtime.
func NewContext(inputs map[string]any) *Context {
	return &Context{Inputs: inputs, Runtime: DefaultRuntime()}
}

// WithSelf returns a copy of c with self set.
func (c *Context) WithSelf(self any) *Context {
	cp := *c
	cp.Self = self
	return &cp
}

// WithRuntime returns a copy of c with the runtime set.
func (c *Context) WithRuntime(rt *RuntimeContext) *Context {
	cp := *c
	cp.Runtime = rt
	return &cp
}

// DefaultRuntime returns the runtime used before a reservation is known.
func DefaultRuntime() *RuntimeContext {
	return &RuntimeContext{
		Cores:      cwl.DefaultCoresMin,
		Ram:        cwl.DefaultRAMMin,
		OutdirSize: cwl.DefaultOutdirMin,
		TmpdirSize: cwl.DefaultTmpdirMin,
	}
}

// RuntimeFor builds the runtime object for a job's directories and reservation.
// Fractional core requests round up.
func RuntimeFor(outDir, tmpDir string, res cwl.Resources) *RuntimeContext {
	cores := int(res.Cores)
	if float64(cores) < res.Cores {
		cores++
	}
	return &RuntimeContext{
		OutDir:     outDir,
		TmpDir:     tmpDir,
		Cores:      cores,
		Ram:        res.RAMMiB,
		OutdirSize: res.OutdirMiB,
		TmpdirSize: res.TmpdirMiB,
	}
}

func (r *RuntimeContext) toMap() map[string]any {
	if r == nil {
		r = DefaultRuntime()
	}
	m := map[string]any{
		"outdir":     r.OutDir,
		"tmpdir":     r.TmpDir,
		"cores":      r.Cores,
		"ram":        r.Ram,
		"outdirSize": r.OutdirSize,
		"tmpdirSize": r.TmpdirSize,
	}
	if r.ExitCode != nil {
		m["exitCode"] = *r.ExitCode
	}
	return m
}
