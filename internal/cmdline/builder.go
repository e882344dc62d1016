// Package cmdline turns a CommandLineTool and its bound inputs into an
// invocation plan: argv, environment, resource request, staging and output
// rules. It evaluates expressions but executes nothing.
package cmdline

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/me/cwlcore/internal/cwlexpr"
	"github.com/me/cwlcore/internal/fsaccess"
	"github.com/me/cwlcore/internal/pathmapper"
	"github.com/me/cwlcore/pkg/cwl"
)

// Dirs are the sandbox directories of one job, each as a host/sandbox pair.
type Dirs struct {
	Out   pathmapper.Mount
	Tmp   pathmapper.Mount
	Stage pathmapper.Mount
}

// Options controls how plans are built.
type Options struct {
	// FS reads files for loadContents. nil means the local filesystem.
	FS fsaccess.FS

	// Container is true when the sandbox is a container runtime.
	// Without it a hard DockerRequirement is a binding error.
	Container bool

	// CopyInputs stages local inputs by copying instead of linking.
	CopyInputs bool

	// DefaultTimeout applies when the tool sets no ToolTimeLimit.
	DefaultTimeout time.Duration
}

// OutputRule tells the collector how to find one output parameter.
type OutputRule struct {
	ID           string
	Type         cwl.Type
	Glob         []string
	LoadContents bool
	OutputEval   string
}

// Plan is a complete, immutable invocation of one tool.
type Plan struct {
	Process *cwl.Process

	Argv  []string
	Shell bool
	Env   map[string]string

	// Stdin is a sandbox path; Stdout and Stderr are names relative to the output directory.
	Stdin  string
	Stdout string
	Stderr string

	Resources cwl.Resources
	Timeout   time.Duration
	Image     string

	Dirs    Dirs
	Mapper  *pathmapper.Mapper
	Inputs  map[string]any
	Outputs []OutputRule

	ExpressionLib []string
}

// CommandLine renders the plan's command for display.
func (p *Plan) CommandLine() string {
	if p.Shell && len(p.Argv) == 3 {
		return p.Argv[2]
	}
	return JoinQuoted(p.Argv)
}

// Runtime returns the runtime object expressions see for this plan.
func (p *Plan) Runtime() *cwlexpr.RuntimeContext {
	return cwlexpr.RuntimeFor(p.Dirs.Out.Target, p.Dirs.Tmp.Target, p.Resources)
}

// Build produces the invocation plan of a CommandLineTool.
// Failures are *BindingError.
func Build(proc *cwl.Process, inputs map[string]any, dirs Dirs, opts Options) (*Plan, error) {
	if proc.Kind != cwl.KindCommandLineTool {
		return nil, &BindingError{Process: proc.ID, Reason: fmt.Sprintf("%s is not a CommandLineTool", proc.Kind)}
	}
	req := proc.Effective()
	if proc.Requirements.Docker != nil && !opts.Container {
		return nil, &BindingError{Process: proc.ID, Param: "DockerRequirement", Reason: "a container runtime is required"}
	}
	eval := cwlexpr.NewEvaluator(req.ExpressionLib())

	bound, err := BindInputs(proc, inputs, opts.FS)
	if err != nil {
		return nil, err
	}

	pre := &cwlexpr.Context{Inputs: bound, Runtime: &cwlexpr.RuntimeContext{OutDir: dirs.Out.Target, TmpDir: dirs.Tmp.Target}}
	res, err := resolveResources(req.Resource, eval, pre)
	if err != nil {
		return nil, &BindingError{Process: proc.ID, Param: "ResourceRequirement", Err: err}
	}

	m := pathmapper.New(pathmapper.Options{
		Stage:  dirs.Stage,
		Mounts: []pathmapper.Mount{dirs.Out, dirs.Tmp},
		Copy:   opts.CopyInputs,
	})
	ids := make([]string, len(proc.Inputs))
	for i, in := range proc.Inputs {
		ids[i] = in.ID
	}
	staged, err := m.MapInputs(ids, bound)
	if err != nil {
		return nil, &BindingError{Process: proc.ID, Reason: "staging", Err: err}
	}

	rt := cwlexpr.RuntimeFor(dirs.Out.Target, dirs.Tmp.Target, res)
	ctx := &cwlexpr.Context{Inputs: staged, Runtime: rt}

	if req.InitialWorkDir != nil {
		staged, err = stageWorkDir(req.InitialWorkDir.Listing, m, eval, ctx, dirs.Out.Target)
		if err != nil {
			return nil, &BindingError{Process: proc.ID, Param: "InitialWorkDirRequirement", Err: err}
		}
		ctx = &cwlexpr.Context{Inputs: staged, Runtime: rt}
	}

	plan := &Plan{
		Process:       proc,
		Resources:     res,
		Dirs:          dirs,
		Mapper:        m,
		Inputs:        staged,
		ExpressionLib: req.ExpressionLib(),
	}
	if req.Docker != nil {
		plan.Image = req.Docker.DockerPull
	}

	if plan.Env, err = buildEnv(req.EnvVar, eval, ctx); err != nil {
		return nil, &BindingError{Process: proc.ID, Param: "EnvVarRequirement", Err: err}
	}

	parts, err := bindParts(proc, eval, ctx)
	if err != nil {
		return nil, err
	}
	plan.Shell = req.ShellCommand != nil
	plan.Argv = assemble(proc.BaseCommand, parts, plan.Shell)
	if len(plan.Argv) == 0 {
		return nil, &BindingError{Process: proc.ID, Reason: "empty command line"}
	}

	if err := plan.bindStreams(eval, ctx); err != nil {
		return nil, err
	}

	timeout, err := resolveTimeout(req.ToolTimeLimit, eval, ctx)
	if err != nil {
		return nil, &BindingError{Process: proc.ID, Param: "ToolTimeLimit", Err: err}
	}
	if timeout == 0 {
		timeout = opts.DefaultTimeout
	}
	plan.Timeout = timeout

	if plan.Outputs, err = plan.outputRules(eval, ctx); err != nil {
		return nil, err
	}
	return plan, nil
}

// BindInputs applies defaults, loads contents and type-checks inputs against
// the process interface. The result holds exactly the declared inputs, with
// unbound optional inputs present as null.
func BindInputs(proc *cwl.Process, inputs map[string]any, fsys fsaccess.FS) (map[string]any, error) {
	if fsys == nil {
		fsys = fsaccess.Local{}
	}
	out := make(map[string]any, len(proc.Inputs))
	for _, in := range proc.Inputs {
		v, ok := inputs[in.ID]
		if !ok || v == nil {
			v = cwl.Clone(in.Default)
		}
		if v == nil && in.Type.Required() {
			return nil, &BindingError{Process: proc.ID, Param: in.ID, Reason: "required input is unbound"}
		}
		if err := checkType(v, in.Type); err != nil {
			return nil, &BindingError{Process: proc.ID, Param: in.ID, Reason: "type mismatch", Err: err}
		}
		if in.LoadContents {
			loaded, err := loadContents(v, fsys)
			if err != nil {
				return nil, &BindingError{Process: proc.ID, Param: in.ID, Reason: "loadContents", Err: err}
			}
			v = loaded
		}
		out[in.ID] = v
	}
	return out, nil
}

// loadContents returns v with contents filled on each top-level File.
func loadContents(v any, fsys fsaccess.FS) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if !cwl.IsFile(val) {
			return v, nil
		}
		if _, ok := val["contents"]; ok {
			return v, nil
		}
		loc, _ := val["location"].(string)
		if loc == "" {
			loc, _ = val["path"].(string)
		}
		text, err := fsaccess.LoadContents(fsys, loc)
		if err != nil {
			return nil, err
		}
		cp := cwl.Clone(val).(map[string]any)
		cp["contents"] = text
		return cp, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := loadContents(item, fsys)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

func buildEnv(req *cwl.EnvVarRequirement, eval *cwlexpr.Evaluator, ctx *cwlexpr.Context) (map[string]string, error) {
	env := make(map[string]string)
	if req != nil {
		for _, def := range req.EnvDef {
			v, err := eval.EvaluateString(def.EnvValue, ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", def.EnvName, err)
			}
			env[def.EnvName] = v
		}
	}
	env["HOME"] = ctx.Runtime.OutDir
	env["TMPDIR"] = ctx.Runtime.TmpDir
	return env, nil
}

func (p *Plan) bindStreams(eval *cwlexpr.Evaluator, ctx *cwlexpr.Context) error {
	proc := p.Process
	var err error
	if proc.Stdin != "" {
		if p.Stdin, err = eval.EvaluateString(proc.Stdin, ctx); err != nil {
			return &BindingError{Process: proc.ID, Param: "stdin", Err: err}
		}
	}
	if proc.Stdout != "" {
		if p.Stdout, err = eval.EvaluateString(proc.Stdout, ctx); err != nil {
			return &BindingError{Process: proc.ID, Param: "stdout", Err: err}
		}
	}
	if proc.Stderr != "" {
		if p.Stderr, err = eval.EvaluateString(proc.Stderr, ctx); err != nil {
			return &BindingError{Process: proc.ID, Param: "stderr", Err: err}
		}
	}
	for _, out := range proc.Outputs {
		switch {
		case out.Type.Base() == cwl.TypeStdout && p.Stdout == "":
			p.Stdout = p.streamName("stdout")
		case out.Type.Base() == cwl.TypeStderr && p.Stderr == "":
			p.Stderr = p.streamName("stderr")
		}
	}
	for name, v := range map[string]string{"stdout": p.Stdout, "stderr": p.Stderr} {
		if v != "" && (path.IsAbs(v) || strings.HasPrefix(path.Clean(v), "..")) {
			return &BindingError{Process: proc.ID, Param: name, Reason: fmt.Sprintf("%q must be relative to the output directory", v)}
		}
	}
	return nil
}

// streamName derives a capture file name from the command so that reruns
// of the same invocation reuse it.
func (p *Plan) streamName(stream string) string {
	h := sha1.New()
	h.Write([]byte(p.Process.ID))
	for _, a := range p.Argv {
		h.Write([]byte{0})
		h.Write([]byte(a))
	}
	return hex.EncodeToString(h.Sum(nil))[:12] + "." + stream
}

func (p *Plan) outputRules(eval *cwlexpr.Evaluator, ctx *cwlexpr.Context) ([]OutputRule, error) {
	rules := make([]OutputRule, 0, len(p.Process.Outputs))
	for _, out := range p.Process.Outputs {
		r := OutputRule{ID: out.ID, Type: out.Type}
		switch out.Type.Base() {
		case cwl.TypeStdout:
			r.Glob = []string{p.Stdout}
		case cwl.TypeStderr:
			r.Glob = []string{p.Stderr}
		}
		if b := out.Binding; b != nil {
			r.LoadContents = b.LoadContents
			r.OutputEval = b.OutputEval
			for _, g := range b.Glob {
				v, err := eval.Evaluate(g, ctx)
				if err != nil {
					return nil, &BindingError{Process: p.Process.ID, Param: out.ID, Reason: "glob", Err: err}
				}
				switch gv := v.(type) {
				case string:
					r.Glob = append(r.Glob, gv)
				case []any:
					for _, item := range gv {
						s, ok := item.(string)
						if !ok {
							return nil, &BindingError{Process: p.Process.ID, Param: out.ID, Reason: fmt.Sprintf("glob item %v is not a string", item)}
						}
						r.Glob = append(r.Glob, s)
					}
				case nil:
				default:
					return nil, &BindingError{Process: p.Process.ID, Param: out.ID, Reason: fmt.Sprintf("glob %v is not a string", v)}
				}
			}
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// SortedEnv returns env as KEY=VALUE pairs in key order.
func SortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + env[k]
	}
	return out
}
