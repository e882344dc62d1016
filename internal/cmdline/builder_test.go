package cmdline

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/me/cwlcore/internal/pathmapper"
	"github.com/me/cwlcore/pkg/cwl"
)

func testDirs() Dirs {
	return Dirs{
		Out:   pathmapper.Mount{Host: "/host/out", Target: "/var/spool/cwl"},
		Tmp:   pathmapper.Mount{Host: "/host/tmp", Target: "/tmp"},
		Stage: pathmapper.Mount{Host: "/host/stage", Target: "/var/lib/cwl"},
	}
}

func bind(pos int, prefix string) *cwl.InputBinding {
	return &cwl.InputBinding{Position: pos, Prefix: prefix}
}

func mustBuild(t *testing.T, proc *cwl.Process, inputs map[string]any) *Plan {
	t.Helper()
	plan, err := Build(proc, inputs, testDirs(), Options{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return plan
}

func TestBuild_SimpleCommand(t *testing.T) {
	proc := &cwl.Process{
		ID:          "echo",
		Kind:        cwl.KindCommandLineTool,
		BaseCommand: []string{"echo"},
		Inputs: []cwl.InputParam{
			{ID: "message", Type: "string", Binding: bind(1, "")},
		},
	}
	plan := mustBuild(t, proc, map[string]any{"message": "hello world"})
	want := []string{"echo", "hello world"}
	if !reflect.DeepEqual(plan.Argv, want) {
		t.Errorf("Argv = %v, want %v", plan.Argv, want)
	}
	if got := plan.CommandLine(); got != "echo 'hello world'" {
		t.Errorf("CommandLine() = %q", got)
	}
}

func TestBuild_PositionOrderingStable(t *testing.T) {
	proc := &cwl.Process{
		ID:          "tool",
		Kind:        cwl.KindCommandLineTool,
		BaseCommand: []string{"tool"},
		Arguments: []cwl.Argument{
			{ValueFrom: "--arg-first"},
			{Position: 2, ValueFrom: "two"},
		},
		Inputs: []cwl.InputParam{
			{ID: "z", Type: "string", Binding: bind(1, "")},
			{ID: "a", Type: "string", Binding: bind(1, "")},
			{ID: "b", Type: "int", Binding: bind(0, "-b")},
			{ID: "unbound", Type: "string"},
		},
	}
	plan := mustBuild(t, proc, map[string]any{"z": "Z", "a": "A", "b": 3, "unbound": "x"})
	want := []string{"tool", "--arg-first", "-b", "3", "Z", "A", "two"}
	if !reflect.DeepEqual(plan.Argv, want) {
		t.Errorf("Argv = %v, want %v", plan.Argv, want)
	}
}

func TestBuild_BindingForms(t *testing.T) {
	no := false
	tests := []struct {
		name  string
		param cwl.InputParam
		value any
		want  []string
	}{
		{"prefix separate", cwl.InputParam{ID: "x", Type: "int", Binding: bind(1, "-t")}, 4, []string{"-t", "4"}},
		{"prefix joined", cwl.InputParam{ID: "x", Type: "string", Binding: &cwl.InputBinding{Prefix: "--k=", Separate: &no}}, "v", []string{"--k=v"}},
		{"bool true", cwl.InputParam{ID: "x", Type: "boolean", Binding: bind(1, "-v")}, true, []string{"-v"}},
		{"bool false", cwl.InputParam{ID: "x", Type: "boolean", Binding: bind(1, "-v")}, false, nil},
		{"null optional", cwl.InputParam{ID: "x", Type: "string?", Binding: bind(1, "-o")}, nil, nil},
		{"array separator", cwl.InputParam{ID: "x", Type: "string[]", Binding: &cwl.InputBinding{Prefix: "-l", ItemSeparator: ","}}, []any{"a", "b"}, []string{"-l", "a,b"}},
		{"array prefix once", cwl.InputParam{ID: "x", Type: "string[]", Binding: bind(1, "-l")}, []any{"a", "b"}, []string{"-l", "a", "b"}},
		{"array item binding", cwl.InputParam{ID: "x", Type: "int[]", Binding: bind(1, ""), ItemBinding: &cwl.InputBinding{Prefix: "-i"}}, []any{1, 2}, []string{"-i", "1", "-i", "2"}},
		{"empty array", cwl.InputParam{ID: "x", Type: "string[]", Binding: bind(1, "-l")}, []any{}, nil},
		{"valueFrom", cwl.InputParam{ID: "x", Type: "int", Binding: &cwl.InputBinding{ValueFrom: "$(self * 10)"}}, 3, []string{"30"}},
		{"float", cwl.InputParam{ID: "x", Type: "double", Binding: bind(1, "")}, 0.5, []string{"0.5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &cwl.Process{
				ID:          "t",
				Kind:        cwl.KindCommandLineTool,
				BaseCommand: []string{"cmd"},
				Inputs:      []cwl.InputParam{tt.param},
			}
			plan := mustBuild(t, proc, map[string]any{"x": tt.value})
			want := append([]string{"cmd"}, tt.want...)
			if !reflect.DeepEqual(plan.Argv, want) {
				t.Errorf("Argv = %q, want %q", plan.Argv, want)
			}
		})
	}
}

func TestBuild_Defaults(t *testing.T) {
	proc := &cwl.Process{
		ID:          "t",
		Kind:        cwl.KindCommandLineTool,
		BaseCommand: []string{"cmd"},
		Inputs: []cwl.InputParam{
			{ID: "n", Type: "int", Default: 7, Binding: bind(1, "-n")},
		},
	}
	plan := mustBuild(t, proc, nil)
	if !reflect.DeepEqual(plan.Argv, []string{"cmd", "-n", "7"}) {
		t.Errorf("Argv = %v", plan.Argv)
	}
	if plan.Inputs["n"] != 7 {
		t.Errorf("Inputs[n] = %v", plan.Inputs["n"])
	}
}

func TestBuild_BindingErrors(t *testing.T) {
	base := func(params ...cwl.InputParam) *cwl.Process {
		return &cwl.Process{ID: "t", Kind: cwl.KindCommandLineTool, BaseCommand: []string{"cmd"}, Inputs: params}
	}
	tests := []struct {
		name   string
		proc   *cwl.Process
		inputs map[string]any
		param  string
	}{
		{"missing required", base(cwl.InputParam{ID: "f", Type: "File"}), nil, "f"},
		{"type mismatch", base(cwl.InputParam{ID: "n", Type: "int"}), map[string]any{"n": "seven"}, "n"},
		{"array item mismatch", base(cwl.InputParam{ID: "l", Type: "int[]"}), map[string]any{"l": []any{1, "x"}}, "l"},
		{"file expected", base(cwl.InputParam{ID: "f", Type: "File"}), map[string]any{"f": "/path"}, "f"},
		{"bad expression", &cwl.Process{
			ID: "t", Kind: cwl.KindCommandLineTool, BaseCommand: []string{"cmd"},
			Arguments: []cwl.Argument{{ValueFrom: "$(inputs.nope.deeper)"}},
		}, nil, "arguments[0]"},
		{"resource min over max", &cwl.Process{
			ID: "t", Kind: cwl.KindCommandLineTool, BaseCommand: []string{"cmd"},
			Requirements: cwl.Requirements{Resource: &cwl.ResourceRequirement{CoresMin: 4, CoresMax: 2}},
		}, nil, "ResourceRequirement"},
		{"docker without container", &cwl.Process{
			ID: "t", Kind: cwl.KindCommandLineTool, BaseCommand: []string{"cmd"},
			Requirements: cwl.Requirements{Docker: &cwl.DockerRequirement{DockerPull: "alpine"}},
		}, nil, "DockerRequirement"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.proc, tt.inputs, testDirs(), Options{})
			var be *BindingError
			if !errors.As(err, &be) {
				t.Fatalf("err = %v, want *BindingError", err)
			}
			if be.Param != tt.param {
				t.Errorf("Param = %q, want %q (%v)", be.Param, tt.param, err)
			}
		})
	}
}

func TestBuild_Resources(t *testing.T) {
	tests := []struct {
		name string
		rr   *cwl.ResourceRequirement
		want cwl.Resources
	}{
		{"defaults", nil, cwl.Resources{Cores: 1, RAMMiB: 256, OutdirMiB: 1024, TmpdirMiB: 1024}},
		{"min wins", &cwl.ResourceRequirement{CoresMin: 2, CoresMax: 8, RamMin: 1000}, cwl.Resources{Cores: 2, RAMMiB: 1000, OutdirMiB: 1024, TmpdirMiB: 1024}},
		{"max only", &cwl.ResourceRequirement{RamMax: 512}, cwl.Resources{Cores: 1, RAMMiB: 512, OutdirMiB: 1024, TmpdirMiB: 1024}},
		{"expression", &cwl.ResourceRequirement{CoresMin: "$(inputs.threads)", TmpdirMin: 10.2}, cwl.Resources{Cores: 3, RAMMiB: 256, OutdirMiB: 1024, TmpdirMiB: 11}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &cwl.Process{
				ID: "t", Kind: cwl.KindCommandLineTool, BaseCommand: []string{"cmd"},
				Inputs: []cwl.InputParam{{ID: "threads", Type: "int", Default: 3}},
			}
			if tt.rr != nil {
				proc.Hints.Resource = tt.rr
			}
			plan := mustBuild(t, proc, nil)
			if plan.Resources != tt.want {
				t.Errorf("Resources = %v, want %v", plan.Resources, tt.want)
			}
		})
	}
}

func TestBuild_ShellCommand(t *testing.T) {
	no := false
	proc := &cwl.Process{
		ID:           "t",
		Kind:         cwl.KindCommandLineTool,
		BaseCommand:  []string{"echo"},
		Requirements: cwl.Requirements{ShellCommand: &cwl.ShellCommandRequirement{}},
		Arguments: []cwl.Argument{
			{Position: 2, ValueFrom: "|", ShellQuote: &no},
			{Position: 3, ValueFrom: "wc"},
		},
		Inputs: []cwl.InputParam{{ID: "msg", Type: "string", Binding: bind(1, "")}},
	}
	plan := mustBuild(t, proc, map[string]any{"msg": "it's here"})
	want := []string{"/bin/sh", "-c", `echo 'it'\''s here' | wc`}
	if !reflect.DeepEqual(plan.Argv, want) {
		t.Errorf("Argv = %q, want %q", plan.Argv, want)
	}
}

func TestBuild_EnvAndRuntime(t *testing.T) {
	proc := &cwl.Process{
		ID:          "t",
		Kind:        cwl.KindCommandLineTool,
		BaseCommand: []string{"env"},
		Inputs:      []cwl.InputParam{{ID: "name", Type: "string"}},
		Requirements: cwl.Requirements{EnvVar: &cwl.EnvVarRequirement{EnvDef: []cwl.EnvironmentDef{
			{EnvName: "SAMPLE", EnvValue: "$(inputs.name)"},
			{EnvName: "HOME", EnvValue: "/root"},
		}}},
	}
	plan := mustBuild(t, proc, map[string]any{"name": "s1"})
	want := map[string]string{"SAMPLE": "s1", "HOME": "/var/spool/cwl", "TMPDIR": "/tmp"}
	if !reflect.DeepEqual(plan.Env, want) {
		t.Errorf("Env = %v, want %v", plan.Env, want)
	}
	if got := SortedEnv(plan.Env); got[0] != "HOME=/var/spool/cwl" {
		t.Errorf("SortedEnv = %v", got)
	}
}

func TestBuild_FilesRewrittenToStage(t *testing.T) {
	proc := &cwl.Process{
		ID:          "cat",
		Kind:        cwl.KindCommandLineTool,
		BaseCommand: []string{"cat"},
		Inputs:      []cwl.InputParam{{ID: "f", Type: "File", Binding: bind(1, "")}},
		Outputs:     []cwl.OutputParam{{ID: "out", Type: "stdout"}},
	}
	plan := mustBuild(t, proc, map[string]any{"f": cwl.NewFile("/data/in.txt")})
	if plan.Argv[1] != "/var/lib/cwl/in000/in.txt" {
		t.Errorf("Argv = %v", plan.Argv)
	}
	if plan.Stdout == "" || !strings.HasSuffix(plan.Stdout, ".stdout") {
		t.Errorf("Stdout = %q, want generated name", plan.Stdout)
	}
	if !reflect.DeepEqual(plan.Outputs[0].Glob, []string{plan.Stdout}) {
		t.Errorf("stdout glob = %v", plan.Outputs[0].Glob)
	}
	again := mustBuild(t, proc, map[string]any{"f": cwl.NewFile("/data/in.txt")})
	if again.Stdout != plan.Stdout {
		t.Errorf("stdout name not deterministic: %s vs %s", again.Stdout, plan.Stdout)
	}
	if entries := plan.Mapper.Entries(); len(entries) != 1 || entries[0].Action != pathmapper.ActionLink {
		t.Errorf("entries = %+v", entries)
	}
}

func TestBuild_StreamsMustBeRelative(t *testing.T) {
	proc := &cwl.Process{ID: "t", Kind: cwl.KindCommandLineTool, BaseCommand: []string{"ls"}, Stdout: "/etc/passwd"}
	_, err := Build(proc, nil, testDirs(), Options{})
	var be *BindingError
	if !errors.As(err, &be) || be.Param != "stdout" {
		t.Errorf("err = %v, want stdout BindingError", err)
	}
}

func TestBuild_InitialWorkDir(t *testing.T) {
	proc := &cwl.Process{
		ID:          "t",
		Kind:        cwl.KindCommandLineTool,
		BaseCommand: []string{"sh", "run.sh"},
		Inputs:      []cwl.InputParam{{ID: "f", Type: "File"}, {ID: "n", Type: "int"}},
		Requirements: cwl.Requirements{InitialWorkDir: &cwl.InitialWorkDirRequirement{Listing: []cwl.Dirent{
			{Entryname: "run.sh", Entry: "echo $(inputs.n)"},
			{Entry: "$(inputs.f)", Writable: true},
		}}},
		Arguments: []cwl.Argument{{ValueFrom: "$(inputs.f.path)"}},
	}
	plan := mustBuild(t, proc, map[string]any{"f": cwl.NewFile("/data/x.txt"), "n": 2})

	byTarget := map[string]pathmapper.Entry{}
	for _, e := range plan.Mapper.Entries() {
		byTarget[e.Target] = e
	}
	script, ok := byTarget["/var/spool/cwl/run.sh"]
	if !ok || script.Action != pathmapper.ActionLiteral || script.Contents != "echo 2" {
		t.Errorf("run.sh entry = %+v", script)
	}
	if script.Staged != "/host/out/run.sh" {
		t.Errorf("run.sh staged at %s", script.Staged)
	}
	f, ok := byTarget["/var/spool/cwl/x.txt"]
	if !ok || f.Action != pathmapper.ActionCopy || !f.Writable {
		t.Errorf("x.txt entry = %+v", f)
	}
	if got := plan.Inputs["f"].(map[string]any)["path"]; got != "/var/spool/cwl/x.txt" {
		t.Errorf("inputs.f.path = %v", got)
	}
	if plan.Argv[len(plan.Argv)-1] != "/var/spool/cwl/x.txt" {
		t.Errorf("Argv = %v", plan.Argv)
	}
}

func TestBuild_GlobAndTimeout(t *testing.T) {
	proc := &cwl.Process{
		ID:           "t",
		Kind:         cwl.KindCommandLineTool,
		BaseCommand:  []string{"touch"},
		Inputs:       []cwl.InputParam{{ID: "name", Type: "string"}},
		Requirements: cwl.Requirements{ToolTimeLimit: &cwl.ToolTimeLimitRequirement{Timelimit: 30}},
		Outputs: []cwl.OutputParam{{
			ID:      "out",
			Type:    "File",
			Binding: &cwl.OutputBinding{Glob: []string{"$(inputs.name).txt", "literal.txt"}, LoadContents: true},
		}},
	}
	plan := mustBuild(t, proc, map[string]any{"name": "r"})
	if !reflect.DeepEqual(plan.Outputs[0].Glob, []string{"r.txt", "literal.txt"}) {
		t.Errorf("Glob = %v", plan.Outputs[0].Glob)
	}
	if !plan.Outputs[0].LoadContents {
		t.Error("LoadContents not carried")
	}
	if plan.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v", plan.Timeout)
	}

	proc.Requirements.ToolTimeLimit = nil
	plan, err := Build(proc, map[string]any{"name": "r"}, testDirs(), Options{DefaultTimeout: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Timeout != time.Minute {
		t.Errorf("default Timeout = %v", plan.Timeout)
	}
}

func TestBindInputs_LoadContents(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "n.txt")
	if err := os.WriteFile(p, []byte("42\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	proc := &cwl.Process{ID: "t", Inputs: []cwl.InputParam{{ID: "f", Type: "File", LoadContents: true}, {ID: "o", Type: "string?"}}}
	f := cwl.NewFile(p)
	got, err := BindInputs(proc, map[string]any{"f": f, "extra": 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got["f"].(map[string]any)["contents"] != "42\n" {
		t.Errorf("contents = %v", got["f"])
	}
	if _, ok := f["contents"]; ok {
		t.Error("caller's File was modified")
	}
	if v, ok := got["o"]; !ok || v != nil {
		t.Errorf("optional input = %v, %v; want present null", v, ok)
	}
	if _, ok := got["extra"]; ok {
		t.Error("undeclared input kept")
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct{ in, want string }{
		{"simple", "simple"},
		{"a b", "'a b'"},
		{"", "''"},
		{"it's", `'it'\''s'`},
		{"/path/to-file_1.txt", "/path/to-file_1.txt"},
		{"$HOME", "'$HOME'"},
	}
	for _, tt := range tests {
		if got := ShellQuote(tt.in); got != tt.want {
			t.Errorf("ShellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
