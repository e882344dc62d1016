package loader

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/me/cwlcore/pkg/cwl"
)

func testLoader() *Loader {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

const echoTool = `
cwlVersion: v1.2
class: CommandLineTool
id: echo
baseCommand: echo
requirements:
  - class: InlineJavascriptRequirement
    expressionLib: ["function up(s) { return s.toUpperCase(); }"]
  - class: ResourceRequirement
    coresMin: 2
hints:
  DockerRequirement:
    dockerPull: alpine:3
inputs:
  msg:
    type: string
    inputBinding: {position: 1}
  count: int?
  names:
    type: {type: array, items: string}
  mode:
    type: ["null", {type: enum, symbols: [a, b]}]
    default: a
stdout: out.txt
outputs:
  out:
    type: File
    outputBinding:
      glob: out.txt
      loadContents: true
successCodes: [0, 3]
`

func TestParseProcess_Tool(t *testing.T) {
	p, err := testLoader().ParseProcess([]byte(echoTool), t.TempDir())
	if err != nil {
		t.Fatalf("ParseProcess: %v", err)
	}
	if p.ID != "echo" || p.Kind != cwl.KindCommandLineTool {
		t.Errorf("id/class = %q/%q", p.ID, p.Kind)
	}
	if !reflect.DeepEqual(p.BaseCommand, []string{"echo"}) {
		t.Errorf("BaseCommand = %v", p.BaseCommand)
	}

	types := map[string]cwl.Type{}
	for _, in := range p.Inputs {
		types[in.ID] = in.Type
	}
	want := map[string]cwl.Type{"msg": "string", "count": "int?", "names": "string[]", "mode": "string?"}
	if !reflect.DeepEqual(types, want) {
		t.Errorf("input types = %v, want %v", types, want)
	}
	if msg, _ := p.Input("msg"); msg.Binding == nil || msg.Binding.Position != 1 {
		t.Errorf("msg binding = %+v", msg.Binding)
	}
	if mode, _ := p.Input("mode"); mode.Default != "a" {
		t.Errorf("mode default = %v", mode.Default)
	}

	out, ok := p.Output("out")
	if !ok || out.Binding == nil || !reflect.DeepEqual(out.Binding.Glob, []string{"out.txt"}) || !out.Binding.LoadContents {
		t.Errorf("out = %+v", out)
	}
	if p.Stdout != "out.txt" || !reflect.DeepEqual(p.SuccessCodes, []int{0, 3}) {
		t.Errorf("stdout = %q, successCodes = %v", p.Stdout, p.SuccessCodes)
	}

	if p.Requirements.InlineJavascript == nil || len(p.Requirements.ExpressionLib()) != 1 {
		t.Errorf("InlineJavascript = %+v", p.Requirements.InlineJavascript)
	}
	if p.Requirements.Resource == nil || p.Requirements.Resource.CoresMin != 2 {
		t.Errorf("Resource = %+v", p.Requirements.Resource)
	}
	if p.Hints.Docker == nil || p.Hints.Docker.DockerPull != "alpine:3" {
		t.Errorf("Docker hint = %+v", p.Hints.Docker)
	}
}

func TestParseProcess_JSON(t *testing.T) {
	doc := `{"class": "ExpressionTool", "id": "#calc",
	  "inputs": [{"id": "#calc/n", "type": "int", "default": 4}],
	  "outputs": [{"id": "#calc/out", "type": "int"}],
	  "expression": "$({out: inputs.n})"}`
	p, err := testLoader().ParseProcess([]byte(doc), ".")
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "calc" || p.Inputs[0].ID != "n" || p.Outputs[0].ID != "out" {
		t.Errorf("ids = %q %q %q", p.ID, p.Inputs[0].ID, p.Outputs[0].ID)
	}
	if p.Inputs[0].Default != int64(4) {
		t.Errorf("default = %#v, want int64(4)", p.Inputs[0].Default)
	}
}

func TestParseProcess_WorkflowShorthand(t *testing.T) {
	doc := `
class: Workflow
id: wf
inputs:
  msg: string
  ns: int[]
outputs:
  final:
    type: string
    outputSource: second/out
steps:
  first:
    run:
      class: ExpressionTool
      inputs: {n: int}
      outputs: {out: int}
      expression: "$({out: inputs.n})"
    scatter: n
    in:
      n: ns
    out: [out]
  second:
    run:
      class: ExpressionTool
      inputs: {a: Any, b: Any}
      outputs: {out: string}
      expression: "$({out: 'x'})"
    when: $(inputs.a != null)
    in:
      a: [msg, first/out]
      b:
        source: msg
        default: 5
        valueFrom: $(self + '!')
    out:
      - id: out
requirements:
  EnvVarRequirement:
    envDef:
      B: two
      A: one
`
	p, err := testLoader().ParseProcess([]byte(doc), ".")
	if err != nil {
		t.Fatalf("ParseProcess: %v", err)
	}
	if len(p.Steps) != 2 || p.Steps[0].ID != "first" || p.Steps[1].ID != "second" {
		t.Fatalf("steps = %+v", p.Steps)
	}
	first := p.Steps[0]
	if !reflect.DeepEqual(first.Scatter, []string{"n"}) || !reflect.DeepEqual(first.In, []cwl.StepInput{{ID: "n", Source: []string{"ns"}}}) {
		t.Errorf("first = %+v", first)
	}
	second := p.Steps[1]
	if second.When != "$(inputs.a != null)" || !reflect.DeepEqual(second.Out, []string{"out"}) {
		t.Errorf("second = %+v", second)
	}
	wantIn := []cwl.StepInput{
		{ID: "a", Source: []string{"msg", "first/out"}},
		{ID: "b", Source: []string{"msg"}, Default: int64(5), ValueFrom: "$(self + '!')"},
	}
	if !reflect.DeepEqual(second.In, wantIn) {
		t.Errorf("second.In = %+v, want %+v", second.In, wantIn)
	}
	if out, _ := p.Output("final"); !reflect.DeepEqual(out.OutputSource, []string{"second/out"}) {
		t.Errorf("outputSource = %v", out.OutputSource)
	}
	env := p.Requirements.EnvVar
	want := []cwl.EnvironmentDef{{EnvName: "A", EnvValue: "one"}, {EnvName: "B", EnvValue: "two"}}
	if env == nil || !reflect.DeepEqual(env.EnvDef, want) {
		t.Errorf("EnvVar = %+v", env)
	}
}

func TestLoadProcess_RunFileAndImport(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "tools"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "tools/lib.yml", `["function id(x) { return x; }"]`)
	writeFile(t, dir, "tools/t.cwl", `
class: ExpressionTool
requirements:
  InlineJavascriptRequirement:
    expressionLib: {$import: lib.yml}
inputs: {x: File}
outputs: {y: File}
expression: "$({y: id(inputs.x)})"
`)
	path := writeFile(t, dir, "main.cwl", `
class: Workflow
inputs:
  f:
    type: File
    default: {class: File, path: data/in.txt}
outputs: {}
steps:
  s:
    run: tools/t.cwl
    in: {x: f}
    out: [y]
`)
	p, err := testLoader().LoadProcess(path)
	if err != nil {
		t.Fatalf("LoadProcess: %v", err)
	}
	if p.ID != "main" {
		t.Errorf("ID = %q, want main (from file name)", p.ID)
	}
	run := p.Steps[0].Run
	if run == nil || run.Kind != cwl.KindExpressionTool {
		t.Fatalf("run = %+v", run)
	}
	if got := run.Requirements.ExpressionLib(); !reflect.DeepEqual(got, []string{"function id(x) { return x; }"}) {
		t.Errorf("imported lib = %v", got)
	}
	def, _ := p.Inputs[0].Default.(map[string]any)
	if want := filepath.Join(dir, "data", "in.txt"); def["path"] != want || def["basename"] != "in.txt" {
		t.Errorf("default file = %v, want path %s", def, want)
	}
}

func TestLoadProcess_PackedGraph(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "packed.cwl", `
cwlVersion: v1.2
$graph:
  - class: CommandLineTool
    id: "#touch"
    baseCommand: [touch, out]
    inputs: []
    outputs:
      - id: "#touch/f"
        type: File
        outputBinding: {glob: out}
  - class: Workflow
    id: "#main"
    inputs: []
    outputs:
      - id: "#main/result"
        type: File
        outputSource: "#main/make/f"
    steps:
      - id: "#main/make"
        run: "#touch"
        in: []
        out: ["#main/make/f"]
`)
	tests := []struct {
		ref      string
		wantID   string
		wantKind cwl.ProcessKind
	}{
		{path, "main", cwl.KindWorkflow},
		{path + "#touch", "touch", cwl.KindCommandLineTool},
	}
	for _, tt := range tests {
		t.Run(tt.wantID, func(t *testing.T) {
			p, err := testLoader().LoadProcess(tt.ref)
			if err != nil {
				t.Fatalf("LoadProcess: %v", err)
			}
			if p.ID != tt.wantID || p.Kind != tt.wantKind {
				t.Errorf("got %s %s", p.ID, p.Kind)
			}
		})
	}

	p, _ := testLoader().LoadProcess(path)
	st := p.Steps[0]
	if st.ID != "make" || !reflect.DeepEqual(st.Out, []string{"f"}) || st.Run == nil || st.Run.ID != "touch" {
		t.Errorf("step = %+v", st)
	}
	if out, _ := p.Output("result"); !reflect.DeepEqual(out.OutputSource, []string{"make/f"}) {
		t.Errorf("outputSource = %v", out.OutputSource)
	}
}

func TestParseProcess_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", ``, "empty document"},
		{"bad yaml", "class: [", "YAML parse error"},
		{"no class", "id: x\ninputs: []", "missing class"},
		{"unknown class", "class: Pipeline", "unknown class"},
		{"step without run", "class: Workflow\nsteps: {a: {in: {}, out: []}}", "run: missing"},
		{"unknown graph ref", "class: Workflow\nsteps: {a: {run: '#nope', out: []}}", "unknown reference"},
		{"duplicate input", "class: ExpressionTool\ninputs: [{id: a, type: int}, {id: a, type: int}]", "duplicate input"},
		{"graph without main", "$graph: [{class: Operation, id: a}, {class: Operation, id: b}]", "none is \"main\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testLoader().ParseProcess([]byte(tt.doc), ".")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadProcess_RecursiveRun(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "self.cwl", "class: Workflow\nsteps: {again: {run: self.cwl, out: []}}\n")
	if _, err := testLoader().LoadProcess(path); err == nil || !strings.Contains(err.Error(), "recursive") {
		t.Errorf("err = %v, want recursive reference", err)
	}
}

func TestLoadInputs(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "job.yml", `
n: 3
ratio: 0.5
names: [a, b]
reads:
  class: File
  path: reads.fq
remote:
  class: File
  location: https://example.org/x.txt
dir:
  class: Directory
  location: /abs/dir
`)
	in, err := LoadInputs(path)
	if err != nil {
		t.Fatalf("LoadInputs: %v", err)
	}
	if in["n"] != int64(3) || in["ratio"] != 0.5 {
		t.Errorf("numbers = %#v %#v", in["n"], in["ratio"])
	}
	if !reflect.DeepEqual(in["names"], []any{"a", "b"}) {
		t.Errorf("names = %v", in["names"])
	}
	reads := in["reads"].(map[string]any)
	wantPath := filepath.Join(dir, "reads.fq")
	if reads["path"] != wantPath || reads["location"] != "file://"+wantPath || reads["nameroot"] != "reads" {
		t.Errorf("reads = %v", reads)
	}
	if remote := in["remote"].(map[string]any); remote["location"] != "https://example.org/x.txt" || remote["path"] != nil {
		t.Errorf("remote = %v", remote)
	}
	if d := in["dir"].(map[string]any); d["path"] != "/abs/dir" || d["basename"] != "dir" {
		t.Errorf("dir = %v", d)
	}

	empty, err := LoadInputs("")
	if err != nil || len(empty) != 0 {
		t.Errorf("LoadInputs(\"\") = %v, %v", empty, err)
	}
}

func TestSerializeType(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"File", "File"},
		{"string?", "string?"},
		{[]any{"null", "int"}, "int?"},
		{[]any{"null", "int?"}, "int?"},
		{[]any{"int", "string"}, "Any"},
		{[]any{"null"}, "null"},
		{map[string]any{"type": "array", "items": "File"}, "File[]"},
		{map[string]any{"type": "array", "items": map[string]any{"type": "array", "items": "int"}}, "int[][]"},
		{map[string]any{"type": "enum", "symbols": []any{"a"}}, "string"},
		{map[string]any{"type": "record", "fields": []any{}}, "record"},
	}
	for _, tt := range tests {
		if got := serializeType(tt.in); got != tt.want {
			t.Errorf("serializeType(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
