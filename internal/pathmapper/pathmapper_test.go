package pathmapper

import (
	"errors"
	"reflect"
	"testing"

	"github.com/me/cwlcore/pkg/cwl"
)

func testOptions() Options {
	return Options{
		Stage: Mount{Host: "/host/job1/stage", Target: "/var/lib/cwl/stage"},
		Mounts: []Mount{
			{Host: "/host/job1/out", Target: "/var/spool/cwl"},
			{Host: "/host/job1/tmp", Target: "/tmp"},
		},
	}
}

func testInputs() map[string]any {
	return map[string]any{
		"reads": cwl.NewFile("/data/reads.fastq"),
		"refs": []any{
			cwl.NewFile("/data/ref/a.fa"),
			cwl.NewFile("/other/a.fa"),
		},
		"db": map[string]any{
			"class":    "Directory",
			"location": "file:///data/db",
		},
		"count": 3,
	}
}

var testIDs = []string{"count", "db", "reads", "refs"}

func TestMapInputs_RoundTrip(t *testing.T) {
	m := New(testOptions())
	rewritten, err := m.MapInputs(testIDs, testInputs())
	if err != nil {
		t.Fatal(err)
	}

	hosts := []string{"/data/db", "/data/reads.fastq", "/data/ref/a.fa", "/other/a.fa"}
	seen := map[string]bool{}
	for _, h := range hosts {
		target, ok := m.Lookup(h)
		if !ok {
			t.Fatalf("Lookup(%q) missing", h)
		}
		if seen[target] {
			t.Errorf("sandbox path %s assigned twice", target)
		}
		seen[target] = true
		back, ok := m.Reverse(target)
		if !ok || back != h {
			t.Errorf("Reverse(Lookup(%q)) = %q, %v", h, back, ok)
		}
	}

	reads := rewritten["reads"].(map[string]any)
	if reads["path"] != "/var/lib/cwl/stage/in001/reads.fastq" {
		t.Errorf("reads path = %v", reads["path"])
	}
	if reads["location"] != "file:///data/reads.fastq" {
		t.Errorf("location changed to %v", reads["location"])
	}
	if rewritten["count"] != 3 {
		t.Errorf("scalar changed: %v", rewritten["count"])
	}
}

func TestMapInputs_Deterministic(t *testing.T) {
	a := New(testOptions())
	b := New(testOptions())
	if _, err := a.MapInputs(testIDs, testInputs()); err != nil {
		t.Fatal(err)
	}
	if _, err := b.MapInputs(testIDs, testInputs()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a.Targets(), b.Targets()) {
		t.Errorf("targets differ:\n%v\n%v", a.Targets(), b.Targets())
	}
	want := []string{
		"/var/lib/cwl/stage/in000/db",
		"/var/lib/cwl/stage/in001/reads.fastq",
		"/var/lib/cwl/stage/in002/a.fa",
		"/var/lib/cwl/stage/in003/a.fa",
	}
	if !reflect.DeepEqual(a.Targets(), want) {
		t.Errorf("Targets = %v, want %v", a.Targets(), want)
	}
}

func TestMapInputs_DoesNotMutate(t *testing.T) {
	in := testInputs()
	before := cwl.Clone(in)
	if _, err := New(testOptions()).MapInputs(testIDs, in); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, before) {
		t.Error("MapInputs modified its input")
	}
}

func TestActions(t *testing.T) {
	in := map[string]any{
		"local":  cwl.NewFile("/data/x.txt"),
		"remote": map[string]any{"class": "File", "location": "https://example.com/r.txt"},
		"lit":    map[string]any{"class": "File", "basename": "note.txt", "contents": "hi"},
		"synth": map[string]any{
			"class":    "Directory",
			"basename": "bundle",
			"listing":  []any{cwl.NewFile("/data/y.txt")},
		},
		"already": cwl.NewFile("/host/job1/out/prev.txt"),
	}
	m := New(testOptions())
	if _, err := m.MapInputs([]string{"already", "lit", "local", "remote", "synth"}, in); err != nil {
		t.Fatal(err)
	}
	got := map[string]Action{}
	for _, e := range m.Entries() {
		got[e.Target] = e.Action
	}
	want := map[string]Action{
		"/var/spool/cwl/prev.txt":               ActionNoop,
		"/var/lib/cwl/stage/in000/note.txt":     ActionLiteral,
		"/var/lib/cwl/stage/in001/x.txt":        ActionLink,
		"/var/lib/cwl/stage/in002/r.txt":        ActionCopy,
		"/var/lib/cwl/stage/in003/bundle":       ActionMkdir,
		"/var/lib/cwl/stage/in003/bundle/y.txt": ActionLink,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("actions = %v, want %v", got, want)
	}
	for _, e := range m.Entries() {
		if e.Target == "/var/lib/cwl/stage/in001/x.txt" && e.Staged != "/host/job1/stage/in001/x.txt" {
			t.Errorf("Staged = %s", e.Staged)
		}
	}
}

func TestCopyOption(t *testing.T) {
	opts := testOptions()
	opts.Copy = true
	m := New(opts)
	if _, err := m.Visit(cwl.NewFile("/data/x.txt")); err != nil {
		t.Fatal(err)
	}
	if a := m.Entries()[0].Action; a != ActionCopy {
		t.Errorf("Action = %s, want copy", a)
	}
}

func TestCollision(t *testing.T) {
	m := New(testOptions())
	if _, err := m.AddAt(cwl.NewFile("/a/input.txt"), "/var/spool/cwl/input.txt", false); err != nil {
		t.Fatal(err)
	}
	_, err := m.AddAt(cwl.NewFile("/b/input.txt"), "/var/spool/cwl/input.txt", false)
	var ce *CollisionError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want CollisionError", err)
	}
	if ce.Target != "/var/spool/cwl/input.txt" {
		t.Errorf("Target = %s", ce.Target)
	}
}

func TestSameHostReused(t *testing.T) {
	m := New(testOptions())
	f := cwl.NewFile("/data/x.txt")
	v, err := m.Visit([]any{f, f})
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Entries()) != 1 {
		t.Errorf("entries = %d, want 1", len(m.Entries()))
	}
	items := v.([]any)
	if items[0].(map[string]any)["path"] != items[1].(map[string]any)["path"] {
		t.Error("same host mapped to two paths")
	}
}

func TestSecondaryFilesBesidePrimary(t *testing.T) {
	f := cwl.NewFile("/data/x.bam")
	f["secondaryFiles"] = []any{cwl.NewFile("/data/x.bam.bai")}
	m := New(testOptions())
	v, err := m.Visit(f)
	if err != nil {
		t.Fatal(err)
	}
	sec := v.(map[string]any)["secondaryFiles"].([]any)[0].(map[string]any)
	if sec["path"] != "/var/lib/cwl/stage/in000/x.bam.bai" {
		t.Errorf("secondary path = %v", sec["path"])
	}
}

func TestReverseOutdir(t *testing.T) {
	m := New(testOptions())
	got, ok := m.Reverse("/var/spool/cwl/results/out.txt")
	if !ok || got != "/host/job1/out/results/out.txt" {
		t.Errorf("Reverse = %q, %v", got, ok)
	}
	if _, ok := m.Reverse("/elsewhere/x"); ok {
		t.Error("unmapped path reversed")
	}
}

func TestReverseInsideStagedDirectory(t *testing.T) {
	m := New(testOptions())
	if _, err := m.Visit(map[string]any{"class": "Directory", "location": "/data/db"}); err != nil {
		t.Fatal(err)
	}
	got, ok := m.Reverse("/var/lib/cwl/stage/in000/db/index/x")
	if !ok || got != "/data/db/index/x" {
		t.Errorf("Reverse = %q, %v", got, ok)
	}
}

func TestHostPath(t *testing.T) {
	m := New(testOptions())
	v, err := m.Visit(cwl.NewFile("/data/in.txt"))
	if err != nil {
		t.Fatal(err)
	}
	target := v.(map[string]any)["path"].(string)
	if got, _ := m.HostPath(target); got != "/host/job1/stage/in000/in.txt" {
		t.Errorf("HostPath(%s) = %s", target, got)
	}
	if got, _ := m.HostPath("/tmp/scratch"); got != "/host/job1/tmp/scratch" {
		t.Errorf("HostPath(/tmp/scratch) = %s", got)
	}
}
