package cwl

import (
	"reflect"
	"testing"
)

func TestNewFileNameFields(t *testing.T) {
	f := NewFile("/data/reads.fastq.gz")
	want := map[string]any{
		"class":    "File",
		"location": "file:///data/reads.fastq.gz",
		"path":     "/data/reads.fastq.gz",
		"basename": "reads.fastq.gz",
		"nameroot": "reads.fastq",
		"nameext":  ".gz",
	}
	if !reflect.DeepEqual(f, want) {
		t.Errorf("NewFile = %v, want %v", f, want)
	}
}

func TestSplitExt(t *testing.T) {
	tests := []struct{ base, root, ext string }{
		{"a.txt", "a", ".txt"},
		{".bashrc", ".bashrc", ""},
		{"noext", "noext", ""},
		{"a.b.c", "a.b", ".c"},
	}
	for _, tt := range tests {
		root, ext := SplitExt(tt.base)
		if root != tt.root || ext != tt.ext {
			t.Errorf("SplitExt(%q) = (%q, %q), want (%q, %q)", tt.base, root, ext, tt.root, tt.ext)
		}
	}
}

func TestPathFromLocation(t *testing.T) {
	tests := []struct{ loc, want string }{
		{"file:///tmp/x.txt", "/tmp/x.txt"},
		{"file:///tmp/item%231.txt", "/tmp/item#1.txt"},
		{"/abs/path", "/abs/path"},
		{"https://example.com/x", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := PathFromLocation(tt.loc); got != tt.want {
			t.Errorf("PathFromLocation(%q) = %q, want %q", tt.loc, got, tt.want)
		}
	}
}

func TestWalkVisitsNested(t *testing.T) {
	v := map[string]any{
		"a": NewFile("/x/a"),
		"b": []any{NewFile("/x/b"), map[string]any{
			"class":   "Directory",
			"path":    "/x/d",
			"listing": []any{NewFile("/x/d/c")},
		}},
	}
	var seen []string
	Walk(v, func(obj map[string]any) { seen = append(seen, LocalPath(obj)) })
	if len(seen) != 4 {
		t.Errorf("Walk visited %v, want 4 objects", seen)
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := map[string]any{"l": []any{map[string]any{"k": 1}}}
	cp := Clone(orig).(map[string]any)
	cp["l"].([]any)[0].(map[string]any)["k"] = 2
	if orig["l"].([]any)[0].(map[string]any)["k"] != 1 {
		t.Error("Clone shares nested maps")
	}
}

func TestResourcesFits(t *testing.T) {
	limit := Resources{Cores: 2, RAMMiB: 1024, OutdirMiB: 1024, TmpdirMiB: 1024}
	used := Resources{Cores: 1, RAMMiB: 512}
	if !used.Fits(limit) {
		t.Error("expected fit")
	}
	if used.Add(Resources{Cores: 1.5}).Fits(limit) {
		t.Error("2.5 cores should not fit in 2")
	}
	if got := used.Add(used).Sub(used); got != used {
		t.Errorf("Add/Sub = %v, want %v", got, used)
	}
}

func TestMarshalValuesNoExponent(t *testing.T) {
	b, err := MarshalValues(map[string]any{"n": 4.2e21})
	if err != nil {
		t.Fatal(err)
	}
	want := "{\n  \"n\": 4200000000000000000000\n}"
	if string(b) != want {
		t.Errorf("MarshalValues = %s, want %s", b, want)
	}
}
