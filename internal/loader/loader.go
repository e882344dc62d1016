// Package loader reads process documents and job files. It accepts the
// common CWL surface forms (map or list parameters, shorthand types and
// sources, class-keyed or listed requirements, $import, packed $graph
// documents, run references to other files) and normalizes them into
// cwl.Process values.
package loader

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/me/cwlcore/pkg/cwl"
)

// Loader converts document files into processes.
type Loader struct {
	logger *slog.Logger
}

// New creates a Loader. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger.With("component", "loader")}
}

// LoadProcess reads the document at path. A "file.cwl#id" path selects an
// entry of a packed document.
func (l *Loader) LoadProcess(path string) (*cwl.Process, error) {
	file, frag, _ := strings.Cut(path, "#")
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read process: %w", err)
	}
	p, err := l.parse(data, filepath.Dir(file), frag, map[string]bool{absPath(file): true})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.ID == "" {
		p.ID, _ = cwl.SplitExt(filepath.Base(file))
	}
	l.logger.Debug("loaded process", "file", file, "id", p.ID, "class", p.Kind, "steps", len(p.Steps))
	return p, nil
}

// ParseProcess decodes a YAML or JSON document. Relative $import and run
// references resolve against baseDir.
func (l *Loader) ParseProcess(data []byte, baseDir string) (*cwl.Process, error) {
	return l.parse(data, baseDir, "", map[string]bool{})
}

func (l *Loader) parse(data []byte, baseDir, frag string, loading map[string]bool) (*cwl.Process, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("empty document")
	}
	resolved, err := resolveImports(raw, baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve imports: %w", err)
	}
	raw = resolved.(map[string]any)

	n := &normalizer{l: l, baseDir: baseDir, loading: loading}
	if g, ok := raw["$graph"]; ok {
		entries, ok := g.([]any)
		if !ok {
			return nil, fmt.Errorf("$graph must be an array")
		}
		if n.graph, err = graphIndex(entries); err != nil {
			return nil, err
		}
		if raw, err = n.graphEntry(frag); err != nil {
			return nil, err
		}
	} else if frag != "" && stripHash(stringField(raw, "id")) != frag {
		return nil, fmt.Errorf("document has no entry %q", frag)
	}

	norm, err := n.process(raw)
	if err != nil {
		return nil, err
	}
	return decode(norm)
}

// decode re-encodes the normalized tree and decodes it into the typed model.
func decode(norm map[string]any) (*cwl.Process, error) {
	data, err := yaml.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("encode normalized document: %w", err)
	}
	var p cwl.Process
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode process: %w", err)
	}
	fixNumbers(&p)
	if err := validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// fixNumbers turns YAML ints in literal values into int64, the integer type
// the evaluator produces.
func fixNumbers(p *cwl.Process) {
	for i := range p.Inputs {
		p.Inputs[i].Default = normalizeInts(p.Inputs[i].Default)
	}
	for i := range p.Steps {
		st := &p.Steps[i]
		for j := range st.In {
			st.In[j].Default = normalizeInts(st.In[j].Default)
		}
		if st.Run != nil {
			fixNumbers(st.Run)
		}
	}
}

func validate(p *cwl.Process) error {
	switch p.Kind {
	case cwl.KindCommandLineTool, cwl.KindExpressionTool, cwl.KindWorkflow, cwl.KindOperation:
	case "":
		return fmt.Errorf("process %q: missing class", p.ID)
	default:
		return fmt.Errorf("process %q: unknown class %q", p.ID, p.Kind)
	}
	seen := make(map[string]bool)
	for _, in := range p.Inputs {
		if in.ID == "" {
			return fmt.Errorf("process %q: input without id", p.ID)
		}
		if seen[in.ID] {
			return fmt.Errorf("process %q: duplicate input %q", p.ID, in.ID)
		}
		seen[in.ID] = true
	}
	for i := range p.Steps {
		st := &p.Steps[i]
		if st.Run == nil {
			return fmt.Errorf("workflow %q: step %q has no run", p.ID, st.ID)
		}
		if err := validate(st.Run); err != nil {
			return fmt.Errorf("step %s: %w", st.ID, err)
		}
	}
	return nil
}

func absPath(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return p
}

func stripHash(id string) string {
	if i := strings.LastIndex(id, "#"); i >= 0 {
		id = id[i+1:]
	}
	return id
}
