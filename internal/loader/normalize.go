package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// normalizer rewrites one document tree into the canonical shape the model
// decodes: lists of parameters with ids, class-keyed requirements and
// list-valued sources, globs and commands.
type normalizer struct {
	l       *Loader
	baseDir string
	graph   map[string]map[string]any
	loading map[string]bool
}

func graphIndex(entries []any) (map[string]map[string]any, error) {
	idx := make(map[string]map[string]any, len(entries))
	for i, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("$graph[%d]: expected map, got %T", i, e)
		}
		id := stripHash(stringField(m, "id"))
		if id == "" {
			return nil, fmt.Errorf("$graph[%d]: missing id", i)
		}
		idx[id] = m
	}
	return idx, nil
}

// graphEntry picks frag, then "main", then the only entry.
func (n *normalizer) graphEntry(frag string) (map[string]any, error) {
	if frag != "" {
		if m, ok := n.graph[frag]; ok {
			return m, nil
		}
		return nil, fmt.Errorf("$graph has no entry %q", frag)
	}
	if m, ok := n.graph["main"]; ok {
		return m, nil
	}
	if len(n.graph) == 1 {
		for _, m := range n.graph {
			return m, nil
		}
	}
	return nil, fmt.Errorf("$graph has %d entries and none is \"main\"", len(n.graph))
}

// processKeys are copied unchanged.
var processKeys = []string{
	"class", "label", "arguments", "stdin", "stdout", "stderr",
	"successCodes", "temporaryFailCodes", "permanentFailCodes", "expression",
}

func (n *normalizer) process(raw map[string]any) (map[string]any, error) {
	id := stripHash(stringField(raw, "id"))
	out := map[string]any{"id": id}
	for _, k := range processKeys {
		if v, ok := raw[k]; ok {
			out[k] = v
		}
	}
	if doc := docString(raw["doc"]); doc != "" {
		out["doc"] = doc
	}
	if v, ok := raw["baseCommand"]; ok {
		out["baseCommand"] = toStrings(v)
	}

	var err error
	if out["inputs"], err = n.params(raw["inputs"], id, false); err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	if out["outputs"], err = n.params(raw["outputs"], id, true); err != nil {
		return nil, fmt.Errorf("outputs: %w", err)
	}
	if r := requirementsMap(raw["requirements"]); r != nil {
		out["requirements"] = r
	}
	if h := requirementsMap(raw["hints"]); h != nil {
		out["hints"] = h
	}
	if s, ok := raw["steps"]; ok {
		steps, err := n.steps(s, id)
		if err != nil {
			return nil, err
		}
		out["steps"] = steps
	}
	return out, nil
}

// params normalizes an input or output parameter list. CWL supports both
// inputs: [{id: x, type: File}] and inputs: {x: {type: File}} or {x: File}.
func (n *normalizer) params(v any, procID string, output bool) ([]any, error) {
	items, err := toList(v, "type")
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(items))
	for _, m := range items {
		p := map[string]any{"id": localID(stringField(m, "id"))}
		if t, ok := m["type"]; ok {
			p["type"] = serializeType(t)
		}
		if doc := docString(m["doc"]); doc != "" {
			p["doc"] = doc
		}
		for _, k := range []string{"inputBinding", "itemInputBinding", "loadContents", "linkMerge", "pickValue"} {
			if val, ok := m[k]; ok {
				p[k] = val
			}
		}
		if def, ok := m["default"]; ok {
			p["default"] = resolveLocations(def, n.baseDir)
		}
		if ob, ok := m["outputBinding"].(map[string]any); ok {
			p["outputBinding"] = outputBinding(ob)
		}
		if output {
			if src, ok := m["outputSource"]; ok {
				p["outputSource"] = sources(src, procID)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func outputBinding(ob map[string]any) map[string]any {
	out := make(map[string]any, len(ob))
	for k, v := range ob {
		out[k] = v
	}
	if g, ok := ob["glob"]; ok {
		out["glob"] = toStrings(g)
	}
	return out
}

func (n *normalizer) steps(v any, wfID string) ([]any, error) {
	items, err := toList(v, "")
	if err != nil {
		return nil, fmt.Errorf("steps: %w", err)
	}
	out := make([]any, 0, len(items))
	for _, m := range items {
		id := localID(stringField(m, "id"))
		st := map[string]any{"id": id}
		if in, ok := m["in"]; ok {
			ins, err := stepInputs(in, wfID)
			if err != nil {
				return nil, fmt.Errorf("step %s in: %w", id, err)
			}
			st["in"] = ins
		}
		st["out"] = stepOutputs(m["out"])
		if sc, ok := m["scatter"]; ok {
			var names []string
			for _, s := range toStrings(sc) {
				names = append(names, localID(s))
			}
			st["scatter"] = names
		}
		for _, k := range []string{"scatterMethod", "when"} {
			if val, ok := m[k]; ok {
				st[k] = val
			}
		}
		if r := requirementsMap(m["requirements"]); r != nil {
			st["requirements"] = r
		}
		if h := requirementsMap(m["hints"]); h != nil {
			st["hints"] = h
		}
		run, err := n.run(m["run"])
		if err != nil {
			return nil, fmt.Errorf("step %s run: %w", id, err)
		}
		st["run"] = run
		out = append(out, st)
	}
	return out, nil
}

// stepInputs accepts the list form, the map form {x: {source: ...}} and
// the shorthand {x: source} or {x: [sources]}.
func stepInputs(v any, wfID string) ([]any, error) {
	items, err := toList(v, "source")
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(items))
	for _, m := range items {
		in := map[string]any{"id": localID(stringField(m, "id"))}
		if src, ok := m["source"]; ok {
			in["source"] = sources(src, wfID)
		}
		for _, k := range []string{"default", "valueFrom", "linkMerge", "pickValue", "loadContents"} {
			if val, ok := m[k]; ok {
				in[k] = val
			}
		}
		out = append(out, in)
	}
	return out, nil
}

func stepOutputs(v any) []string {
	var out []string
	switch val := v.(type) {
	case string:
		out = append(out, localID(val))
	case []any:
		for _, e := range val {
			switch o := e.(type) {
			case string:
				out = append(out, localID(o))
			case map[string]any:
				out = append(out, localID(stringField(o, "id")))
			}
		}
	}
	return out
}

// run resolves an inline process, a "#id" reference into the packed graph
// or a path relative to the document.
func (n *normalizer) run(v any) (map[string]any, error) {
	switch val := v.(type) {
	case map[string]any:
		return n.process(val)
	case string:
		if strings.HasPrefix(val, "#") {
			id := stripHash(val)
			entry, ok := n.graph[id]
			if !ok {
				return nil, fmt.Errorf("unknown reference %q", val)
			}
			key := "#" + id
			if n.loading[key] {
				return nil, fmt.Errorf("recursive reference %q", val)
			}
			n.loading[key] = true
			defer delete(n.loading, key)
			return n.process(entry)
		}
		return n.runFile(val)
	case nil:
		return nil, fmt.Errorf("missing")
	}
	return nil, fmt.Errorf("unsupported run value %T", v)
}

func (n *normalizer) runFile(ref string) (map[string]any, error) {
	file, frag, _ := strings.Cut(ref, "#")
	if !filepath.IsAbs(file) {
		file = filepath.Join(n.baseDir, file)
	}
	key := absPath(file)
	if n.loading[key] {
		return nil, fmt.Errorf("recursive reference %q", ref)
	}
	n.loading[key] = true
	defer delete(n.loading, key)

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", ref, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %q: %w", ref, err)
	}
	dir := filepath.Dir(file)
	resolved, err := resolveImports(raw, dir)
	if err != nil {
		return nil, err
	}
	raw, _ = resolved.(map[string]any)
	if raw == nil {
		return nil, fmt.Errorf("%q is empty", ref)
	}
	n.l.logger.Debug("loading referenced process", "file", file)

	child := &normalizer{l: n.l, baseDir: dir, loading: n.loading}
	if g, ok := raw["$graph"]; ok {
		entries, ok := g.([]any)
		if !ok {
			return nil, fmt.Errorf("%q: $graph must be an array", ref)
		}
		if child.graph, err = graphIndex(entries); err != nil {
			return nil, err
		}
		if raw, err = child.graphEntry(frag); err != nil {
			return nil, err
		}
	}
	return child.process(raw)
}

// requirementsMap converts array-style hints/requirements to map-style keyed by class.
// CWL supports both: hints: [{class: DockerRequirement, ...}] and hints: {DockerRequirement: {...}}.
func requirementsMap(v any) map[string]any {
	var byClass map[string]any
	switch val := v.(type) {
	case map[string]any:
		byClass = val
	case []any:
		byClass = make(map[string]any)
		for _, item := range val {
			if m, ok := item.(map[string]any); ok {
				if class, ok := m["class"].(string); ok {
					byClass[class] = m
				}
			}
		}
	default:
		return nil
	}
	out := make(map[string]any, len(byClass))
	for class, body := range byClass {
		m, _ := body.(map[string]any)
		if m == nil {
			m = map[string]any{}
		}
		if class == "EnvVarRequirement" {
			m = envVarRequirement(m)
		}
		out[class] = m
	}
	return out
}

// envVarRequirement accepts envDef as a list or as a {NAME: value} map.
func envVarRequirement(m map[string]any) map[string]any {
	defs, ok := m["envDef"].(map[string]any)
	if !ok {
		return m
	}
	names := make([]string, 0, len(defs))
	for k := range defs {
		names = append(names, k)
	}
	sort.Strings(names)
	list := make([]any, 0, len(defs))
	for _, k := range names {
		list = append(list, map[string]any{"envName": k, "envValue": fmt.Sprint(defs[k])})
	}
	return map[string]any{"envDef": list}
}

// serializeType converts a CWL type (string, union list or schema map) to a
// type string: {type: array, items: File} is "File[]", ["null", X] is "X?".
// Unions of several non-null types are Any.
func serializeType(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		switch base := stringField(t, "type"); base {
		case "array":
			return serializeType(t["items"]) + "[]"
		case "enum":
			return "string"
		default:
			return base
		}
	case []any:
		optional := false
		var members []string
		for _, m := range t {
			s := serializeType(m)
			if s == "null" {
				optional = true
				continue
			}
			members = append(members, s)
		}
		base := "Any"
		if len(members) == 1 {
			base = members[0]
		}
		if len(members) == 0 {
			return "null"
		}
		if optional && !strings.HasSuffix(base, "?") {
			base += "?"
		}
		return base
	}
	return fmt.Sprintf("%v", v)
}

// toList turns the map form of a parameter or step list into a list of
// maps with ids. A scalar map value is stored under shortKey.
func toList(v any, shortKey string) ([]map[string]any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]map[string]any, 0, len(val))
		for i, item := range val {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("[%d]: expected map, got %T", i, item)
			}
			out = append(out, m)
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]map[string]any, 0, len(val))
		for _, k := range keys {
			m, ok := val[k].(map[string]any)
			if ok && !isTypeSchema(m, shortKey) {
				cp := make(map[string]any, len(m)+1)
				for mk, mv := range m {
					cp[mk] = mv
				}
				cp["id"] = k
				out = append(out, cp)
				continue
			}
			if shortKey == "" {
				return nil, fmt.Errorf("%s: expected map, got %T", k, val[k])
			}
			out = append(out, map[string]any{"id": k, shortKey: val[k]})
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected list or map, got %T", v)
}

// isTypeSchema reports whether m is a shorthand type such as
// {x: {type: array, items: File}} rather than a parameter body.
func isTypeSchema(m map[string]any, shortKey string) bool {
	if shortKey != "type" {
		return false
	}
	switch m["type"] {
	case "array", "enum", "record":
		_, items := m["items"]
		_, symbols := m["symbols"]
		_, fields := m["fields"]
		return items || symbols || fields
	}
	return false
}

// sources normalizes a source or outputSource value to a list of
// "step/port" or "input" references relative to the workflow.
func sources(v any, wfID string) []string {
	var out []string
	for _, s := range toStrings(v) {
		s = strings.TrimPrefix(s, "#")
		if wfID != "" {
			s = strings.TrimPrefix(s, wfID+"/")
		}
		out = append(out, s)
	}
	return out
}

// localID drops a document or workflow prefix: "#main/step/x" is "x".
func localID(id string) string {
	id = stripHash(id)
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	return id
}

func toStrings(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, e := range val {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case []string:
		return val
	}
	return nil
}

func docString(v any) string {
	switch d := v.(type) {
	case string:
		return d
	case []any:
		return strings.Join(toStrings(d), "\n")
	}
	return ""
}

// stringField safely extracts a string from a map.
func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	// Handle YAML type coercion (e.g., type: int parsed as int).
	return fmt.Sprintf("%v", v)
}

// resolveImports replaces {$import: path} maps with the parsed file,
// resolving relative paths against baseDir.
func resolveImports(v any, baseDir string) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if importPath, ok := val["$import"].(string); ok && len(val) == 1 {
			fullPath := importPath
			if !filepath.IsAbs(importPath) {
				fullPath = filepath.Join(baseDir, importPath)
			}
			data, err := os.ReadFile(fullPath)
			if err != nil {
				return nil, fmt.Errorf("read import %q: %w", importPath, err)
			}
			var imported any
			if err := yaml.Unmarshal(data, &imported); err != nil {
				return nil, fmt.Errorf("parse import %q: %w", importPath, err)
			}
			return resolveImports(imported, filepath.Dir(fullPath))
		}

		result := make(map[string]any, len(val))
		for k, v := range val {
			resolved, err := resolveImports(v, baseDir)
			if err != nil {
				return nil, err
			}
			result[k] = resolved
		}
		return result, nil

	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			resolved, err := resolveImports(item, baseDir)
			if err != nil {
				return nil, err
			}
			result[i] = resolved
		}
		return result, nil

	default:
		return v, nil
	}
}
