package cmdline

import (
	"fmt"
	"path"

	"github.com/me/cwlcore/internal/cwlexpr"
	"github.com/me/cwlcore/internal/pathmapper"
	"github.com/me/cwlcore/pkg/cwl"
)

// stageWorkDir adds InitialWorkDir entries to the mapper and returns the
// inputs with relocated objects pointing at their new paths.
func stageWorkDir(listing []cwl.Dirent, m *pathmapper.Mapper, eval *cwlexpr.Evaluator, ctx *cwlexpr.Context, outDir string) (map[string]any, error) {
	inputs := ctx.Inputs
	for i, d := range listing {
		name := ""
		if d.Entryname != "" {
			var err error
			if name, err = eval.EvaluateString(d.Entryname, ctx); err != nil {
				return nil, fmt.Errorf("listing[%d] entryname: %w", i, err)
			}
		}
		entry := d.Entry
		if s, ok := entry.(string); ok {
			v, err := eval.Evaluate(s, ctx)
			if err != nil {
				return nil, fmt.Errorf("listing[%d] entry: %w", i, err)
			}
			entry = v
		}

		target := func(base string) string {
			if name != "" {
				base = name
			}
			if path.IsAbs(base) {
				return base
			}
			return path.Join(outDir, base)
		}

		switch e := entry.(type) {
		case nil:
			continue
		case map[string]any:
			if !cwl.IsFileOrDirectory(e) {
				if name == "" {
					return nil, fmt.Errorf("listing[%d]: entryname required for non-file entry", i)
				}
				if err := m.AddLiteral(target(""), cwlexpr.JSONDumps(e), d.Writable); err != nil {
					return nil, err
				}
				continue
			}
			placed, err := m.AddAt(e, target(objName(e)), d.Writable)
			if err != nil {
				return nil, fmt.Errorf("listing[%d]: %w", i, err)
			}
			inputs = relocate(inputs, e, placed).(map[string]any)
		case []any:
			if !allFileLike(e) {
				if name == "" {
					return nil, fmt.Errorf("listing[%d]: entryname required for non-file entry", i)
				}
				if err := m.AddLiteral(target(""), cwlexpr.JSONDumps(e), d.Writable); err != nil {
					return nil, err
				}
				continue
			}
			for _, item := range e {
				obj := item.(map[string]any)
				dst := path.Join(outDir, objName(obj))
				if name != "" {
					dst = path.Join(target(""), objName(obj))
				}
				placed, err := m.AddAt(obj, dst, d.Writable)
				if err != nil {
					return nil, fmt.Errorf("listing[%d]: %w", i, err)
				}
				inputs = relocate(inputs, obj, placed).(map[string]any)
			}
		default:
			if name == "" {
				return nil, fmt.Errorf("listing[%d]: entryname required for literal entry", i)
			}
			text := cwlexpr.ToString(e)
			if _, isString := e.(string); !isString {
				text = cwlexpr.JSONDumps(e)
			}
			if err := m.AddLiteral(target(""), text, d.Writable); err != nil {
				return nil, err
			}
		}
	}
	return inputs, nil
}

func objName(obj map[string]any) string {
	if b, ok := obj["basename"].(string); ok && b != "" {
		return b
	}
	if p := cwl.LocalPath(obj); p != "" {
		return path.Base(p)
	}
	loc, _ := obj["location"].(string)
	return path.Base(loc)
}

func allFileLike(items []any) bool {
	for _, item := range items {
		if !cwl.IsFileOrDirectory(item) {
			return false
		}
	}
	return len(items) > 0
}

// relocate replaces every object in v that refers to the same location as
// orig with placed.
func relocate(v any, orig, placed map[string]any) any {
	key := identity(orig)
	if key == "" {
		return v
	}
	var walk func(any) any
	walk = func(v any) any {
		switch val := v.(type) {
		case map[string]any:
			if cwl.IsFileOrDirectory(val) && identity(val) == key {
				return placed
			}
			out := make(map[string]any, len(val))
			for k, e := range val {
				out[k] = walk(e)
			}
			return out
		case []any:
			out := make([]any, len(val))
			for i, e := range val {
				out[i] = walk(e)
			}
			return out
		}
		return v
	}
	return walk(v)
}

func identity(obj map[string]any) string {
	if loc, ok := obj["location"].(string); ok && loc != "" {
		return loc
	}
	p, _ := obj["path"].(string)
	return p
}
