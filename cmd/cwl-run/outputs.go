package main

import (
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/me/cwlcore/internal/fsaccess"
	"github.com/me/cwlcore/pkg/cwl"
)

// relocator moves File and Directory outputs from job sandboxes into the
// final output directory and rewrites their path and location.
type relocator struct {
	fsys   fsaccess.FS
	outDir string
	taken  map[string]bool
	moved  map[string]string // source path -> final path
}

func newRelocator(fsys fsaccess.FS, outDir string) (*relocator, error) {
	abs, err := filepath.Abs(outDir)
	if err != nil {
		return nil, err
	}
	if err := fsys.MkdirAll(abs); err != nil {
		return nil, fmt.Errorf("create outdir: %w", err)
	}
	return &relocator{fsys: fsys, outDir: abs, taken: map[string]bool{}, moved: map[string]string{}}, nil
}

// relocate returns v with every local File and Directory copied under the
// output directory. Remote locations are left alone.
func (r *relocator) relocate(v any) (any, error) {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			rv, err := r.relocate(e)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	case map[string]any:
		if cwl.IsFileOrDirectory(val) {
			return r.object(val)
		}
		// Sorted so collision suffixes are stable between runs.
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			rv, err := r.relocate(val[k])
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *relocator) object(obj map[string]any) (map[string]any, error) {
	out := cwl.Clone(obj).(map[string]any)
	src := cwl.LocalPath(obj)
	if src == "" {
		// Literal or remote.
		return out, nil
	}

	dst, done := r.moved[src]
	if !done {
		dst = r.target(filepath.Base(src))
		var err error
		if cwl.IsDirectory(obj) {
			err = fsaccess.CopyTree(r.fsys, src, dst)
		} else {
			_, err = fsaccess.CopyFile(r.fsys, src, dst)
		}
		if err != nil {
			return nil, fmt.Errorf("relocate %s: %w", src, err)
		}
		r.moved[src] = dst
	}
	setPath(out, dst)

	if cwl.IsDirectory(obj) {
		if ls, ok := out["listing"].([]any); ok {
			out["listing"] = rebase(ls, src, dst)
		}
	}
	if sf, ok := obj["secondaryFiles"].([]any); ok {
		moved, err := r.relocate(sf)
		if err != nil {
			return nil, err
		}
		out["secondaryFiles"] = moved
	}
	return out, nil
}

// target picks an unused path under outDir for base, adding _2, _3 ...
// before the extension on collision.
func (r *relocator) target(base string) string {
	root, ext := cwl.SplitExt(base)
	name := base
	for i := 2; r.taken[name]; i++ {
		name = root + "_" + strconv.Itoa(i) + ext
	}
	r.taken[name] = true
	return filepath.Join(r.outDir, name)
}

// rebase rewrites listing entries under src to live under dst.
func rebase(listing []any, src, dst string) []any {
	out := make([]any, len(listing))
	for i, e := range listing {
		obj, ok := e.(map[string]any)
		if !ok {
			out[i] = e
			continue
		}
		p := cwl.LocalPath(obj)
		if rel, err := filepath.Rel(src, p); err == nil && !strings.HasPrefix(rel, "..") {
			setPath(obj, filepath.Join(dst, rel))
		}
		if ls, ok := obj["listing"].([]any); ok {
			obj["listing"] = rebase(ls, src, dst)
		}
		out[i] = obj
	}
	return out
}

func setPath(obj map[string]any, p string) {
	obj["path"] = p
	obj["location"] = "file://" + p
	cwl.SetNameFields(obj)
}
