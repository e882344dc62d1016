package job

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/me/cwlcore/internal/cmdline"
	"github.com/me/cwlcore/internal/cwlexpr"
	"github.com/me/cwlcore/internal/fsaccess"
	"github.com/me/cwlcore/internal/pathmapper"
	"github.com/me/cwlcore/pkg/cwl"
)

// customOutputs is the file a tool may write to report its outputs directly.
const customOutputs = "cwl.output.json"

// collect gathers outputs from the sandbox's final state.
func (j *Job) collect() (map[string]any, error) {
	p := j.plan
	custom := filepath.Join(p.Dirs.Out.Host, customOutputs)
	if _, err := j.opts.FS.Stat(custom); err == nil {
		return j.collectCustom(custom)
	}

	eval := cwlexpr.NewEvaluator(p.ExpressionLib)
	rt := p.Runtime()
	rt.ExitCode = j.exitCode
	ctx := &cwlexpr.Context{Inputs: p.Inputs, Runtime: rt}

	out := make(map[string]any, len(p.Outputs))
	for _, rule := range p.Outputs {
		v, err := j.collectOutput(rule, eval, ctx)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", rule.ID, err)
		}
		out[rule.ID] = v
	}
	return out, nil
}

func (j *Job) collectOutput(rule cmdline.OutputRule, eval *cwlexpr.Evaluator, ctx *cwlexpr.Context) (any, error) {
	matches := []any{}
	seen := make(map[string]bool)
	for _, g := range rule.Glob {
		objs, err := j.glob(g, rule.Type)
		if err != nil {
			return nil, err
		}
		for _, obj := range objs {
			loc := obj["location"].(string)
			if seen[loc] {
				continue
			}
			seen[loc] = true
			if rule.LoadContents && cwl.IsFile(obj) {
				text, err := fsaccess.LoadContents(j.opts.FS, loc)
				if err != nil {
					return nil, err
				}
				obj["contents"] = text
			}
			matches = append(matches, obj)
		}
	}

	var v any
	switch {
	case rule.OutputEval != "":
		r, err := eval.Evaluate(rule.OutputEval, ctx.WithSelf(matches))
		if err != nil {
			return nil, err
		}
		v = r
	case len(rule.Glob) > 0:
		if rule.Type.IsArray() || rule.Type.Base() == cwl.TypeAny {
			v = matches
			break
		}
		switch len(matches) {
		case 0:
		case 1:
			v = matches[0]
		default:
			return nil, fmt.Errorf("%d matches for a single %s", len(matches), rule.Type)
		}
	}
	if v == nil && rule.Type.Required() {
		return nil, ErrNoMatch
	}
	return v, nil
}

// glob matches one pattern. Relative patterns are rooted at the output
// directory; absolute ones are sandbox paths.
func (j *Job) glob(pattern string, typ cwl.Type) ([]map[string]any, error) {
	dirs := j.plan.Dirs
	var hostPattern string
	if path.IsAbs(pattern) {
		h, ok := j.plan.Mapper.HostPath(path.Clean(pattern))
		if !ok {
			h = pattern
		}
		hostPattern = h
	} else {
		clean := path.Clean(pattern)
		if clean == ".." || strings.HasPrefix(clean, "../") {
			return nil, fmt.Errorf("glob %q escapes the output directory", pattern)
		}
		hostPattern = filepath.Join(dirs.Out.Host, clean)
	}
	hits, err := j.opts.FS.Glob(hostPattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}

	leaf := typ.Leaf()
	var out []map[string]any
	for _, hit := range hits {
		if filepath.Base(hit) == customOutputs {
			continue
		}
		info, err := j.opts.FS.Stat(hit)
		if err != nil {
			return nil, err
		}
		switch {
		case leaf == cwl.TypeFile && info.IsDir():
			return nil, fmt.Errorf("output type is File but %s is a directory", j.sandboxPath(hit))
		case leaf == cwl.TypeDirectory && !info.IsDir():
			return nil, fmt.Errorf("output type is Directory but %s is a file", j.sandboxPath(hit))
		}
		loc, ok := j.plan.Mapper.Reverse(j.sandboxPath(hit))
		if !ok {
			loc = hit
		}
		obj, err := j.object(loc, info)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// sandboxPath translates a host path inside the job's directories to the
// path the command saw.
func (j *Job) sandboxPath(host string) string {
	host = filepath.Clean(host)
	dirs := j.plan.Dirs
	for _, m := range []pathmapper.Mount{dirs.Out, dirs.Tmp, dirs.Stage} {
		if rel, err := filepath.Rel(m.Host, host); err == nil && rel != ".." && !strings.HasPrefix(rel, "../") {
			return path.Join(m.Target, filepath.ToSlash(rel))
		}
	}
	return host
}

// hostPath is the inverse of sandboxPath.
func (j *Job) hostPath(target string) string {
	if h, ok := j.plan.Mapper.HostPath(target); ok {
		return h
	}
	return target
}

// object describes a collected file or directory at a host location.
func (j *Job) object(loc string, info fs.FileInfo) (map[string]any, error) {
	var obj map[string]any
	if fsaccess.IsRemote(loc) {
		obj = map[string]any{"class": cwl.ClassFile, "location": loc, "basename": path.Base(loc)}
		if info.IsDir() {
			obj["class"] = cwl.ClassDirectory
		}
		cwl.SetNameFields(obj)
	} else if info.IsDir() {
		obj = cwl.NewDirectory(cwl.PathFromLocation(loc))
	} else {
		obj = cwl.NewFile(cwl.PathFromLocation(loc))
	}
	if info.IsDir() {
		return obj, nil
	}
	obj["size"] = info.Size()
	sum, err := fsaccess.SHA1(j.opts.FS, loc)
	if err != nil {
		return nil, err
	}
	obj["checksum"] = "sha1$" + sum
	return obj, nil
}

// collectCustom reads cwl.output.json. Relative locations are resolved
// against the output directory and sandbox paths are translated to the host.
func (j *Job) collectCustom(file string) (map[string]any, error) {
	r, err := j.opts.FS.Open(file)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", customOutputs, err)
	}
	for k, v := range out {
		rv, err := j.resolveCustom(v)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", k, err)
		}
		out[k] = rv
	}
	return out, nil
}

func (j *Job) resolveCustom(v any) (any, error) {
	switch val := v.(type) {
	case []any:
		for i, item := range val {
			r, err := j.resolveCustom(item)
			if err != nil {
				return nil, err
			}
			val[i] = r
		}
		return val, nil
	case map[string]any:
		if !cwl.IsFileOrDirectory(val) {
			for k, item := range val {
				r, err := j.resolveCustom(item)
				if err != nil {
					return nil, err
				}
				val[k] = r
			}
			return val, nil
		}
		ref, _ := val["location"].(string)
		if ref == "" {
			ref, _ = val["path"].(string)
		}
		if ref == "" {
			return val, nil
		}
		if fsaccess.IsRemote(ref) {
			return val, nil
		}
		p := cwl.PathFromLocation(ref)
		if !path.IsAbs(p) {
			p = path.Join(j.plan.Dirs.Out.Target, p)
		}
		host := j.hostPath(p)
		if loc, ok := j.plan.Mapper.Reverse(p); ok {
			host = loc
		}
		info, err := j.opts.FS.Stat(host)
		if err != nil {
			return nil, err
		}
		obj, err := j.object(host, info)
		if err != nil {
			return nil, err
		}
		for k, item := range val {
			if _, set := obj[k]; !set {
				obj[k] = item
			}
		}
		return obj, nil
	}
	return v, nil
}
