// Package pathmapper maps host File and Directory locations to the paths a
// sandboxed process sees and records how each one is staged.
//
// Naming is positional: the n-th staged object in walk order lands in
// <target>/inNNN/<basename>, so identical inputs always map identically.
package pathmapper

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/me/cwlcore/internal/fsaccess"
	"github.com/me/cwlcore/pkg/cwl"
)

// Action is how an entry is materialized in the sandbox.
type Action string

const (
	ActionCopy    Action = "copy"
	ActionLink    Action = "link"
	ActionMkdir   Action = "mkdir"
	ActionLiteral Action = "literal"
	ActionNoop    Action = "noop"
)

// Entry is one host-to-sandbox mapping.
type Entry struct {
	// Host is the original location (path or URI); empty for literal and mkdir entries.
	Host string
	// Target is the path inside the sandbox.
	Target string
	// Staged is the host path where the entry is materialized.
	Staged string
	Action Action
	Class  string
	// Contents holds the text of a literal entry.
	Contents string
	Writable bool
	// Checksum is the expected "sha1$<hex>" of a File, if the value carried one.
	Checksum string
}

// Mount pairs a host directory with its sandbox path.
type Mount struct {
	Host   string
	Target string
}

// Options configures a Mapper.
type Options struct {
	// Stage is where staged inputs are materialized on the host and seen in the sandbox.
	Stage Mount
	// Mounts are additional directories visible in the sandbox (outdir, tmpdir).
	Mounts []Mount
	// Copy stages local inputs by copying instead of linking.
	Copy bool
}

// CollisionError reports two distinct host locations mapped to one sandbox path.
type CollisionError struct {
	Target   string
	Existing string
	New      string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("sandbox path %s: %q collides with %q", e.Target, e.New, e.Existing)
}

// Mapper holds the entries of one job. It is built once and read-only afterwards.
type Mapper struct {
	opts     Options
	entries  []Entry
	byHost   map[string]int
	byTarget map[string]int
	next     int
}

// New creates an empty Mapper.
func New(opts Options) *Mapper {
	return &Mapper{
		opts:     opts,
		byHost:   make(map[string]int),
		byTarget: make(map[string]int),
	}
}

// MapInputs stages every File and Directory reachable from values, visiting
// inputs in the given id order, and returns a copy of values whose objects
// carry their sandbox paths.
func (m *Mapper) MapInputs(ids []string, values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	for _, id := range ids {
		v, ok := values[id]
		if !ok {
			continue
		}
		rv, err := m.Visit(v)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", id, err)
		}
		out[id] = rv
	}
	return out, nil
}

// Visit stages every File and Directory reachable from v and returns v
// rewritten to sandbox paths. Record fields are visited in key order.
func (m *Mapper) Visit(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if cwl.IsFileOrDirectory(val) {
			return m.addTop(val)
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			rv, err := m.Visit(val[k])
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rv, err := m.Visit(item)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	}
	return v, nil
}

func (m *Mapper) addTop(obj map[string]any) (map[string]any, error) {
	if host := hostOf(obj); host != "" {
		if i, ok := m.byHost[host]; ok {
			return m.rewriteTree(obj, m.entries[i].Target), nil
		}
		if t, ok := m.underMount(host); ok {
			if err := m.add(Entry{Host: host, Target: t, Staged: host, Action: ActionNoop, Class: cwl.Class(obj)}); err != nil {
				return nil, err
			}
			return m.rewriteTree(obj, t), nil
		}
	}
	dir := path.Join(m.opts.Stage.Target, fmt.Sprintf("in%03d", m.next))
	m.next++
	return m.addObject(obj, dir, "", false)
}

// AddAt stages obj at an explicit sandbox path, used for InitialWorkDir
// entries, and returns obj rewritten to that path.
func (m *Mapper) AddAt(obj map[string]any, target string, writable bool) (map[string]any, error) {
	return m.addObject(obj, path.Dir(target), path.Base(target), writable)
}

// AddLiteral writes contents to target when staging.
func (m *Mapper) AddLiteral(target, contents string, writable bool) error {
	return m.add(Entry{Target: target, Staged: m.staged(target), Action: ActionLiteral, Class: cwl.ClassFile, Contents: contents, Writable: writable})
}

func (m *Mapper) addObject(obj map[string]any, dir, name string, writable bool) (map[string]any, error) {
	host := hostOf(obj)
	if name == "" {
		name = basename(obj, host)
	}
	if name == "" {
		return nil, fmt.Errorf("%s without location or basename", cwl.Class(obj))
	}
	target := path.Join(dir, name)
	e := Entry{Host: host, Target: target, Staged: m.staged(target), Class: cwl.Class(obj), Writable: writable}
	if sum, ok := obj["checksum"].(string); ok {
		e.Checksum = sum
	}

	switch {
	case host == "" && e.Class == cwl.ClassFile:
		contents, _ := obj["contents"].(string)
		e.Action, e.Contents = ActionLiteral, contents
	case host == "":
		e.Action = ActionMkdir
	case m.opts.Copy || writable || fsaccess.IsRemote(host):
		e.Action = ActionCopy
	default:
		e.Action = ActionLink
	}
	if err := m.add(e); err != nil {
		return nil, err
	}
	out := rewriteObject(obj, target)

	if e.Action == ActionMkdir {
		if ls, ok := obj["listing"].([]any); ok {
			listing := make([]any, 0, len(ls))
			for _, item := range ls {
				child, ok := item.(map[string]any)
				if !ok || !cwl.IsFileOrDirectory(child) {
					listing = append(listing, item)
					continue
				}
				rc, err := m.addObject(child, target, "", writable)
				if err != nil {
					return nil, err
				}
				listing = append(listing, rc)
			}
			out["listing"] = listing
		}
	} else if ls, ok := obj["listing"].([]any); ok {
		out["listing"] = rewriteListing(ls, target)
	}

	if sf, ok := obj["secondaryFiles"].([]any); ok {
		secs := make([]any, 0, len(sf))
		for _, item := range sf {
			sec, ok := item.(map[string]any)
			if !ok || !cwl.IsFileOrDirectory(sec) {
				continue
			}
			if h := hostOf(sec); h != "" {
				if i, seen := m.byHost[h]; seen {
					secs = append(secs, m.rewriteTree(sec, m.entries[i].Target))
					continue
				}
			}
			rs, err := m.addObject(sec, dir, "", writable)
			if err != nil {
				return nil, err
			}
			secs = append(secs, rs)
		}
		out["secondaryFiles"] = secs
	}
	return out, nil
}

// rewriteTree rewrites obj for target, including any listing beneath it.
func (m *Mapper) rewriteTree(obj map[string]any, target string) map[string]any {
	out := rewriteObject(obj, target)
	if ls, ok := obj["listing"].([]any); ok {
		out["listing"] = rewriteListing(ls, target)
	}
	return out
}

func rewriteListing(ls []any, dir string) []any {
	out := make([]any, len(ls))
	for i, item := range ls {
		child, ok := item.(map[string]any)
		if !ok || !cwl.IsFileOrDirectory(child) {
			out[i] = item
			continue
		}
		t := path.Join(dir, basename(child, hostOf(child)))
		rc := rewriteObject(child, t)
		if sub, ok := child["listing"].([]any); ok {
			rc["listing"] = rewriteListing(sub, t)
		}
		out[i] = rc
	}
	return out
}

func rewriteObject(obj map[string]any, target string) map[string]any {
	out := make(map[string]any, len(obj)+4)
	for k, v := range obj {
		out[k] = v
	}
	out["path"] = target
	out["dirname"] = path.Dir(target)
	cwl.SetNameFields(out)
	return out
}

func (m *Mapper) add(e Entry) error {
	if i, ok := m.byTarget[e.Target]; ok {
		prev := m.entries[i]
		if prev.Host != "" && prev.Host == e.Host {
			return nil
		}
		return &CollisionError{Target: e.Target, Existing: describe(prev), New: describe(e)}
	}
	m.byTarget[e.Target] = len(m.entries)
	if e.Host != "" {
		if _, ok := m.byHost[e.Host]; !ok {
			m.byHost[e.Host] = len(m.entries)
		}
	}
	m.entries = append(m.entries, e)
	return nil
}

func describe(e Entry) string {
	if e.Host != "" {
		return e.Host
	}
	return string(e.Action) + " entry"
}

// staged translates a sandbox path to the host path it is materialized at.
func (m *Mapper) staged(target string) string {
	if h, ok := m.translate(target, func(mt Mount) (string, string) { return mt.Target, mt.Host }); ok {
		return h
	}
	return target
}

// underMount reports whether a host path already lies inside a sandbox-visible directory.
func (m *Mapper) underMount(host string) (string, bool) {
	if fsaccess.IsRemote(host) {
		return "", false
	}
	return m.translate(host, func(mt Mount) (string, string) { return mt.Host, mt.Target })
}

func (m *Mapper) translate(p string, side func(Mount) (from, to string)) (string, bool) {
	mounts := append([]Mount{m.opts.Stage}, m.opts.Mounts...)
	best, bestLen := "", -1
	for _, mt := range mounts {
		from, to := side(mt)
		if from == "" {
			continue
		}
		if rel, ok := within(p, from); ok && len(from) > bestLen {
			best, bestLen = path.Join(to, rel), len(from)
		}
	}
	return best, bestLen >= 0
}

func within(p, dir string) (string, bool) {
	dir = strings.TrimSuffix(dir, "/")
	if p == dir {
		return "", true
	}
	if strings.HasPrefix(p, dir+"/") {
		return p[len(dir)+1:], true
	}
	return "", false
}

// Lookup returns the sandbox path for a host location.
func (m *Mapper) Lookup(host string) (string, bool) {
	i, ok := m.byHost[host]
	if !ok {
		return "", false
	}
	return m.entries[i].Target, true
}

// Reverse maps a sandbox path back to a host location: the original location
// for staged entries, otherwise the host path under the enclosing mount.
func (m *Mapper) Reverse(target string) (string, bool) {
	if i, ok := m.byTarget[target]; ok && m.entries[i].Host != "" && !m.entries[i].Writable {
		return m.entries[i].Host, true
	}
	for i := range m.entries {
		e := m.entries[i]
		if e.Host == "" || e.Class != cwl.ClassDirectory {
			continue
		}
		if rel, ok := within(target, e.Target); ok && rel != "" && !fsaccess.IsRemote(e.Host) {
			return path.Join(cwl.PathFromLocation(e.Host), rel), true
		}
	}
	return m.translate(target, func(mt Mount) (string, string) { return mt.Target, mt.Host })
}

// HostPath returns the host path where a sandbox path is materialized:
// the staged copy of an entry, or the host side of the enclosing mount.
func (m *Mapper) HostPath(target string) (string, bool) {
	if i, ok := m.byTarget[target]; ok {
		return m.entries[i].Staged, true
	}
	return m.translate(target, func(mt Mount) (string, string) { return mt.Target, mt.Host })
}

// Entries returns the mappings in creation order.
func (m *Mapper) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Targets returns every sandbox path, in creation order.
func (m *Mapper) Targets() []string {
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Target
	}
	return out
}

// hostOf returns the location identifying obj on the host.
func hostOf(obj map[string]any) string {
	if loc, ok := obj["location"].(string); ok && loc != "" {
		if fsaccess.IsRemote(loc) {
			return loc
		}
		if p := cwl.PathFromLocation(loc); p != "" {
			return p
		}
		return loc
	}
	if p, ok := obj["path"].(string); ok {
		return p
	}
	return ""
}

func basename(obj map[string]any, host string) string {
	if b, ok := obj["basename"].(string); ok && b != "" {
		return b
	}
	if host == "" {
		return ""
	}
	return path.Base(strings.TrimSuffix(host, "/"))
}
