package cwl

import (
	"net/url"
	"path"
	"strings"
)

// Object classes used in File and Directory values.
const (
	ClassFile      = "File"
	ClassDirectory = "Directory"
)

// Class returns the "class" of a File or Directory value, or "".
func Class(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	c, _ := m["class"].(string)
	return c
}

// IsFile reports whether v is a File object.
func IsFile(v any) bool { return Class(v) == ClassFile }

// IsDirectory reports whether v is a Directory object.
func IsDirectory(v any) bool { return Class(v) == ClassDirectory }

// IsFileOrDirectory reports whether v is a File or Directory object.
func IsFileOrDirectory(v any) bool {
	c := Class(v)
	return c == ClassFile || c == ClassDirectory
}

// NewFile builds a File object for a local path with its derived name fields.
func NewFile(p string) map[string]any {
	f := map[string]any{
		"class":    ClassFile,
		"location": "file://" + p,
		"path":     p,
	}
	SetNameFields(f)
	return f
}

// NewDirectory builds a Directory object for a local path.
func NewDirectory(p string) map[string]any {
	d := map[string]any{
		"class":    ClassDirectory,
		"location": "file://" + p,
		"path":     p,
	}
	SetNameFields(d)
	return d
}

// SetNameFields fills basename, nameroot and nameext from path or location.
func SetNameFields(obj map[string]any) {
	p := LocalPath(obj)
	if p == "" {
		if b, ok := obj["basename"].(string); ok {
			p = b
		}
	}
	if p == "" {
		return
	}
	base := path.Base(p)
	obj["basename"] = base
	if Class(obj) == ClassFile {
		root, ext := SplitExt(base)
		obj["nameroot"] = root
		obj["nameext"] = ext
	}
}

// SplitExt splits a basename at its last dot. Leading dots are part of the root.
func SplitExt(base string) (root, ext string) {
	i := strings.LastIndex(base, ".")
	if i <= 0 {
		return base, ""
	}
	return base[:i], base[i:]
}

// LocalPath resolves a File or Directory object to a filesystem path:
// its path field, or a decoded file:// or bare location.
func LocalPath(obj map[string]any) string {
	if p, ok := obj["path"].(string); ok && p != "" {
		return p
	}
	loc, _ := obj["location"].(string)
	return PathFromLocation(loc)
}

// PathFromLocation converts a location to a local path. Locations with a
// scheme other than file:// have no local path and return "".
func PathFromLocation(loc string) string {
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "file://") {
		return decode(loc[len("file://"):])
	}
	if strings.Contains(loc, "://") {
		return ""
	}
	return decode(loc)
}

// decode URL-decodes a path; CWL locations may contain escapes such as %23.
func decode(p string) string {
	if d, err := url.PathUnescape(p); err == nil {
		return d
	}
	return p
}

// Walk calls fn for every File and Directory object in v, descending into
// arrays, records, listings and secondaryFiles.
func Walk(v any, fn func(obj map[string]any)) {
	switch val := v.(type) {
	case map[string]any:
		if IsFileOrDirectory(val) {
			fn(val)
			if sf, ok := val["secondaryFiles"].([]any); ok {
				for _, s := range sf {
					Walk(s, fn)
				}
			}
			if ls, ok := val["listing"].([]any); ok {
				for _, l := range ls {
					Walk(l, fn)
				}
			}
			return
		}
		for _, e := range val {
			Walk(e, fn)
		}
	case []any:
		for _, e := range val {
			Walk(e, fn)
		}
	}
}

// Clone deep-copies a value built from maps, slices and scalars.
func Clone(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = Clone(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}
