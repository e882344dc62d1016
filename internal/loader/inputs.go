package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/me/cwlcore/pkg/cwl"
)

// LoadInputs loads and parses a job input file. An empty path yields no
// inputs. Relative File and Directory paths resolve against the file's
// directory.
func LoadInputs(jobPath string) (map[string]any, error) {
	if jobPath == "" {
		return make(map[string]any), nil
	}
	data, err := os.ReadFile(jobPath)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}
	return ParseInputs(data, filepath.Dir(jobPath))
}

// ParseInputs decodes a YAML or JSON job object.
func ParseInputs(data []byte, baseDir string) (map[string]any, error) {
	var inputs map[string]any
	if err := yaml.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("parse job YAML: %w", err)
	}
	if inputs == nil {
		return make(map[string]any), nil
	}
	out, _ := resolveLocations(normalizeInts(inputs), baseDir).(map[string]any)
	return out, nil
}

// normalizeInts returns v with every int replaced by int64.
func normalizeInts(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = normalizeInts(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizeInts(e)
		}
		return out
	}
	return v
}

// resolveLocations returns a copy of v whose File and Directory objects
// carry absolute local paths. Remote locations and literals without a path
// are left alone.
func resolveLocations(v any, baseDir string) any {
	v = cwl.Clone(v)
	cwl.Walk(v, func(obj map[string]any) {
		p := cwl.LocalPath(obj)
		if p == "" {
			return
		}
		if loc, _ := obj["location"].(string); loc != "" && strings.Contains(loc, "://") && !strings.HasPrefix(loc, "file://") {
			return
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		p = filepath.Clean(p)
		obj["path"] = p
		obj["location"] = "file://" + p
		cwl.SetNameFields(obj)
	})
	return v
}
