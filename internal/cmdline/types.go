package cmdline

import (
	"fmt"
	"math"

	"github.com/me/cwlcore/pkg/cwl"
)

// checkType verifies that v is acceptable for t. Named types the model does not
// describe (enums, schema records) accept any value.
func checkType(v any, t cwl.Type) error {
	if v == nil {
		if t.Optional() {
			return nil
		}
		return fmt.Errorf("null is not a valid %s", t)
	}
	base := t.Base()
	if base == cwl.TypeAny || base == "" {
		return nil
	}
	if base.IsArray() {
		items, ok := v.([]any)
		if !ok {
			return fmt.Errorf("expected %s, got %s", t, kindOf(v))
		}
		item := base.Item()
		for i, e := range items {
			if err := checkType(e, item); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil
	}

	ok := true
	switch base {
	case cwl.TypeNull:
		ok = false
	case cwl.TypeBoolean:
		_, ok = v.(bool)
	case cwl.TypeInt, cwl.TypeLong:
		ok = isInteger(v)
	case cwl.TypeFloat, cwl.TypeDouble:
		ok = isNumber(v)
	case cwl.TypeString:
		_, ok = v.(string)
	case cwl.TypeFile:
		ok = cwl.IsFile(v)
	case cwl.TypeDirectory:
		ok = cwl.IsDirectory(v)
	case cwl.TypeRecord:
		_, ok = v.(map[string]any)
	}
	if !ok {
		return fmt.Errorf("expected %s, got %s", t, kindOf(v))
	}
	return nil
}

func isInteger(v any) bool {
	switch n := v.(type) {
	case int, int32, int64:
		return true
	case float64:
		return n == math.Trunc(n) && !math.IsInf(n, 0)
	}
	return false
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	}
	return false
}

func kindOf(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		if c := cwl.Class(val); c != "" {
			return c
		}
		return "record"
	}
	if isNumber(v) {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}
