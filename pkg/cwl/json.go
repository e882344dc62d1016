package cwl

import (
	"encoding/json"
	"math"
	"strconv"
)

// NormalizeNumbers rewrites float64 values so JSON output uses plain decimal
// notation; NaN and Inf become null.
func NormalizeNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = NormalizeNumbers(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = NormalizeNumbers(e)
		}
		return out
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return json.Number(strconv.FormatFloat(val, 'f', -1, 64))
	default:
		return v
	}
}

// MarshalValues renders an output object as indented JSON.
func MarshalValues(v any) ([]byte, error) {
	return json.MarshalIndent(NormalizeNumbers(v), "", "  ")
}
