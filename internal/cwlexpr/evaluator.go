// Package cwlexpr evaluates CWL parameter references and JavaScript expressions
// with goja. Callers see only Evaluate and its typed variants; the JavaScript
// runtime never leaks out of the package.
package cwlexpr

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/me/cwlcore/pkg/cwl"
)

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = 20 * time.Second

// EvaluationError reports a failed expression.
type EvaluationError struct {
	Expr string
	Err  error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate %q: %v", e.Expr, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// ErrTimeout is wrapped by an EvaluationError when evaluation ran too long.
var ErrTimeout = errors.New("expression timed out")

// Evaluator evaluates expressions against an expressionLib.
// An Evaluator is safe for concurrent use.
type Evaluator struct {
	lib     []string
	timeout time.Duration
}

// NewEvaluator creates an evaluator that loads lib before every expression.
func NewEvaluator(lib []string) *Evaluator {
	return &Evaluator{lib: lib, timeout: DefaultTimeout}
}

// WithTimeout returns a copy of e with a different per-evaluation bound.
// Zero disables the bound.
func (e *Evaluator) WithTimeout(d time.Duration) *Evaluator {
	cp := *e
	cp.timeout = d
	return &cp
}

// Evaluate evaluates s with ctx. Three forms are recognized:
//   - a sole parameter reference or expression, $(inputs.x), returns its typed value
//   - a sole code block, ${ return 1; }, returns its typed value
//   - any other string has each $(...) interpolated and returns a string
//
// Strings without expressions are returned with \$( escapes removed.
func (e *Evaluator) Evaluate(s string, ctx *Context) (any, error) {
	if !IsExpression(s) {
		return unescape(s), nil
	}
	if ctx == nil {
		ctx = NewContext(nil)
	}
	vm, stop, err := e.newVM(ctx)
	if err != nil {
		return nil, &EvaluationError{Expr: s, Err: err}
	}
	defer stop()

	v, err := evaluate(vm, s)
	if err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			err = ErrTimeout
		}
		return nil, &EvaluationError{Expr: s, Err: err}
	}
	return v, nil
}

func (e *Evaluator) newVM(ctx *Context) (*goja.Runtime, func(), error) {
	vm := goja.New()
	for i, src := range e.lib {
		p, err := compileLib(i, src)
		if err != nil {
			return nil, nil, err
		}
		if _, err := vm.RunProgram(p); err != nil {
			return nil, nil, fmt.Errorf("expressionLib[%d]: %w", i, err)
		}
	}
	// Values are cloned so scripts cannot mutate bindings shared with other steps.
	inputs := ctx.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	if err := vm.Set("inputs", cwl.Clone(inputs)); err != nil {
		return nil, nil, fmt.Errorf("set inputs: %w", err)
	}
	if err := vm.Set("self", cwl.Clone(ctx.Self)); err != nil {
		return nil, nil, fmt.Errorf("set self: %w", err)
	}
	if err := vm.Set("runtime", ctx.Runtime.toMap()); err != nil {
		return nil, nil, fmt.Errorf("set runtime: %w", err)
	}

	stop := func() {}
	if e.timeout > 0 {
		t := time.AfterFunc(e.timeout, func() { vm.Interrupt(ErrTimeout) })
		stop = func() { t.Stop() }
	}
	return vm, stop, nil
}

func evaluate(vm *goja.Runtime, s string) (any, error) {
	trimmed := strings.TrimLeft(s, " \t\r\n")
	if strings.HasPrefix(trimmed, "${") {
		if end := matchingBrace(trimmed); end >= 0 {
			rest := trimmed[end+1:]
			v, err := runBlock(vm, trimmed[2:end])
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(rest) == "" {
				return v, nil
			}
			tail, err := interpolate(vm, rest)
			if err != nil {
				return nil, err
			}
			return toString(v) + tail, nil
		}
	}

	refs := findRefs(s)
	if len(refs) == 1 && refs[0].start == 0 && refs[0].end == len(s) {
		return runRef(vm, refs[0].code)
	}
	return interpolate(vm, s)
}

func runBlock(vm *goja.Runtime, body string) (any, error) {
	v, err := vm.RunString("(function() {" + body + "\n})()")
	if err != nil {
		return nil, err
	}
	return export(v), nil
}

func runRef(vm *goja.Runtime, code string) (any, error) {
	src := code
	if strings.HasPrefix(strings.TrimSpace(src), "{") {
		src = "(" + src + ")"
	}
	v, err := vm.RunString(src)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(v) {
		return nil, fmt.Errorf("$(%s) is undefined", code)
	}
	return export(v), nil
}

func interpolate(vm *goja.Runtime, s string) (string, error) {
	refs := findRefs(s)
	var b strings.Builder
	last := 0
	for _, r := range refs {
		b.WriteString(unescape(s[last:r.start]))
		v, err := runRef(vm, r.code)
		if err != nil {
			return "", err
		}
		b.WriteString(toString(v))
		last = r.end
	}
	b.WriteString(unescape(s[last:]))
	return b.String(), nil
}

func export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// EvaluateBool evaluates an expression that must produce a boolean.
// A null result is false.
func (e *Evaluator) EvaluateBool(s string, ctx *Context) (bool, error) {
	v, err := e.Evaluate(s, ctx)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case nil:
		return false, nil
	}
	return false, &EvaluationError{Expr: s, Err: fmt.Errorf("result is %T, not boolean", v)}
}

// EvaluateString evaluates an expression and renders the result as a string.
func (e *Evaluator) EvaluateString(s string, ctx *Context) (string, error) {
	v, err := e.Evaluate(s, ctx)
	if err != nil {
		return "", err
	}
	return toString(v), nil
}

// EvaluateNumber evaluates an expression that must produce a number.
// Numeric strings are accepted.
func (e *Evaluator) EvaluateNumber(s string, ctx *Context) (float64, error) {
	v, err := e.Evaluate(s, ctx)
	if err != nil {
		return 0, err
	}
	n, ok := ToFloat(v)
	if !ok {
		return 0, &EvaluationError{Expr: s, Err: fmt.Errorf("result is %T, not a number", v)}
	}
	return n, nil
}

// ToFloat converts the numeric value kinds produced by decoders and goja.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

type ref struct {
	start, end int
	code       string
}

// findRefs locates unescaped $(...) references with balanced parentheses.
// Parentheses inside string literals are not counted.
func findRefs(s string) []ref {
	var refs []ref
	for i := 0; i < len(s)-1; i++ {
		if s[i] != '$' || s[i+1] != '(' || escaped(s, i) {
			continue
		}
		end := closeParen(s, i+1)
		if end < 0 {
			break
		}
		refs = append(refs, ref{start: i, end: end + 1, code: s[i+2 : end]})
		i = end
	}
	return refs
}

// closeParen returns the index of the parenthesis closing the one at open, or -1.
func closeParen(s string, open int) int {
	depth := 0
	var quote byte
	for j := open; j < len(s); j++ {
		c := s[j]
		if quote != 0 {
			if c == '\\' {
				j++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return -1
}

func matchingBrace(s string) int {
	depth := 0
	var quote byte
	for i := 1; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func escaped(s string, i int) bool {
	return i > 0 && s[i-1] == '\\'
}

func unescape(s string) string {
	s = strings.ReplaceAll(s, `\$(`, "$(")
	return strings.ReplaceAll(s, `\${`, "${")
}

// IsExpression reports whether s contains an unescaped $(...) or starts with ${.
func IsExpression(s string) bool {
	if strings.HasPrefix(strings.TrimLeft(s, " \t\r\n"), "${") {
		return true
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] == '$' && s[i+1] == '(' && !escaped(s, i) {
			return true
		}
	}
	return false
}

// toString renders a value the way CWL interpolation does: strings verbatim,
// numbers without exponents, null and composites as JSON.
func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]any, []any:
		return JSONDumps(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// ToString is the exported form of the interpolation rendering.
func ToString(v any) string { return toString(v) }

// JSONDumps serializes v with ", " and ": " separators and sorted keys,
// matching the output of Python's json.dumps.
func JSONDumps(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		b, _ := json.Marshal(val)
		return string(b)
	case bool, int, int64, float64:
		return toString(val)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = JSONDumps(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			kb, _ := json.Marshal(k)
			parts[i] = string(kb) + ": " + JSONDumps(val[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
