package cmdline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/me/cwlcore/internal/cwlexpr"
	"github.com/me/cwlcore/pkg/cwl"
)

// token is one argv entry; quote is false when shellQuote: false applies.
type token struct {
	text  string
	quote bool
}

// part is the contribution of one argument or input binding.
type part struct {
	position int
	tokens   []token
}

// bindParts collects every argument and bound input, then sorts them stably by
// position so that ties keep declaration order: arguments first, then inputs.
func bindParts(proc *cwl.Process, eval *cwlexpr.Evaluator, ctx *cwlexpr.Context) ([]part, error) {
	var parts []part

	for i, arg := range proc.Arguments {
		b := arg.Binding()
		v, err := eval.Evaluate(arg.ValueFrom, ctx.WithSelf(nil))
		if err != nil {
			return nil, &BindingError{Process: proc.ID, Param: fmt.Sprintf("arguments[%d]", i), Err: err}
		}
		parts = append(parts, part{position: b.Position, tokens: bindValue(b, nil, v)})
	}

	for _, in := range proc.Inputs {
		b := in.Binding
		if b == nil {
			continue
		}
		v := ctx.Inputs[in.ID]
		if v == nil {
			continue
		}
		if b.ValueFrom != "" {
			var err error
			v, err = eval.Evaluate(b.ValueFrom, ctx.WithSelf(v))
			if err != nil {
				return nil, &BindingError{Process: proc.ID, Param: in.ID, Reason: "valueFrom", Err: err}
			}
		}
		parts = append(parts, part{position: b.Position, tokens: bindValue(b, in.ItemBinding, v)})
	}

	sort.SliceStable(parts, func(i, j int) bool {
		return parts[i].position < parts[j].position
	})
	return parts, nil
}

// bindValue renders a value under a binding.
//   - null and false produce nothing; true produces the prefix alone
//   - arrays join with itemSeparator, or emit the prefix once followed by each
//     item under itemBinding
//   - File and Directory produce their path
func bindValue(b, item *cwl.InputBinding, v any) []token {
	if b == nil {
		b = &cwl.InputBinding{}
	}
	quote := b.Quote()
	switch val := v.(type) {
	case nil:
		return nil
	case bool:
		if val && b.Prefix != "" {
			return []token{{b.Prefix, quote}}
		}
		return nil
	case []any:
		if len(val) == 0 {
			return nil
		}
		if b.ItemSeparator != "" {
			strs := make([]string, 0, len(val))
			for _, e := range val {
				if e != nil {
					strs = append(strs, scalar(e))
				}
			}
			return prefixed(b, strings.Join(strs, b.ItemSeparator))
		}
		var toks []token
		if b.Prefix != "" {
			toks = append(toks, token{b.Prefix, quote})
		}
		for _, e := range val {
			if item != nil {
				toks = append(toks, bindValue(item, nil, e)...)
			} else {
				toks = append(toks, bindValue(&cwl.InputBinding{ShellQuote: b.ShellQuote}, nil, e)...)
			}
		}
		return toks
	case map[string]any:
		if cwl.IsFileOrDirectory(val) {
			p, _ := val["path"].(string)
			if p == "" {
				p, _ = val["location"].(string)
			}
			return prefixed(b, p)
		}
		return nil
	}
	return prefixed(b, scalar(v))
}

func prefixed(b *cwl.InputBinding, s string) []token {
	quote := b.Quote()
	switch {
	case b.Prefix == "":
		return []token{{s, quote}}
	case b.SeparateArgs():
		return []token{{b.Prefix, quote}, {s, quote}}
	default:
		return []token{{b.Prefix + s, quote}}
	}
}

func scalar(v any) string {
	if m, ok := v.(map[string]any); ok && cwl.IsFileOrDirectory(m) {
		p, _ := m["path"].(string)
		return p
	}
	return cwlexpr.ToString(v)
}

// assemble builds the final argv. Under ShellCommandRequirement the command
// runs as /bin/sh -c with every quotable token quoted.
func assemble(base []string, parts []part, shell bool) []string {
	var toks []token
	for _, b := range base {
		toks = append(toks, token{b, true})
	}
	for _, p := range parts {
		toks = append(toks, p.tokens...)
	}
	if !shell {
		argv := make([]string, len(toks))
		for i, t := range toks {
			argv[i] = t.text
		}
		return argv
	}
	words := make([]string, len(toks))
	for i, t := range toks {
		if t.quote {
			words[i] = ShellQuote(t.text)
		} else {
			words[i] = t.text
		}
	}
	return []string{"/bin/sh", "-c", strings.Join(words, " ")}
}
