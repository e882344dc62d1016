package cmdline

import (
	"fmt"
	"math"
	"time"

	"github.com/me/cwlcore/internal/cwlexpr"
	"github.com/me/cwlcore/pkg/cwl"
)

// resolveResources evaluates a ResourceRequirement. Each dimension requests its
// min, or its max when only a max is given, or the CWL default.
func resolveResources(rr *cwl.ResourceRequirement, eval *cwlexpr.Evaluator, ctx *cwlexpr.Context) (cwl.Resources, error) {
	res := cwl.Resources{
		Cores:     cwl.DefaultCoresMin,
		RAMMiB:    cwl.DefaultRAMMin,
		OutdirMiB: cwl.DefaultOutdirMin,
		TmpdirMiB: cwl.DefaultTmpdirMin,
	}
	if rr == nil {
		return res, nil
	}
	dims := []struct {
		name     string
		min, max any
		set      func(float64)
	}{
		{"cores", rr.CoresMin, rr.CoresMax, func(v float64) { res.Cores = v }},
		{"ram", rr.RamMin, rr.RamMax, func(v float64) { res.RAMMiB = ceil(v) }},
		{"outdir", rr.OutdirMin, rr.OutdirMax, func(v float64) { res.OutdirMiB = ceil(v) }},
		{"tmpdir", rr.TmpdirMin, rr.TmpdirMax, func(v float64) { res.TmpdirMiB = ceil(v) }},
	}
	for _, d := range dims {
		lo, hasLo, err := number(d.min, eval, ctx)
		if err != nil {
			return res, fmt.Errorf("%sMin: %w", d.name, err)
		}
		hi, hasHi, err := number(d.max, eval, ctx)
		if err != nil {
			return res, fmt.Errorf("%sMax: %w", d.name, err)
		}
		switch {
		case hasLo && hasHi && lo > hi:
			return res, fmt.Errorf("%sMin %g exceeds %sMax %g", d.name, lo, d.name, hi)
		case hasLo:
			d.set(lo)
		case hasHi:
			d.set(hi)
		}
		if (hasLo && lo < 0) || (hasHi && hi < 0) {
			return res, fmt.Errorf("%s must not be negative", d.name)
		}
	}
	return res, nil
}

// resolveTimeout evaluates ToolTimeLimit; zero means no limit from the tool.
func resolveTimeout(tl *cwl.ToolTimeLimitRequirement, eval *cwlexpr.Evaluator, ctx *cwlexpr.Context) (time.Duration, error) {
	if tl == nil {
		return 0, nil
	}
	secs, ok, err := number(tl.Timelimit, eval, ctx)
	if err != nil || !ok {
		return 0, err
	}
	if secs < 0 {
		return 0, fmt.Errorf("timelimit must not be negative")
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// number resolves a literal number or an expression to a float.
func number(v any, eval *cwlexpr.Evaluator, ctx *cwlexpr.Context) (float64, bool, error) {
	switch val := v.(type) {
	case nil:
		return 0, false, nil
	case string:
		if val == "" {
			return 0, false, nil
		}
		r, err := eval.Evaluate(val, ctx)
		if err != nil {
			return 0, false, err
		}
		if r == nil {
			return 0, false, nil
		}
		n, ok := cwlexpr.ToFloat(r)
		if !ok {
			return 0, false, fmt.Errorf("%q is not a number", cwlexpr.ToString(r))
		}
		return n, true, nil
	}
	n, ok := cwlexpr.ToFloat(v)
	if !ok {
		return 0, false, fmt.Errorf("%v is not a number", v)
	}
	return n, true, nil
}

func ceil(v float64) int64 {
	return int64(math.Ceil(v))
}
