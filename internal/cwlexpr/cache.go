package cwlexpr

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

// The library cache is process-wide: every Evaluator shares compiled
// expressionLib programs, keyed by source text. A fresh VM runs each
// evaluation, so no JavaScript state survives between calls.
var libCache struct {
	mu       sync.Mutex
	programs map[string]*goja.Program
}

// Init prepares the process-wide library cache. It is safe to call more than
// once; evaluators call it lazily.
func Init() {
	libCache.mu.Lock()
	defer libCache.mu.Unlock()
	if libCache.programs == nil {
		libCache.programs = make(map[string]*goja.Program)
	}
}

// Reset drops every compiled library program.
func Reset() {
	libCache.mu.Lock()
	defer libCache.mu.Unlock()
	libCache.programs = nil
}

// CachedLibraries returns the number of compiled library programs held.
func CachedLibraries() int {
	libCache.mu.Lock()
	defer libCache.mu.Unlock()
	return len(libCache.programs)
}

func compileLib(i int, src string) (*goja.Program, error) {
	Init()
	libCache.mu.Lock()
	defer libCache.mu.Unlock()
	if p, ok := libCache.programs[src]; ok {
		return p, nil
	}
	p, err := goja.Compile(fmt.Sprintf("expressionLib[%d]", i), src, false)
	if err != nil {
		return nil, fmt.Errorf("expressionLib[%d]: %w", i, err)
	}
	if libCache.programs == nil {
		libCache.programs = make(map[string]*goja.Program)
	}
	libCache.programs[src] = p
	return p, nil
}
