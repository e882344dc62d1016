package cmdline

import "fmt"

// BindingError means no valid invocation can be built: an input is unbound
// or mistyped, an expression failed, or a requirement cannot be met.
type BindingError struct {
	Process string
	// Param names the input, argument or requirement at fault, if any.
	Param  string
	Reason string
	Err    error
}

func (e *BindingError) Error() string {
	msg := e.Reason
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg += ": " + e.Err.Error()
		}
	}
	if e.Param != "" {
		return fmt.Sprintf("%s: %s: %s", e.Process, e.Param, msg)
	}
	return fmt.Sprintf("%s: %s", e.Process, msg)
}

func (e *BindingError) Unwrap() error { return e.Err }
