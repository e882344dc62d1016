// Package sandbox runs one prepared command in an execution environment and
// reports how it exited. Backends know nothing about CWL.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Runtime abstracts the execution environment (local process, Docker).
type Runtime interface {
	// Name identifies the backend in logs and records.
	Name() string

	// Container reports whether commands see sandbox paths through mounts
	// rather than host paths.
	Container() bool

	// Run executes spec and blocks until it exits, times out or ctx is done.
	// A non-zero exit is a Result, not an error.
	Run(ctx context.Context, spec Spec) (*Result, error)
}

// Spec describes what to execute.
type Spec struct {
	// Name identifies the run to the backend. Docker uses it as the
	// container name so the container can be removed on cancellation.
	Name string

	Argv []string
	Env  map[string]string

	// WorkDir is the host directory the command runs in (local) or that is
	// mounted at SandboxDir (containers).
	WorkDir    string
	SandboxDir string

	// Stdin is a host path to read; Stdout and Stderr are host paths to create.
	Stdin  string
	Stdout string
	Stderr string

	Image  string
	Mounts []Mount

	Cores  float64
	RAMMiB int64

	// Timeout bounds the wall time; zero is unlimited.
	Timeout time.Duration
}

// Mount binds a host path into a container.
type Mount struct {
	Host     string
	Target   string
	ReadOnly bool
}

// Result holds how a command finished.
type Result struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Sentinel errors.
var (
	ErrEmptyCommand  = errors.New("empty command")
	ErrNoImage       = errors.New("container execution requested but no image specified")
	ErrNotExecutable = errors.New("command not found")
)

// TransientError marks a failure of the environment itself (daemon
// unavailable, resource exhaustion) that may succeed on retry.
type TransientError struct {
	Backend string
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Backend, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Temporary always reports true.
func (e *TransientError) Temporary() bool { return true }

// New returns the backend with the given name.
func New(name string) (Runtime, error) {
	switch name {
	case "", "local":
		return &Local{}, nil
	case "docker":
		return &Docker{}, nil
	}
	return nil, fmt.Errorf("unknown runtime %q", name)
}
