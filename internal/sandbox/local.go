package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
)

// Local executes commands as host processes. Paths in the command are host
// paths, so staging must have materialized every input where the plan says.
type Local struct {
	// InheritEnv passes the host environment through, not just PATH.
	InheritEnv bool
}

func (r *Local) Name() string { return "local" }

func (r *Local) Container() bool { return false }

// Run executes a command locally.
func (r *Local) Run(ctx context.Context, spec Spec) (*Result, error) {
	if len(spec.Argv) == 0 {
		return nil, ErrEmptyCommand
	}
	if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}

	ctx, cancel := withTimeout(ctx, spec.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = r.environ(spec.Env)

	closeStreams, err := streams(cmd, spec)
	if err != nil {
		return nil, err
	}
	defer closeStreams()
	return wait(ctx, cmd)
}

func (r *Local) environ(env map[string]string) []string {
	var out []string
	if r.InheritEnv {
		out = os.Environ()
	} else if _, ok := env["PATH"]; !ok {
		if p, ok := os.LookupEnv("PATH"); ok {
			out = append(out, "PATH="+p)
		}
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
