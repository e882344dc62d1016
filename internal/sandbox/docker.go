package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// exitDockerFailed is docker run's own failure code: the daemon could not
// create or start the container.
const exitDockerFailed = 125

// Docker executes commands in Docker containers.
type Docker struct {
	// Command is the path to the docker binary (default: "docker").
	Command string

	// User is passed as --user when set.
	User string
}

func (r *Docker) Name() string { return "docker" }

func (r *Docker) Container() bool { return true }

// Run executes a command in a Docker container.
func (r *Docker) Run(ctx context.Context, spec Spec) (*Result, error) {
	if len(spec.Argv) == 0 {
		return nil, ErrEmptyCommand
	}
	if spec.Image == "" {
		return nil, ErrNoImage
	}

	ctx, cancel := withTimeout(ctx, spec.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.command(), r.Args(spec)...)
	closeStreams, err := streams(cmd, spec)
	if err != nil {
		return nil, err
	}
	defer closeStreams()

	res, err := wait(ctx, cmd)
	if ctx.Err() != nil && spec.Name != "" {
		// Killing the client leaves the container running.
		r.remove(spec.Name)
	}
	if err != nil {
		if errors.Is(err, ErrNotExecutable) {
			return nil, &TransientError{Backend: r.Name(), Err: err}
		}
		return nil, err
	}
	if res.ExitCode == exitDockerFailed {
		return nil, &TransientError{Backend: r.Name(), Err: fmt.Errorf("docker run exited with status %d", res.ExitCode)}
	}
	return res, nil
}

// remove force-removes the named container. Errors are ignored; the
// container may never have been created.
func (r *Docker) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	exec.CommandContext(ctx, r.command(), "rm", "-f", name).Run()
}

func (r *Docker) command() string {
	if r.Command == "" {
		return "docker"
	}
	return r.Command
}

// Args returns the docker CLI arguments for spec.
func (r *Docker) Args(spec Spec) []string {
	args := []string{"run", "--rm", "-i"}
	if spec.Stdin == "" {
		args = args[:2]
	}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	if r.User != "" {
		args = append(args, "--user", r.User)
	}
	if spec.SandboxDir != "" {
		args = append(args, "--mount", fmt.Sprintf("type=bind,source=%s,target=%s", resolveSymlinks(spec.WorkDir), spec.SandboxDir))
		args = append(args, "--workdir", spec.SandboxDir)
	}
	for _, m := range spec.Mounts {
		opt := fmt.Sprintf("type=bind,source=%s,target=%s", resolveSymlinks(m.Host), m.Target)
		if m.ReadOnly {
			opt += ",readonly"
		}
		args = append(args, "--mount", opt)
	}
	if spec.Cores > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.Cores, 'f', -1, 64))
	}
	if spec.RAMMiB > 0 {
		args = append(args, "--memory", strconv.FormatInt(spec.RAMMiB, 10)+"m")
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--env", k+"="+spec.Env[k])
	}

	args = append(args, spec.Image)
	return append(args, spec.Argv...)
}

func resolveSymlinks(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return abs
	}
	return resolved
}
