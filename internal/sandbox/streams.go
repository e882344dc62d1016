package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// waitDelay bounds how long Wait keeps copying I/O after the process has
// been killed.
const waitDelay = 2 * time.Second

// streams opens the redirections of spec and returns a closer for all of them.
func streams(cmd *exec.Cmd, spec Spec) (func(), error) {
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}

	if spec.Stdin != "" {
		f, err := os.Open(spec.Stdin)
		if err != nil {
			return nil, fmt.Errorf("open stdin: %w", err)
		}
		files = append(files, f)
		cmd.Stdin = f
	}

	// An unset stream stays nil and is attached to the null device.
	create := func(p string) (*os.File, error) {
		if p == "" {
			return nil, nil
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
		f, err := os.Create(p)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
		return f, nil
	}
	stdout, err := create(spec.Stdout)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("create stdout file: %w", err)
	}
	if stdout != nil {
		cmd.Stdout = stdout
	}
	stderr, err := create(spec.Stderr)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("create stderr file: %w", err)
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}
	return closeAll, nil
}

// wait runs cmd and converts its termination into a Result.
func wait(ctx context.Context, cmd *exec.Cmd) (*Result, error) {
	isolate(cmd)
	start := time.Now()
	err := cmd.Run()
	res := &Result{Duration: time.Since(start)}
	if err == nil {
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return nil, fmt.Errorf("%w: %v", ErrNotExecutable, err)
	}
	return nil, err
}

// withTimeout derives the context bounding one run.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
