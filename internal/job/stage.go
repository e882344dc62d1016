package job

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/me/cwlcore/internal/fsaccess"
	"github.com/me/cwlcore/internal/pathmapper"
	"github.com/me/cwlcore/internal/sandbox"
	"github.com/me/cwlcore/pkg/cwl"
)

// stage materializes the mapper's entries under the sandbox root.
func (j *Job) stage() error {
	dirs := j.plan.Dirs
	for _, dir := range []string{dirs.Out.Host, dirs.Tmp.Host, dirs.Stage.Host} {
		if err := j.opts.FS.MkdirAll(dir); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	for _, e := range j.plan.Mapper.Entries() {
		if err := j.stageEntry(e); err != nil {
			return fmt.Errorf("stage %s: %w", e.Target, err)
		}
	}
	return nil
}

func (j *Job) stageEntry(e pathmapper.Entry) error {
	fsys := j.opts.FS
	switch e.Action {
	case pathmapper.ActionNoop:
		return nil
	case pathmapper.ActionMkdir:
		return fsys.MkdirAll(e.Staged)
	case pathmapper.ActionLiteral:
		return fsys.WriteFile(e.Staged, []byte(e.Contents), 0o644)
	case pathmapper.ActionLink:
		if err := j.verify(e, ""); err != nil {
			return err
		}
		if j.opts.Runtime.Container() {
			j.mounts = append(j.mounts, sandbox.Mount{Host: e.Host, Target: e.Target, ReadOnly: !e.Writable})
			return nil
		}
		return fsys.Symlink(e.Host, e.Staged)
	case pathmapper.ActionCopy:
		if e.Class == cwl.ClassDirectory {
			return fsaccess.CopyTree(fsys, e.Host, e.Staged)
		}
		sum, err := fsaccess.CopyFile(fsys, e.Host, e.Staged)
		if err != nil {
			return err
		}
		return j.verify(e, sum)
	}
	return fmt.Errorf("unknown staging action %q", e.Action)
}

// verify compares a File's declared sha1 checksum with its content. sum is
// the digest already computed while copying, if any.
func (j *Job) verify(e pathmapper.Entry, sum string) error {
	want, ok := strings.CutPrefix(e.Checksum, "sha1$")
	if !ok || e.Class != cwl.ClassFile {
		return nil
	}
	if sum == "" {
		var err error
		if sum, err = fsaccess.SHA1(j.opts.FS, e.Host); err != nil {
			return err
		}
	}
	if !strings.EqualFold(sum, want) {
		return &IntegrityError{Location: e.Host, Expected: want, Actual: sum}
	}
	return nil
}

// execute hands the plan to the sandbox runtime.
func (j *Job) execute(ctx context.Context) (*sandbox.Result, error) {
	p := j.plan
	spec := sandbox.Spec{
		Name:    "cwl-" + j.ID,
		Argv:    p.Argv,
		Env:     p.Env,
		WorkDir: p.Dirs.Out.Host,
		Image:   p.Image,
		Cores:   p.Resources.Cores,
		RAMMiB:  p.Resources.RAMMiB,
		Timeout: p.Timeout,
	}
	if j.opts.Runtime.Container() {
		spec.SandboxDir = p.Dirs.Out.Target
		spec.Mounts = append([]sandbox.Mount{
			{Host: p.Dirs.Tmp.Host, Target: p.Dirs.Tmp.Target},
			{Host: p.Dirs.Stage.Host, Target: p.Dirs.Stage.Target},
		}, j.mounts...)
	}
	if p.Stdin != "" {
		spec.Stdin = j.hostFile(p.Stdin)
	}
	if p.Stdout != "" {
		spec.Stdout = filepath.Join(p.Dirs.Out.Host, p.Stdout)
	}
	if p.Stderr != "" {
		spec.Stderr = filepath.Join(p.Dirs.Out.Host, p.Stderr)
	}
	return j.opts.Runtime.Run(ctx, spec)
}

// hostFile resolves a sandbox path to a host file readable by the engine.
// Under containers, linked entries exist only as mounts, so the original is used.
func (j *Job) hostFile(target string) string {
	m := j.plan.Mapper
	if j.opts.Runtime.Container() {
		for _, e := range m.Entries() {
			if e.Target == target && e.Action == pathmapper.ActionLink {
				return e.Host
			}
		}
	}
	if h, ok := m.HostPath(target); ok {
		return h
	}
	return target
}
