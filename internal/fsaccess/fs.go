// Package fsaccess is the host filesystem contract used for staging inputs
// and collecting outputs. Locations are plain paths or URIs; the local
// implementation accepts file:// URIs, the HTTP implementation reads http(s).
package fsaccess

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/me/cwlcore/pkg/cwl"
)

// FS reads and writes host locations.
type FS interface {
	Open(loc string) (io.ReadCloser, error)
	Stat(loc string) (fs.FileInfo, error)
	ReadDir(loc string) ([]fs.DirEntry, error)
	Glob(pattern string) ([]string, error)

	Create(path string) (io.WriteCloser, error)
	WriteFile(path string, data []byte, perm fs.FileMode) error
	MkdirAll(path string) error
	Symlink(target, link string) error
	RemoveAll(path string) error
}

// ErrUnsupported is returned for operations a backend cannot perform.
var ErrUnsupported = errors.New("operation not supported for location")

// IsRemote reports whether loc names an http(s) resource.
func IsRemote(loc string) bool {
	return strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://")
}

// Local accesses the host filesystem through package os.
type Local struct{}

var _ FS = Local{}

func localPath(loc string) (string, error) {
	if IsRemote(loc) {
		return "", &fs.PathError{Op: "resolve", Path: loc, Err: ErrUnsupported}
	}
	p := cwl.PathFromLocation(loc)
	if p == "" {
		return "", &fs.PathError{Op: "resolve", Path: loc, Err: fs.ErrInvalid}
	}
	return p, nil
}

func (Local) Open(loc string) (io.ReadCloser, error) {
	p, err := localPath(loc)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

func (Local) Stat(loc string) (fs.FileInfo, error) {
	p, err := localPath(loc)
	if err != nil {
		return nil, err
	}
	return os.Stat(p)
}

func (Local) ReadDir(loc string) ([]fs.DirEntry, error) {
	p, err := localPath(loc)
	if err != nil {
		return nil, err
	}
	return os.ReadDir(p)
}

func (Local) Glob(pattern string) ([]string, error) {
	return filepath.Glob(pattern)
}

func (Local) Create(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

func (Local) WriteFile(path string, data []byte, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, perm)
}

func (Local) MkdirAll(path string) error {
	return os.MkdirAll(path, 0o755)
}

func (Local) Symlink(target, link string) error {
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return err
	}
	return os.Symlink(target, link)
}

func (Local) RemoveAll(path string) error {
	return os.RemoveAll(path)
}
