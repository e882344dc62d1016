package fsaccess

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
)

// CopyFile copies the location src to the host path dst and returns the
// sha1 digest of the copied bytes.
func CopyFile(fsys FS, src, dst string) (string, error) {
	in, err := fsys.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := fsys.Create(dst)
	if err != nil {
		return "", err
	}
	h := sha1.New()
	_, err = io.Copy(io.MultiWriter(out, h), in)
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("copy %s: %w", src, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CopyTree copies a directory location recursively to dst.
func CopyTree(fsys FS, src, dst string) error {
	if err := fsys.MkdirAll(dst); err != nil {
		return err
	}
	entries, err := fsys.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		s := joinLocation(src, e.Name())
		d := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := CopyTree(fsys, s, d); err != nil {
				return err
			}
			continue
		}
		if _, err := CopyFile(fsys, s, d); err != nil {
			return err
		}
	}
	return nil
}

// SHA1 returns the hex sha1 digest of the file at loc.
func SHA1(fsys FS, loc string) (string, error) {
	in, err := fsys.Open(loc)
	if err != nil {
		return "", err
	}
	defer in.Close()
	return digest(sha1.New(), in)
}

func digest(h hash.Hash, r io.Reader) (string, error) {
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReadHead reads at most limit bytes from loc.
func ReadHead(fsys FS, loc string, limit int64) ([]byte, error) {
	in, err := fsys.Open(loc)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	return io.ReadAll(io.LimitReader(in, limit))
}

// Size returns the size of the file at loc.
func Size(fsys FS, loc string) (int64, error) {
	fi, err := fsys.Stat(loc)
	if err != nil {
		return 0, err
	}
	if fi.IsDir() {
		return 0, &fs.PathError{Op: "size", Path: loc, Err: fmt.Errorf("is a directory")}
	}
	return fi.Size(), nil
}

func joinLocation(dir, name string) string {
	if IsRemote(dir) {
		return dir + "/" + name
	}
	if rest, ok := strings.CutPrefix(dir, "file://"); ok {
		return "file://" + path.Join(rest, name)
	}
	return filepath.Join(dir, name)
}

// ContentsLimit is the largest file loadContents accepts.
const ContentsLimit = 64 * 1024

// ErrTooLarge is returned by LoadContents for files over ContentsLimit.
var ErrTooLarge = errors.New("file exceeds 64 KiB loadContents limit")

// LoadContents reads a whole file of at most ContentsLimit bytes.
func LoadContents(fsys FS, loc string) (string, error) {
	data, err := ReadHead(fsys, loc, ContentsLimit+1)
	if err != nil {
		return "", err
	}
	if len(data) > ContentsLimit {
		return "", fmt.Errorf("%s: %w", loc, ErrTooLarge)
	}
	return string(data), nil
}
