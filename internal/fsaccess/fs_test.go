package fsaccess

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocal_FileURI(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a b.txt")
	if err := os.WriteFile(p, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	fsys := Local{}
	for _, loc := range []string{p, "file://" + filepath.Join(dir, "a%20b.txt")} {
		rc, err := fsys.Open(loc)
		if err != nil {
			t.Fatalf("Open(%q): %v", loc, err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		if string(data) != "hello" {
			t.Errorf("Open(%q) read %q", loc, data)
		}
	}
	if _, err := fsys.Open("https://example.com/x"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("remote open err = %v, want ErrUnsupported", err)
	}
}

func TestCopyFileDigest(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	os.WriteFile(src, []byte("abc"), 0o644)

	sum, err := CopyFile(Local{}, src, filepath.Join(dir, "nested", "dst.txt"))
	if err != nil {
		t.Fatal(err)
	}
	// sha1("abc")
	if want := "a9993e364706816aba3e25717850c26c9cd0d89d"; sum != want {
		t.Errorf("digest = %s, want %s", sum, want)
	}
	got, _ := os.ReadFile(filepath.Join(dir, "nested", "dst.txt"))
	if string(got) != "abc" {
		t.Errorf("copied content = %q", got)
	}
	if s, _ := SHA1(Local{}, src); s != sum {
		t.Errorf("SHA1 = %s, want %s", s, sum)
	}
}

func TestCopyTree(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	os.MkdirAll(filepath.Join(src, "sub"), 0o755)
	os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o644)
	os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("b"), 0o644)

	dst := filepath.Join(dir, "dst")
	if err := CopyTree(Local{}, src, dst); err != nil {
		t.Fatal(err)
	}
	for _, rel := range []string{"a.txt", "sub/b.txt"} {
		if _, err := os.Stat(filepath.Join(dst, rel)); err != nil {
			t.Errorf("missing %s: %v", rel, err)
		}
	}
}

func TestReadHead(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	os.WriteFile(p, []byte("0123456789"), 0o644)
	got, err := ReadHead(Local{}, p, 4)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "0123" {
		t.Errorf("ReadHead = %q, want 0123", got)
	}
}

func TestHTTP_OpenRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("remote data"))
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{MaxRetries: 2, RetryDelay: time.Millisecond})
	rc, err := h.Open(srv.URL + "/file.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "remote data" {
		t.Errorf("data = %q", data)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestHTTP_ClientErrorNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{MaxRetries: 3, RetryDelay: time.Millisecond})
	_, err := h.Open(srv.URL + "/missing")
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 StatusError", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestRouter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		if r.Method == http.MethodGet {
			w.Write([]byte("hello"))
		}
	}))
	defer srv.Close()

	r := NewRouter(HTTPConfig{})
	fi, err := r.Stat(srv.URL + "/x.txt")
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 5 || fi.Name() != "x.txt" {
		t.Errorf("Stat = %s %d", fi.Name(), fi.Size())
	}

	dst := filepath.Join(t.TempDir(), "x.txt")
	if _, err := CopyFile(r, srv.URL+"/x.txt", dst); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Stat(dst); err != nil {
		t.Errorf("local Stat via router: %v", err)
	}
}

func TestLoadContentsLimit(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "small")
	big := filepath.Join(dir, "big")
	os.WriteFile(small, []byte("ok"), 0o644)
	os.WriteFile(big, make([]byte, ContentsLimit+1), 0o644)

	if got, err := LoadContents(Local{}, small); err != nil || got != "ok" {
		t.Errorf("LoadContents(small) = %q, %v", got, err)
	}
	if _, err := LoadContents(Local{}, big); !errors.Is(err, ErrTooLarge) {
		t.Errorf("LoadContents(big) err = %v, want ErrTooLarge", err)
	}
}
