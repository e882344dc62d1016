package fsaccess

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strconv"
	"time"
)

// HTTPConfig configures read access to http(s) locations.
type HTTPConfig struct {
	// Timeout is the per-request timeout (default 5m).
	Timeout time.Duration

	// MaxRetries is the number of additional attempts after a failure.
	MaxRetries int

	// RetryDelay is the initial backoff delay (default 1s), doubled per attempt.
	RetryDelay time.Duration

	// Headers are added to every request.
	Headers map[string]string
}

// HTTP is a read-only FS over http(s) URLs. Client errors (4xx) are not retried.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTP creates an HTTP filesystem.
func NewHTTP(cfg HTTPConfig) *HTTP {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &HTTP{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("GET %s: HTTP %d: %s", e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
}

// Temporary reports whether retrying may succeed (5xx and 429).
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

func (h *HTTP) do(method, url string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(h.retryDelay(attempt - 1))
		}
		req, err := http.NewRequestWithContext(context.Background(), method, url, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range h.cfg.Headers {
			req.Header.Set(k, v)
		}
		resp, err := h.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		se := &StatusError{URL: url, StatusCode: resp.StatusCode, Body: string(body)}
		if !se.Temporary() {
			return nil, se
		}
		lastErr = se
	}
	return nil, lastErr
}

// retryDelay is exponential backoff capped at 30s.
func (h *HTTP) retryDelay(attempt int) time.Duration {
	delay := h.cfg.RetryDelay
	if delay == 0 {
		delay = time.Second
	}
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return min(delay, 30*time.Second)
}

func (h *HTTP) Open(loc string) (io.ReadCloser, error) {
	resp, err := h.do(http.MethodGet, loc)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (h *HTTP) Stat(loc string) (fs.FileInfo, error) {
	resp, err := h.do(http.MethodHead, loc)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	mod, _ := http.ParseTime(resp.Header.Get("Last-Modified"))
	return remoteInfo{name: path.Base(loc), size: size, mod: mod}, nil
}

func (h *HTTP) ReadDir(loc string) ([]fs.DirEntry, error) {
	return nil, &fs.PathError{Op: "readdir", Path: loc, Err: ErrUnsupported}
}

func (h *HTTP) Glob(pattern string) ([]string, error) {
	return nil, &fs.PathError{Op: "glob", Path: pattern, Err: ErrUnsupported}
}

func (h *HTTP) Create(p string) (io.WriteCloser, error) {
	return nil, &fs.PathError{Op: "create", Path: p, Err: ErrUnsupported}
}

func (h *HTTP) WriteFile(p string, _ []byte, _ fs.FileMode) error {
	return &fs.PathError{Op: "write", Path: p, Err: ErrUnsupported}
}

func (h *HTTP) MkdirAll(p string) error {
	return &fs.PathError{Op: "mkdir", Path: p, Err: ErrUnsupported}
}

func (h *HTTP) Symlink(_, link string) error {
	return &fs.PathError{Op: "symlink", Path: link, Err: ErrUnsupported}
}

func (h *HTTP) RemoveAll(p string) error {
	return &fs.PathError{Op: "remove", Path: p, Err: ErrUnsupported}
}

type remoteInfo struct {
	name string
	size int64
	mod  time.Time
}

func (i remoteInfo) Name() string       { return i.name }
func (i remoteInfo) Size() int64        { return i.size }
func (i remoteInfo) Mode() fs.FileMode  { return 0o444 }
func (i remoteInfo) ModTime() time.Time { return i.mod }
func (i remoteInfo) IsDir() bool        { return false }
func (i remoteInfo) Sys() any           { return nil }

// Router reads http(s) locations through Remote and everything else, including
// all writes, through Local.
type Router struct {
	Local  FS
	Remote FS
}

var _ FS = (*Router)(nil)

// NewRouter returns a Router over the local filesystem and an HTTP reader.
func NewRouter(cfg HTTPConfig) *Router {
	return &Router{Local: Local{}, Remote: NewHTTP(cfg)}
}

func (r *Router) pick(loc string) FS {
	if IsRemote(loc) && r.Remote != nil {
		return r.Remote
	}
	return r.Local
}

func (r *Router) Open(loc string) (io.ReadCloser, error)    { return r.pick(loc).Open(loc) }
func (r *Router) Stat(loc string) (fs.FileInfo, error)      { return r.pick(loc).Stat(loc) }
func (r *Router) ReadDir(loc string) ([]fs.DirEntry, error) { return r.pick(loc).ReadDir(loc) }
func (r *Router) Glob(pattern string) ([]string, error)     { return r.Local.Glob(pattern) }
func (r *Router) Create(p string) (io.WriteCloser, error)   { return r.Local.Create(p) }
func (r *Router) MkdirAll(p string) error                   { return r.Local.MkdirAll(p) }
func (r *Router) Symlink(target, link string) error         { return r.Local.Symlink(target, link) }
func (r *Router) RemoveAll(p string) error                  { return r.Local.RemoveAll(p) }

func (r *Router) WriteFile(p string, data []byte, perm fs.FileMode) error {
	return r.Local.WriteFile(p, data, perm)
}
