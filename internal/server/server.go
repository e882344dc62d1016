package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/cwlcore/internal/executor"
	"github.com/me/cwlcore/internal/loader"
	"github.com/me/cwlcore/internal/store"
)

// Server is the run submission and status API. Submitted runs execute on
// the Executor in the background; their progress is read back from the
// Store, which must be the Executor's Recorder.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	startTime time.Time
	exec      *executor.Executor
	store     store.Store
	loader    *loader.Loader
	baseDir   string

	ctx    context.Context
	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures optional Server settings.
type Option func(*Server)

// WithBaseDir sets the directory relative run and $import references in
// submitted documents resolve against.
func WithBaseDir(dir string) Option {
	return func(s *Server) {
		s.baseDir = dir
	}
}

// WithContext sets the parent context of every submitted run. Cancelling
// it cancels the runs.
func WithContext(ctx context.Context) Option {
	return func(s *Server) {
		s.ctx = ctx
	}
}

// New creates a new Server with all routes registered.
func New(exec *executor.Executor, st store.Store, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		startTime: time.Now(),
		exec:      exec,
		store:     st,
		loader:    loader.New(logger),
		baseDir:   ".",
		ctx:       context.Background(),
		active:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until every submitted run has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Shutdown cancels every active run and waits for them, or until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/health", s.handleHealth)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleCreateRun)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Delete("/", s.handleCancelRun)
		})
	})
}

func (s *Server) activeRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
