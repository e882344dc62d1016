package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/me/cwlcore/internal/loader"
	"github.com/me/cwlcore/internal/process"
	"github.com/me/cwlcore/internal/workflow"
	"github.com/me/cwlcore/pkg/cwl"
	"github.com/me/cwlcore/pkg/model"
)

var listProbe = model.ListOptions{Limit: 1}

// createRunRequest is the POST /runs body. Process is either a document
// object or a string holding YAML text.
type createRunRequest struct {
	Process json.RawMessage   `json:"process"`
	Inputs  json.RawMessage   `json:"inputs"`
	Labels  map[string]string `json:"labels"`
}

type runAccepted struct {
	ID        string          `json:"id"`
	ProcessID string          `json:"process_id"`
	Status    model.RunStatus `json:"status"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, model.NewValidationError("Invalid JSON body: "+err.Error()))
		return
	}
	doc, err := documentBytes(req.Process)
	if err != nil {
		respondError(w, reqID, model.NewValidationError("invalid process",
			model.FieldError{Field: "process", Message: err.Error()}))
		return
	}

	proc, err := s.loader.ParseProcess(doc, s.baseDir)
	if err != nil {
		respondError(w, reqID, model.NewValidationError("invalid process",
			model.FieldError{Field: "process", Message: err.Error()}))
		return
	}
	inputs := map[string]any{}
	if raw := bytes.TrimSpace(req.Inputs); len(raw) > 0 && string(raw) != "null" {
		if inputs, err = loader.ParseInputs(raw, s.baseDir); err != nil {
			respondError(w, reqID, model.NewValidationError("invalid inputs",
				model.FieldError{Field: "inputs", Message: err.Error()}))
			return
		}
	}

	// Bind the root inputs now so binding errors are reported to the caller
	// instead of failing the run in the background.
	root := process.AsWorkflow(proc)
	if _, err := workflow.New(root, inputs, workflow.Options{FS: s.exec.Config().Factory.Jobs.FS}); err != nil {
		respondError(w, reqID, model.NewValidationError("inputs do not bind",
			model.FieldError{Field: "inputs", Message: err.Error()}))
		return
	}

	id := uuid.NewString()
	run := &model.Run{
		ID:          id,
		ProcessID:   root.ID,
		Status:      model.RunRunning,
		FailureMode: s.exec.Config().FailureMode,
		Inputs:      inputs,
		Labels:      req.Labels,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.RunStarted(r.Context(), run); err != nil {
		respondError(w, reqID, model.NewInternalError(err.Error()))
		return
	}

	s.start(id, proc, inputs)
	respondAccepted(w, reqID, runAccepted{ID: id, ProcessID: root.ID, Status: model.RunRunning})
}

// start runs proc in the background under the server context.
func (s *Server) start(id string, proc *cwl.Process, inputs map[string]any) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.active[id] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, id)
			s.mu.Unlock()
			cancel()
		}()

		res, err := s.exec.InvokeWithID(ctx, id, proc, inputs)
		switch {
		case res == nil && err != nil:
			s.logger.Error("run did not start", "run", id, "error", err)
			done := time.Now().UTC()
			fin := &model.Run{ID: id, Status: model.RunFailed, Error: err.Error(), CompletedAt: &done}
			if rerr := s.store.RunFinished(context.WithoutCancel(ctx), fin); rerr != nil {
				s.logger.Warn("record run", "run", id, "error", rerr)
			}
		case errors.Is(err, context.Canceled):
			s.logger.Info("run cancelled", "run", id)
		case err != nil:
			s.logger.Warn("run ended with error", "run", id, "status", res.Status, "error", err)
		default:
			s.logger.Debug("run done", "run", id, "status", res.Status)
		}
	}()
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, apiErr)
		return
	}
	runs, total, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		respondError(w, reqID, model.NewInternalError(err.Error()))
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	respondList(w, reqID, runs, opts.Page(len(runs), total))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		respondError(w, reqID, model.NewNotFoundError("run", id))
		return
	}
	respondOK(w, reqID, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	cancel, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		cancel()
		respondAccepted(w, reqID, map[string]string{"id": id, "status": "cancelling"})
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		respondError(w, reqID, model.NewNotFoundError("run", id))
		return
	}
	respondError(w, reqID, &model.APIError{
		Code:    model.ErrConflict,
		Message: "run '" + id + "' is " + string(run.Status) + ", not running",
	})
}

// listOptions reads limit, offset and status query parameters.
func listOptions(r *http.Request) (model.ListOptions, *model.APIError) {
	opts := model.DefaultListOptions()
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"limit", &opts.Limit},
		{"offset", &opts.Offset},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, model.NewValidationError("invalid query parameter",
				model.FieldError{Field: p.name, Message: "must be an integer"})
		}
		*p.dst = n
	}
	if st := model.RunStatus(q.Get("status")); st != "" {
		switch st {
		case model.RunRunning, model.RunSucceeded, model.RunPartiallyFailed, model.RunFailed:
			opts.Status = st
		default:
			return opts, model.NewValidationError("invalid query parameter",
				model.FieldError{Field: "status", Message: "unknown run status " + strconv.Quote(string(st))})
		}
	}
	return opts, nil
}

// documentBytes returns the document text carried by raw, which is either a
// JSON string of YAML or a JSON object. YAML is a superset of JSON, so an
// object is passed through as is.
func documentBytes(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("process is required")
	}
	switch raw[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		return []byte(text), nil
	case '{':
		return raw, nil
	default:
		return nil, errors.New("process must be an object or a YAML string")
	}
}
