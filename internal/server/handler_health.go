package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
)

type healthResponse struct {
	Status     string `json:"status"`
	GoVersion  string `json:"go_version"`
	Uptime     string `json:"uptime"`
	Store      string `json:"store"`
	ActiveRuns int    `json:"active_runs"`
	Budget     budget `json:"budget"`
}

type budget struct {
	Cores  float64 `json:"cores"`
	RAM    string  `json:"ram"`
	Tmpdir string  `json:"tmpdir"`
	Outdir string  `json:"outdir"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	storeStatus := "ok"
	if _, _, err := s.store.ListRuns(r.Context(), listProbe); err != nil {
		storeStatus = "error: " + err.Error()
	}
	status := "healthy"
	if storeStatus != "ok" {
		status = "degraded"
	}

	b := s.exec.Config().Budget
	respondOK(w, reqID, healthResponse{
		Status:     status,
		GoVersion:  runtime.Version(),
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Store:      storeStatus,
		ActiveRuns: s.activeRuns(),
		Budget: budget{
			Cores:  b.Cores,
			RAM:    size(b.RAMMiB),
			Tmpdir: size(b.TmpdirMiB),
			Outdir: size(b.OutdirMiB),
		},
	})
}

func size(mib int64) string {
	if mib <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(mib) << 20)
}
