// Package handlers implements the endpoints of the status server.
package handlers

import (
	"context"
	"net/http"

	"github.com/marmos91/pmeta/pkg/pmfs"
)

// Source is the file system the status server reports on.
type Source interface {
	Stats() pmfs.Stats
	Check(ctx context.Context) (*pmfs.CheckReport, error)
}

// HealthHandler serves liveness, readiness, statistics and on-demand
// consistency checks.
type HealthHandler struct {
	source Source
}

// NewHealthHandler returns a handler for source. A nil source makes every
// endpoint except liveness report unavailable.
func NewHealthHandler(source Source) *HealthHandler {
	return &HealthHandler{source: source}
}

// Liveness handles GET /health. It succeeds while the server responds.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthyResponse(map[string]string{
		"service": "pmeta",
	}))
}

// Readiness handles GET /health/ready. A region whose header area latched
// read-only after a detected corruption is not ready.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("region not opened"))
		return
	}
	s := h.source.Stats()
	if s.ReadOnly {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("summary headers are read-only after corruption"))
		return
	}
	writeJSON(w, http.StatusOK, healthyResponse(map[string]any{
		"uuid":      s.UUID.String(),
		"inodes":    s.Inodes,
		"in_flight": s.InFlight,
	}))
}

// Stats handles GET /stats.
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("region not opened"))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(h.source.Stats()))
}

// Check handles GET /check. It answers 200 with the report when the region
// is consistent and 503 with the report when it is not.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("region not opened"))
		return
	}
	report, err := h.source.Check(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	if !report.OK() {
		resp := newResponse("unhealthy", report, "consistency check found problems")
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, healthyResponse(report))
}
