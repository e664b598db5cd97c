// Package api serves persisted runs, evidence records and rate tables over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		version: version,
	}
}

// EvidenceListResponse is the response for GET /runs/{runID}/evidence.
type EvidenceListResponse struct {
	RunID    string                   `json:"runId"`
	Count    int                      `json:"count"`
	Evidence []*domain.EvidenceRecord `json:"evidence"`
}

// Health reports the state of every configured backend.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}

	if h.repo != nil {
		check("repository", h.repo.Ping)
	}
	if h.cache != nil {
		check("cache", h.cache.Ping)
	}
	if h.bus != nil {
		check("bus", h.bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server can answer queries.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetRun retrieves a run summary.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	runID := chi.URLParam(r, "runID")

	run, err := h.repo.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, err, "run", runID)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ListEvidence lists the evidence records of a run, highest risk first.
// Optional query parameters: min_risk (0..1) and limit (> 0).
func (h *Handler) ListEvidence(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	runID := chi.URLParam(r, "runID")

	minRisk, limit, ok := parseListParams(w, r)
	if !ok {
		return
	}

	records, err := h.repo.ListEvidence(r.Context(), runID)
	if err != nil {
		writeError(w, err, "evidence", runID)
		return
	}

	out := make([]*domain.EvidenceRecord, 0, len(records))
	for _, rec := range records {
		if rec.RiskScore() < minRisk {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}

	writeJSON(w, http.StatusOK, EvidenceListResponse{
		RunID:    runID,
		Count:    len(out),
		Evidence: out,
	})
}

// GetEvidence retrieves one evidence record.
func (h *Handler) GetEvidence(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	runID := chi.URLParam(r, "runID")
	alertID := chi.URLParam(r, "alertID")

	rec, err := h.repo.GetEvidence(r.Context(), runID, alertID)
	if err != nil {
		writeError(w, err, "evidence", alertID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetRateTable retrieves a fitted rate table, cache first.
func (h *Handler) GetRateTable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tableID := chi.URLParam(r, "id")

	if h.cache != nil {
		table, err := h.cache.GetRateTable(ctx, tableID)
		if err != nil {
			slog.Warn("rate table cache lookup failed", "id", tableID, "error", err)
		}
		if table != nil {
			writeJSON(w, http.StatusOK, table)
			return
		}
	}

	if !h.requireRepo(w) {
		return
	}
	table, err := h.repo.GetRateTable(ctx, tableID)
	if err != nil {
		writeError(w, err, "rate table", tableID)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return false
	}
	return true
}

func parseListParams(w http.ResponseWriter, r *http.Request) (float64, int, bool) {
	q := r.URL.Query()
	minRisk := 0.0
	limit := 0

	if v := q.Get("min_risk"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "min_risk must be a number in [0, 1]",
			})
			return 0, 0, false
		}
		minRisk = f
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return 0, 0, false
		}
		limit = n
	}
	return minRisk, limit, true
}

func writeError(w http.ResponseWriter, err error, what, id string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": what + " not found",
		})
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	default:
		slog.Error("failed to load "+what, "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
