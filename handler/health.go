package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/medialens/tweet-harvest-service/common/db"
	"github.com/medialens/tweet-harvest-service/common/supervisor"
)

// HealthHandler serves the operator view: worker heartbeats, pending
// message counts and store connectivity.
type HealthHandler struct {
	db     *db.DB
	sup    *supervisor.Supervisor
	router *chi.Mux
}

func NewHealthHandler(db *db.DB, sup *supervisor.Supervisor) *HealthHandler {
	h := &HealthHandler{
		db:  db,
		sup: sup,
	}

	r := chi.NewRouter()
	r.Get("/", h.handleHealthCheck)
	r.Get("/workers", h.handleWorkersHealth)

	h.router = r
	return h
}

func (h *HealthHandler) Router() *chi.Mux {
	return h.router
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (h *HealthHandler) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "tweet-harvest-service",
	}

	if err := h.db.Ping(ctx); err != nil {
		response["status"] = "unhealthy"
		response["database"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *HealthHandler) handleWorkersHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := h.sup.Snapshot()

	status := http.StatusOK
	for _, worker := range snapshot.Workers {
		if !worker.Healthy {
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, snapshot)
}
