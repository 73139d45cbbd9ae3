package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/medialens/tweet-harvest-service/common/supervisor"
)

// StatsHandler exposes the pending-message table for operators chasing
// stuck jobs.
type StatsHandler struct {
	sup    *supervisor.Supervisor
	router *chi.Mux
}

func NewStatsHandler(sup *supervisor.Supervisor) *StatsHandler {
	h := &StatsHandler{sup: sup}

	r := chi.NewRouter()
	r.Get("/", h.handleStats)

	h.router = r
	return h
}

func (h *StatsHandler) Router() *chi.Mux {
	return h.router
}

func (h *StatsHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshot := h.sup.Snapshot()

	writeJSON(w, http.StatusOK, map[string]any{
		"pending": snapshot.Pending,
		"workers": len(snapshot.Workers),
	})
}
