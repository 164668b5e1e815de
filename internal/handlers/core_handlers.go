package handlers

import (
	"net/http"
	"time"

	"gator-threads/internal/api"
)

// HandleHealth reports that the process is serving and which backend it
// talks to.
func (s *Server) HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.HealthResponse{
			Status:  "ok",
			Backend: s.BackendKind,
			Uptime:  s.Metrics.Uptime().Round(time.Second).String(),
		})
	}
}
