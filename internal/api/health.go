package api

import (
	"context"
	"net/http"
	"time"
)

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	services := make(map[string]string, len(s.opts.Checks))
	for name, check := range s.opts.Checks {
		if err := check.Ping(ctx); err != nil {
			services[name] = "disconnected"
			continue
		}
		services[name] = "connected"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: s.opts.Now().UTC().Format(time.RFC3339),
		Services:  services,
	})
}
