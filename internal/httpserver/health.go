package httpserver

import (
	"net/http"
)

// HealthResponse is the JSON response for the health check endpoint
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version,omitempty"`
	AuthMode  string `json:"auth_mode"`
	Connected bool   `json:"connected"`
}

// handleHealth handles health check requests. It never triggers a login.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   Version,
		AuthMode:  string(s.backend.Mode()),
		Connected: s.backend.IsConnected(),
	})
}
