package httpserver

import (
	"bytes"
	"log/slog"
	"net/http"
)

// callbackPage is the data passed to the browser-facing callback templates.
type callbackPage struct {
	Message string
	Error   string
}

func (s *Server) renderSuccess(w http.ResponseWriter, message string) {
	s.renderPage(w, http.StatusOK, "success.html", callbackPage{Message: message})
}

func (s *Server) renderError(w http.ResponseWriter, errMsg string) {
	s.renderPage(w, http.StatusBadRequest, "error.html", callbackPage{Error: errMsg})
}

// renderPage executes the template into a buffer first so a template failure
// can still be reported as a 500.
func (s *Server) renderPage(w http.ResponseWriter, status int, name string, page callbackPage) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, page); err != nil {
		slog.Error("failed to render callback page", "template", name, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
