package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hnizdiljan/eway-crm-gateway/internal/eway"
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error            string `json:"error"`
	Code             int    `json:"code"`
	Details          string `json:"details,omitempty"`
	ReturnCode       string `json:"returnCode,omitempty"`
	AuthorizationURL string `json:"authorizationUrl,omitempty"`
	Instructions     string `json:"instructions,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort: headers/status may already be written.
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: status})
}

// statusForReturnCode maps a non-success backend result onto an HTTP status.
func statusForReturnCode(rc eway.ReturnCode) int {
	switch rc.Kind() {
	case eway.KindSuccess:
		return http.StatusOK
	case eway.KindValidation:
		return http.StatusBadRequest
	case eway.KindBadSession, eway.KindBadAccessToken:
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}

// writeBackendResult writes a non-success backend response as an error.
func writeBackendResult(w http.ResponseWriter, resp *eway.Response) {
	status := statusForReturnCode(resp.ReturnCode)
	msg := resp.Description
	if msg == "" {
		msg = "eWay-CRM returned " + string(resp.ReturnCode)
	}
	writeJSON(w, status, ErrorResponse{
		Error:      msg,
		Code:       status,
		ReturnCode: string(resp.ReturnCode),
	})
}

// writeBackendError maps a session client error onto an HTTP response.
func (s *Server) writeBackendError(w http.ResponseWriter, r *http.Request, err error) {
	var transportErr *eway.TransportError

	switch {
	case eway.IsAuthError(err):
		s.gate.reject(w, r, err)
	case errors.As(err, &transportErr):
		slog.Error("eWay-CRM call failed",
			"request_id", requestID(r.Context()),
			"error", err,
		)
		writeJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:   "eWay-CRM API is unavailable",
			Code:    http.StatusBadGateway,
			Details: err.Error(),
		})
	default:
		slog.Error("request failed",
			"request_id", requestID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
