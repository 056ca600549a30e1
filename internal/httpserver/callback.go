package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hnizdiljan/eway-crm-gateway/internal/eway"
	"github.com/hnizdiljan/eway-crm-gateway/internal/oauth"
)

// handleAuthorize starts the Authorization Code flow: it issues a CSRF state
// and redirects the browser to the authorization server.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if !s.oauthEnabled() {
		writeError(w, http.StatusBadRequest, "OAuth2 is not configured, the gateway uses legacy login")
		return
	}

	authURL, err := s.gate.authorizationURL()
	if err != nil {
		slog.Error("failed to create OAuth2 state", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start authorization")
		return
	}

	slog.Info("redirecting to OAuth2 authorization endpoint", "request_id", requestID(r.Context()))
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback completes the Authorization Code flow:
// 1. Reject provider errors and missing parameters
// 2. Consume the CSRF state (single use)
// 3. Exchange the code for tokens
// 4. Log in to eWay-CRM with the new access token
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !s.oauthEnabled() {
		s.renderError(w, "OAuth2 is not configured on this gateway.")
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	errorParam := r.URL.Query().Get("error")
	errorDesc := r.URL.Query().Get("error_description")

	slog.Info("callback received", // #nosec G706 -- only boolean values logged, no injection risk
		"code_present", code != "",
		"state_present", state != "",
		"error_present", errorParam != "",
	)

	// Handle authorization server error responses
	if errorParam != "" {
		slog.Error("OAuth2 error in callback", // #nosec G706 -- values sanitized via sanitizeLog
			"error", sanitizeLog(errorParam),
			"description", sanitizeLog(errorDesc),
		)
		msg := fmt.Sprintf("Authorization failed: %s", errorDesc)
		if errorDesc == "" {
			msg = fmt.Sprintf("Authorization failed: %s", errorParam)
		}
		s.renderError(w, msg)
		return
	}

	if code == "" || state == "" {
		s.renderError(w, "Invalid callback parameters")
		return
	}

	if !s.states.Consume(state) {
		slog.Warn("callback with unknown, expired or reused state", // #nosec G706 -- values sanitized via sanitizeLog
			"state", sanitizeLog(state),
		)
		s.renderError(w, "Invalid or expired state parameter. Please start the authorization again.")
		return
	}

	if _, err := s.tokens.Exchange(r.Context(), code); err != nil {
		slog.Error("token exchange failed", "error", err)

		msg := "Token exchange failed. Please start the authorization again."
		var tokenErr *oauth.TokenError
		if errors.As(err, &tokenErr) && tokenErr.Code != "" {
			msg = fmt.Sprintf("Token exchange failed (%s). Please start the authorization again.", tokenErr.Code)
		}
		s.renderError(w, msg)
		return
	}

	if err := s.backend.LogIn(r.Context()); err != nil {
		slog.Error("eWay-CRM login after authorization failed", "error", err)

		msg := "Authorization succeeded, but the eWay-CRM login failed."
		var loginErr *eway.LoginError
		if errors.As(err, &loginErr) && loginErr.Description != "" {
			msg += " " + loginErr.Description
		}
		s.renderError(w, msg)
		return
	}

	slog.Info("OAuth2 authorization completed")
	s.renderSuccess(w, "The gateway is now connected to eWay-CRM. You may close this window.")
}

// OAuthStatusResponse is the JSON body of GET /api/v1/oauth/status.
type OAuthStatusResponse struct {
	Mode    string             `json:"mode"`
	Token   *oauth.TokenStatus `json:"token,omitempty"`
	Session eway.AuthStatus    `json:"session"`
}

func (s *Server) handleOAuthStatus(w http.ResponseWriter, r *http.Request) {
	resp := OAuthStatusResponse{
		Mode:    string(s.backend.Mode()),
		Session: s.backend.AuthStatus(),
	}
	if s.oauthEnabled() {
		st := s.tokens.Status()
		resp.Token = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOAuthRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.oauthEnabled() {
		writeError(w, http.StatusBadRequest, "OAuth2 is not configured, the gateway uses legacy login")
		return
	}

	if _, err := s.tokens.Refresh(r.Context()); err != nil {
		s.gate.reject(w, r, err)
		return
	}

	st := s.tokens.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "access token refreshed",
		"token":   st,
	})
}

func (s *Server) handleOAuthLogout(w http.ResponseWriter, r *http.Request) {
	s.backend.LogOut(r.Context())
	if s.oauthEnabled() {
		s.tokens.Clear()
	}

	slog.Info("gateway logged out", "request_id", requestID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}
