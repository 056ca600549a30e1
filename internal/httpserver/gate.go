package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/hnizdiljan/eway-crm-gateway/internal/config"
)

const authorizeInstructions = "Open authorizationUrl in a browser and sign in to eWay-CRM. " +
	"The gateway stores the issued token and retries the login automatically."

// Gate makes sure the backend session is usable before a protected
// handler runs. Authentication failures are answered with 401 and a
// remediation hint, failures of the check itself with 500.
type Gate struct {
	backend Backend
	tokens  TokenService
	states  StateStore
}

// NewGate creates a gate. tokens may be nil in legacy mode.
func NewGate(backend Backend, tokens TokenService, states StateStore) *Gate {
	return &Gate{backend: backend, tokens: tokens, states: states}
}

// gateDenied is an authentication failure to be reported as 401.
type gateDenied struct {
	reason string
	err    error
}

func (d *gateDenied) Error() string {
	if d.err != nil {
		return d.reason + ": " + d.err.Error()
	}
	return d.reason
}

func (d *gateDenied) Unwrap() error {
	return d.err
}

// Require wraps next with the authentication check.
func (g *Gate) Require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		denied, err := g.check(r.Context())
		switch {
		case err != nil:
			slog.Error("authentication check failed",
				"request_id", requestID(r.Context()),
				"error", err,
			)
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{
				Error:   "authentication check failed",
				Code:    http.StatusInternalServerError,
				Details: err.Error(),
			})
		case denied != nil:
			g.reject(w, r, denied)
		default:
			next(w, r)
		}
	}
}

// check returns a non-nil denial for authentication failures and an error
// when the check could not be carried out.
func (g *Gate) check(ctx context.Context) (denied *gateDenied, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("panic in authentication check", "panic", p, "stack", string(debug.Stack()))
			denied, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()

	if g.oauthMode() && !g.tokens.HasValidToken() {
		return &gateDenied{reason: "OAuth2 authorization required"}, nil
	}

	if g.backend.IsConnected() {
		return nil, nil
	}

	if err := g.backend.LogIn(ctx); err != nil {
		return &gateDenied{reason: "eWay-CRM login failed", err: err}, nil
	}
	return nil, nil
}

// reject writes the 401 response. In OAuth2 mode it carries a fresh
// authorization URL.
func (g *Gate) reject(w http.ResponseWriter, r *http.Request, reason error) {
	slog.Warn("request not authenticated",
		"request_id", requestID(r.Context()),
		"path", sanitizeLog(r.URL.Path),
		"reason", reason,
	)

	resp := ErrorResponse{
		Error: "authentication required",
		Code:  http.StatusUnauthorized,
	}
	if reason != nil {
		resp.Details = reason.Error()
	}

	if g.oauthMode() {
		authURL, err := g.authorizationURL()
		if err != nil {
			slog.Error("failed to create OAuth2 state", "error", err)
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{
				Error:   "authentication check failed",
				Code:    http.StatusInternalServerError,
				Details: err.Error(),
			})
			return
		}
		resp.AuthorizationURL = authURL
		resp.Instructions = authorizeInstructions
	} else {
		resp.Instructions = "Check EWAY_USERNAME and EWAY_PASSWORD or EWAY_PASSWORD_HASH."
	}

	writeJSON(w, http.StatusUnauthorized, resp)
}

// authorizationURL issues a new CSRF state and builds the redirect URL.
func (g *Gate) authorizationURL() (string, error) {
	st, err := g.states.Create()
	if err != nil {
		return "", err
	}
	return g.tokens.AuthorizationURL(st), nil
}

func (g *Gate) oauthMode() bool {
	return g.tokens != nil && g.backend.Mode() == config.AuthModeOAuth2
}
