package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/hnizdiljan/eway-crm-gateway/internal/config"
	"github.com/hnizdiljan/eway-crm-gateway/internal/eway"
	"github.com/hnizdiljan/eway-crm-gateway/internal/oauth"
)

func TestAuthorizeRedirect(t *testing.T) {
	server, states := newOAuthServer(t, &fakeBackend{mode: config.AuthModeOAuth2}, &fakeTokens{})

	resp := serve(server, "GET", "/api/v1/oauth/authorize", nil)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected status 302, got %d", resp.StatusCode)
	}

	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location: %v", err)
	}
	st := location.Query().Get("state")
	if len(st) != 64 {
		t.Errorf("state length = %d, want 64", len(st))
	}
	if !states.Consume(st) {
		t.Error("redirect state should be registered in the store")
	}
}

func TestAuthorizeInLegacyMode(t *testing.T) {
	server := newLegacyServer(t, &fakeBackend{mode: config.AuthModeLegacy})

	resp := serve(server, "GET", "/api/v1/oauth/authorize", nil)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
}

func TestCallbackSuccess(t *testing.T) {
	backend := &fakeBackend{mode: config.AuthModeOAuth2}
	tokens := &fakeTokens{}
	server, states := newOAuthServer(t, backend, tokens)

	st, err := states.Create()
	if err != nil {
		t.Fatal(err)
	}

	resp := serve(server, "GET", "/api/v1/oauth/callback?code=auth-code&state="+st, nil)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Authentication Successful") {
		t.Error("expected success page")
	}
	if len(tokens.exchanged) != 1 || tokens.exchanged[0] != "auth-code" {
		t.Errorf("exchanged codes = %v, want [auth-code]", tokens.exchanged)
	}
	if backend.logins != 1 {
		t.Errorf("logins = %d, want 1", backend.logins)
	}
}

func TestCallbackStateReplay(t *testing.T) {
	backend := &fakeBackend{mode: config.AuthModeOAuth2}
	tokens := &fakeTokens{}
	server, states := newOAuthServer(t, backend, tokens)

	st, err := states.Create()
	if err != nil {
		t.Fatal(err)
	}

	first := serve(server, "GET", "/api/v1/oauth/callback?code=c1&state="+st, nil)
	_ = first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first callback status = %d, want 200", first.StatusCode)
	}

	second := serve(server, "GET", "/api/v1/oauth/callback?code=c2&state="+st, nil)
	defer func() { _ = second.Body.Close() }()

	if second.StatusCode != http.StatusBadRequest {
		t.Errorf("replayed callback status = %d, want 400", second.StatusCode)
	}
	body, _ := io.ReadAll(second.Body)
	if !strings.Contains(string(body), "Invalid or expired state") {
		t.Error("expected state error message")
	}
	if len(tokens.exchanged) != 1 {
		t.Errorf("exchange called %d times, want 1", len(tokens.exchanged))
	}
}

func TestCallbackUnknownState(t *testing.T) {
	tokens := &fakeTokens{}
	server, _ := newOAuthServer(t, &fakeBackend{mode: config.AuthModeOAuth2}, tokens)

	resp := serve(server, "GET", "/api/v1/oauth/callback?code=c1&state=xyz", nil)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
	if len(tokens.exchanged) != 0 {
		t.Error("exchange must not run for an unknown state")
	}
}

func TestCallbackEndpointMissingCode(t *testing.T) {
	server, _ := newOAuthServer(t, &fakeBackend{mode: config.AuthModeOAuth2}, &fakeTokens{})

	resp := serve(server, "GET", "/api/v1/oauth/callback?state=abc456", nil)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Invalid callback parameters") {
		t.Error("expected error message in response")
	}
}

func TestCallbackEndpointProviderError(t *testing.T) {
	server, _ := newOAuthServer(t, &fakeBackend{mode: config.AuthModeOAuth2}, &fakeTokens{})

	resp := serve(server, "GET", "/api/v1/oauth/callback?error=access_denied&error_description=User+denied+access", nil)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "User denied access") {
		t.Error("expected provider error description in response")
	}
}

func TestCallbackExchangeFailure(t *testing.T) {
	backend := &fakeBackend{mode: config.AuthModeOAuth2}
	tokens := &fakeTokens{exchangeErr: &oauth.TokenError{Op: "exchange", StatusCode: 400, Code: "invalid_grant"}}
	server, states := newOAuthServer(t, backend, tokens)

	st, _ := states.Create()
	resp := serve(server, "GET", "/api/v1/oauth/callback?code=bad&state="+st, nil)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "invalid_grant") {
		t.Error("expected OAuth2 error code in response")
	}
	if backend.logins != 0 {
		t.Error("login must not run after a failed exchange")
	}
}

func TestCallbackLoginFailure(t *testing.T) {
	backend := &fakeBackend{
		mode:     config.AuthModeOAuth2,
		loginErr: &eway.LoginError{ReturnCode: eway.RCBadLogin, Description: "User is disabled"},
	}
	server, states := newOAuthServer(t, backend, &fakeTokens{})

	st, _ := states.Create()
	resp := serve(server, "GET", "/api/v1/oauth/callback?code=c&state="+st, nil)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "User is disabled") {
		t.Error("expected backend description in response")
	}
}

func TestOAuthStatus(t *testing.T) {
	server, _ := newOAuthServer(t, &fakeBackend{mode: config.AuthModeOAuth2}, &fakeTokens{valid: true})

	resp := serve(server, "GET", "/api/v1/oauth/status", nil)
	defer func() { _ = resp.Body.Close() }()

	var status OAuthStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if status.Mode != "oauth2" {
		t.Errorf("mode = %s, want oauth2", status.Mode)
	}
	if status.Token == nil || !status.Token.Valid {
		t.Errorf("expected valid token status, got %+v", status.Token)
	}
}

func TestOAuthRefresh(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		server, _ := newOAuthServer(t, &fakeBackend{mode: config.AuthModeOAuth2}, &fakeTokens{valid: true})

		resp := serve(server, "POST", "/api/v1/oauth/refresh", nil)
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200, got %d", resp.StatusCode)
		}
	})

	t.Run("failure is 401", func(t *testing.T) {
		tokens := &fakeTokens{valid: true, refreshErr: oauth.ErrNoRefreshToken}
		server, _ := newOAuthServer(t, &fakeBackend{mode: config.AuthModeOAuth2}, tokens)

		resp := serve(server, "POST", "/api/v1/oauth/refresh", nil)
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected status 401, got %d", resp.StatusCode)
		}
		errResp := decodeError(t, resp)
		if errResp.AuthorizationURL == "" {
			t.Error("expected authorization URL")
		}
		if !strings.Contains(errResp.Details, oauth.ErrNoRefreshToken.Error()) {
			t.Errorf("details = %q", errResp.Details)
		}
	})

	t.Run("legacy mode is 400", func(t *testing.T) {
		server := newLegacyServer(t, &fakeBackend{mode: config.AuthModeLegacy})

		resp := serve(server, "POST", "/api/v1/oauth/refresh", nil)
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", resp.StatusCode)
		}
	})
}

func TestOAuthLogout(t *testing.T) {
	backend := &fakeBackend{mode: config.AuthModeOAuth2, connected: true}
	tokens := &fakeTokens{valid: true}
	server, _ := newOAuthServer(t, backend, tokens)

	resp := serve(server, "POST", "/api/v1/oauth/logout", nil)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if backend.logouts != 1 {
		t.Errorf("logouts = %d, want 1", backend.logouts)
	}
	if tokens.HasValidToken() {
		t.Error("expected token to be cleared")
	}
}

func TestWriteBackendError(t *testing.T) {
	backend := &fakeBackend{
		mode:      config.AuthModeLegacy,
		connected: true,
		respond: func(method string, params eway.Params) (*eway.Response, error) {
			switch method {
			case "GetCompanies":
				return nil, &eway.TransportError{Method: method, StatusCode: 503, Body: "down"}
			case "GetLeads":
				return nil, &eway.SessionRejectedError{Method: method, ReturnCode: eway.RCBadSession}
			default:
				return nil, errors.New("boom")
			}
		},
	}
	server := newLegacyServer(t, backend)

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/companies", http.StatusBadGateway},
		{"/api/v1/leads", http.StatusUnauthorized},
		{"/api/v1/tasks", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := serve(server, "GET", tt.path, nil)
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}
