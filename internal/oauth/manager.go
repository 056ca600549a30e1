package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/hnizdiljan/eway-crm-gateway/internal/config"
	"github.com/hnizdiljan/eway-crm-gateway/internal/metrics"
)

const (
	// RefreshBuffer is how close to expiry a token is refreshed before use.
	RefreshBuffer = 60 * time.Second

	// defaultLifetime applies when the token response has no expires_in.
	defaultLifetime = time.Hour

	// DefaultHTTPTimeout bounds every call to the authorization server.
	DefaultHTTPTimeout = 30 * time.Second
)

var (
	// ErrNoToken is returned when no access token has been issued yet.
	ErrNoToken = errors.New("no OAuth2 token available, complete the authorization flow first")

	// ErrNoRefreshToken is returned when a refresh is requested but the
	// stored token cannot be renewed.
	ErrNoRefreshToken = errors.New("no refresh token available")
)

// TokenError is returned when the authorization server rejects a code
// exchange or a refresh. Body holds the server's error payload verbatim.
type TokenError struct {
	Op          string // "exchange" or "refresh"
	StatusCode  int
	Code        string
	Description string
	Body        string
	Err         error
}

func (e *TokenError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("token %s failed (status %d): %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("token %s failed: %v", e.Op, e.Err)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

// StoredToken is the in-memory OAuth2 credential. It is never persisted.
type StoredToken struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"`
	Scope        string    `json:"scope,omitempty"`
}

// TokenState describes the lifecycle position of the stored token.
type TokenState string

const (
	TokenStateNone     TokenState = "no-token"
	TokenStateValid    TokenState = "valid"
	TokenStateExpiring TokenState = "expiring"
	TokenStateExpired  TokenState = "expired"
)

// TokenStatus is a diagnostic snapshot that never contains secrets.
type TokenStatus struct {
	State           TokenState `json:"state"`
	Present         bool       `json:"present"`
	Valid           bool       `json:"valid"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	HasRefreshToken bool       `json:"has_refresh_token"`
	TokenType       string     `json:"token_type,omitempty"`
	Scope           string     `json:"scope,omitempty"`
}

// TokenManager owns the lifecycle of the OAuth2 access/refresh token pair.
// It is safe for concurrent use.
type TokenManager struct {
	oauth2Config *oauth2.Config
	httpClient   *http.Client

	mu    sync.RWMutex
	token *StoredToken

	refreshGroup singleflight.Group
}

// NewTokenManager creates a token manager for the given OAuth configuration.
// If httpClient is nil a client with DefaultHTTPTimeout is used.
func NewTokenManager(ctx context.Context, cfg *config.OAuthConfig, httpClient *http.Client) (*TokenManager, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	endpoint, err := resolveEndpoint(ctx, cfg, httpClient)
	if err != nil {
		return nil, err
	}

	return &TokenManager{
		oauth2Config: newOAuth2Config(cfg, endpoint),
		httpClient:   httpClient,
	}, nil
}

// AuthorizationURL builds the redirect URL for the interactive
// Authorization Code flow. state binds the redirect to its callback.
func (m *TokenManager) AuthorizationURL(state string) string {
	return m.oauth2Config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("response_mode", "query"),
	)
}

// Exchange trades an authorization code for tokens and replaces the stored
// token. On failure the stored token is left untouched.
func (m *TokenManager) Exchange(ctx context.Context, code string) (*StoredToken, error) {
	tok, err := m.oauth2Config.Exchange(m.clientContext(ctx), code)
	if err != nil {
		return nil, newTokenError("exchange", err)
	}

	stored := fromOAuth2Token(tok, "")

	m.mu.Lock()
	m.token = stored
	m.mu.Unlock()

	slog.Info("OAuth2 authorization code exchanged",
		"expires_at", stored.ExpiresAt,
		"has_refresh_token", stored.RefreshToken != "",
	)

	return stored.clone(), nil
}

// Refresh renews the access token with the stored refresh token. A refresh
// response without a new refresh token keeps the previous one. Any failure,
// including a missing refresh token, clears the stored token. Concurrent
// callers share one in-flight refresh.
//
// The refresh itself is detached from ctx and bounded by the HTTP client
// timeout. A caller whose ctx ends returns early while the refresh completes
// for everyone else.
func (m *TokenManager) Refresh(ctx context.Context) (*StoredToken, error) {
	refreshCtx := context.WithoutCancel(ctx)
	ch := m.refreshGroup.DoChan("refresh", func() (interface{}, error) {
		return m.refresh(refreshCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*StoredToken).clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *TokenManager) refresh(ctx context.Context) (*StoredToken, error) {
	m.mu.RLock()
	var refreshToken string
	if m.token != nil {
		refreshToken = m.token.RefreshToken
	}
	m.mu.RUnlock()

	if refreshToken == "" {
		m.Clear()
		metrics.RecordTokenRefresh("failure")
		return nil, ErrNoRefreshToken
	}

	src := m.oauth2Config.TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		metrics.RecordTokenRefresh("failure")
		if isContextError(err) {
			slog.Warn("OAuth2 token refresh interrupted, stored token kept", "error", err)
			return nil, fmt.Errorf("token refresh interrupted: %w", err)
		}
		m.Clear()
		slog.Warn("OAuth2 token refresh failed, stored token cleared", "error", err)
		return nil, newTokenError("refresh", err)
	}

	stored := fromOAuth2Token(tok, refreshToken)

	m.mu.Lock()
	m.token = stored
	m.mu.Unlock()

	metrics.RecordTokenRefresh("success")
	slog.Info("OAuth2 access token refreshed",
		"expires_at", stored.ExpiresAt,
		"refresh_token_rotated", stored.RefreshToken != refreshToken,
	)

	return stored, nil
}

// ValidAccessToken returns an access token that is good for at least
// RefreshBuffer, refreshing it first when it is about to expire.
func (m *TokenManager) ValidAccessToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	tok := m.token.clone()
	m.mu.RUnlock()

	if tok == nil {
		return "", ErrNoToken
	}

	if time.Until(tok.ExpiresAt) > RefreshBuffer {
		return tok.AccessToken, nil
	}

	slog.Debug("OAuth2 access token near expiry, refreshing", "expires_at", tok.ExpiresAt)
	refreshed, err := m.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// HasValidToken reports whether a token is stored and not yet expired.
// Unlike ValidAccessToken it applies no safety buffer.
func (m *TokenManager) HasValidToken() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token != nil && m.token.ExpiresAt.After(time.Now())
}

// StoredToken returns a copy of the stored token, or nil.
func (m *TokenManager) StoredToken() *StoredToken {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token.clone()
}

// SetStoredToken replaces the stored token. A nil token clears it.
func (m *TokenManager) SetStoredToken(tok *StoredToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = tok.clone()
}

// Clear discards the stored token unconditionally.
func (m *TokenManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
}

// State reports where the stored token is in its lifecycle.
func (m *TokenManager) State() TokenState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return stateOf(m.token, time.Now())
}

// Status returns a secret-free diagnostic snapshot.
func (m *TokenManager) Status() TokenStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	st := TokenStatus{State: stateOf(m.token, now)}
	if m.token == nil {
		return st
	}

	expiresAt := m.token.ExpiresAt
	st.Present = true
	st.Valid = expiresAt.After(now)
	st.ExpiresAt = &expiresAt
	st.HasRefreshToken = m.token.RefreshToken != ""
	st.TokenType = m.token.TokenType
	st.Scope = m.token.Scope
	return st
}

func stateOf(tok *StoredToken, now time.Time) TokenState {
	switch {
	case tok == nil:
		return TokenStateNone
	case !tok.ExpiresAt.After(now):
		return TokenStateExpired
	case tok.ExpiresAt.Sub(now) <= RefreshBuffer:
		return TokenStateExpiring
	default:
		return TokenStateValid
	}
}

// clientContext makes the oauth2 package use our HTTP client and timeout.
func (m *TokenManager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (t *StoredToken) clone() *StoredToken {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// fromOAuth2Token converts a token response. previousRefresh is kept when
// the server does not rotate the refresh token.
func fromOAuth2Token(tok *oauth2.Token, previousRefresh string) *StoredToken {
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(defaultLifetime)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = previousRefresh
	}

	scope, _ := tok.Extra("scope").(string)

	return &StoredToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		TokenType:    tok.Type(),
		Scope:        scope,
	}
}

func newTokenError(op string, err error) *TokenError {
	te := &TokenError{Op: op, Err: err}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		te.Body = string(re.Body)
		te.Code = re.ErrorCode
		te.Description = re.ErrorDescription
		if re.Response != nil {
			te.StatusCode = re.Response.StatusCode
		}
	}
	return te
}

// isContextError reports whether err comes from a cancelled or expired
// context rather than from the authorization server.
func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
