package eway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/hnizdiljan/eway-crm-gateway/internal/config"
	"github.com/hnizdiljan/eway-crm-gateway/internal/logsanitize"
	"github.com/hnizdiljan/eway-crm-gateway/internal/metrics"
)

const (
	// DefaultTimeout bounds every outbound API call.
	DefaultTimeout = 30 * time.Second

	// maxAuthRetries is how many times a call is repeated after the backend
	// rejects the session or bearer token.
	maxAuthRetries = 1

	methodLogIn  = "LogIn"
	methodLogOut = "LogOut"
)

// TokenProvider supplies OAuth2 access tokens. *oauth.TokenManager
// satisfies it.
type TokenProvider interface {
	ValidAccessToken(ctx context.Context) (string, error)
	HasValidToken() bool
	Clear()
}

// Options configures a Client.
type Options struct {
	Credentials *config.Credentials
	BaseURL     string
	AppVersion  string

	// ClientMachineID defaults to a random UUID when empty.
	ClientMachineID   string
	ClientMachineName string

	// Tokens is required for OAuth2 mode.
	Tokens TokenProvider

	// HTTPClient defaults to a client with DefaultTimeout.
	HTTPClient *http.Client
}

// Client is the backend session client. A process holds one Client and
// shares it between all callers; it is safe for concurrent use.
type Client struct {
	creds       *config.Credentials
	baseURL     string
	appVersion  string
	machineID   string
	machineName string
	tokens      TokenProvider
	httpClient  *http.Client

	mu        sync.RWMutex
	loggedIn  bool
	sessionID string
	bearer    string
	// generation changes whenever the session is replaced or dropped, so a
	// stale failure cannot invalidate a newer session.
	generation uint64

	loginGroup singleflight.Group
}

// AuthStatus is a diagnostic snapshot that never contains raw secrets.
type AuthStatus struct {
	Mode            config.AuthMode `json:"mode"`
	Connected       bool            `json:"connected"`
	LoggedIn        bool            `json:"logged_in"`
	SessionID       string          `json:"session_id,omitempty"`
	HasValidToken   bool            `json:"has_valid_token"`
	HasBearerHeader bool            `json:"has_bearer_header"`
}

// NewClient creates a disconnected client.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	machineID := opts.ClientMachineID
	if machineID == "" {
		machineID = uuid.NewString()
	}

	return &Client{
		creds:       opts.Credentials,
		baseURL:     opts.BaseURL,
		appVersion:  opts.AppVersion,
		machineID:   machineID,
		machineName: opts.ClientMachineName,
		tokens:      opts.Tokens,
		httpClient:  httpClient,
	}
}

// Mode returns the active authentication mode.
func (c *Client) Mode() config.AuthMode {
	return c.creds.Mode
}

// IsConnected reports whether the client is logged in and holds either a
// session id or a currently valid OAuth2 token.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	loggedIn, sessionID := c.loggedIn, c.sessionID
	c.mu.RUnlock()

	if !loggedIn {
		return false
	}
	return sessionID != "" || c.hasValidToken()
}

// SessionID returns the current backend session id, or "".
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// AuthStatus returns a snapshot of the authentication state.
func (c *Client) AuthStatus() AuthStatus {
	c.mu.RLock()
	st := AuthStatus{
		Mode:            c.creds.Mode,
		LoggedIn:        c.loggedIn,
		SessionID:       logsanitize.Mask(c.sessionID),
		HasBearerHeader: c.bearer != "",
	}
	c.mu.RUnlock()

	st.HasValidToken = c.hasValidToken()
	st.Connected = c.IsConnected()
	return st
}

// LogIn establishes a backend session. It returns immediately when the
// client is already connected, and concurrent callers share one attempt.
// The shared attempt does not inherit the cancellation of whichever caller
// started it; it is bounded by the HTTP client timeout instead.
func (c *Client) LogIn(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}

	loginCtx := context.WithoutCancel(ctx)
	ch := c.loginGroup.DoChan("login", func() (interface{}, error) {
		// another caller may have finished logging in meanwhile
		if c.IsConnected() {
			return nil, nil
		}
		return nil, c.logIn(loginCtx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			slog.Debug("joined in-flight eWay-CRM login")
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) logIn(ctx context.Context) error {
	var bearer string
	params := Params{
		"appVersion":              c.appVersion,
		"clientMachineIdentifier": c.machineID,
		"clientMachineName":       c.machineName,
		"createSessionCookie":     false,
	}

	switch c.creds.Mode {
	case config.AuthModeOAuth2:
		var err error
		bearer, err = c.oauthBearer(ctx)
		if err != nil {
			c.reset()
			metrics.RecordLogin(string(c.creds.Mode), "failure")
			return err
		}
		if c.creds.Username != "" {
			params["userName"] = c.creds.Username
		}
	default:
		params["userName"] = c.creds.Username
		params["passwordHash"] = c.creds.PasswordHash
	}

	resp, err := c.post(ctx, methodLogIn, params, bearer)
	if err != nil {
		c.reset()
		metrics.RecordLogin(string(c.creds.Mode), "failure")
		return fmt.Errorf("eWay-CRM login failed: %w", err)
	}

	if !resp.OK() {
		c.reset()
		metrics.RecordLogin(string(c.creds.Mode), "failure")
		slog.Warn("eWay-CRM login rejected",
			"mode", c.creds.Mode,
			"return_code", resp.ReturnCode,
			"description", logsanitize.Sanitize(resp.Description),
		)
		return &LoginError{ReturnCode: resp.ReturnCode, Description: resp.Description}
	}

	if c.creds.Mode == config.AuthModeLegacy && resp.SessionID == "" {
		c.reset()
		metrics.RecordLogin(string(c.creds.Mode), "failure")
		return &LoginError{ReturnCode: resp.ReturnCode, Description: "login response carried no session id"}
	}

	c.mu.Lock()
	c.loggedIn = true
	c.sessionID = resp.SessionID
	c.bearer = bearer
	c.generation++
	c.mu.Unlock()

	metrics.RecordLogin(string(c.creds.Mode), "success")
	metrics.SetConnected(c.IsConnected())
	slog.Info("eWay-CRM login succeeded",
		"mode", c.creds.Mode,
		"session_id", logsanitize.Mask(resp.SessionID),
		"bearer", bearer != "",
	)
	return nil
}

// oauthBearer returns the access token, or the client secret when no token
// has been issued yet.
func (c *Client) oauthBearer(ctx context.Context) (string, error) {
	if c.tokens != nil {
		token, err := c.tokens.ValidAccessToken(ctx)
		if err == nil {
			return token, nil
		}
		slog.Debug("no usable OAuth2 access token", "error", err)
	}

	if c.creds.ClientSecret == "" {
		return "", ErrAuthorizationRequired
	}

	slog.Warn("no OAuth2 access token, falling back to client secret as bearer credential")
	return c.creds.ClientSecret, nil
}

// LogOut ends the backend session. Local state and the stored OAuth2
// token are cleared even when the remote call fails.
func (c *Client) LogOut(ctx context.Context) {
	if !c.IsConnected() {
		return
	}

	sessionID, bearer, _ := c.snapshot()

	defer func() {
		c.reset()
		if c.tokens != nil {
			c.tokens.Clear()
		}
		slog.Info("eWay-CRM session closed")
	}()

	if sessionID == "" {
		return
	}

	resp, err := c.post(ctx, methodLogOut, Params{"sessionId": sessionID}, bearer)
	switch {
	case err != nil:
		slog.Warn("eWay-CRM logout failed", "error", err)
	case !resp.OK():
		slog.Warn("eWay-CRM logout rejected",
			"return_code", resp.ReturnCode,
			"description", logsanitize.Sanitize(resp.Description),
		)
	}
}

// CallMethod invokes a remote method, logging in first when needed. When
// the backend rejects the session or bearer token the client logs in again
// and repeats the call once. Any other response is returned unmodified.
func (c *Client) CallMethod(ctx context.Context, method string, params Params) (*Response, error) {
	if method == "" {
		return nil, errors.New("method name is required")
	}
	if IsSessionMethod(method) {
		return nil, ErrSessionMethod
	}

	for attempt := 0; ; attempt++ {
		if err := c.LogIn(ctx); err != nil {
			return nil, err
		}

		sessionID, bearer, gen := c.snapshot()
		bearer = c.freshBearer(ctx, bearer, gen)

		body := params.clone()
		if sessionID != "" {
			body["sessionId"] = sessionID
		}

		resp, err := c.post(ctx, method, body, bearer)
		if err != nil {
			return nil, err
		}

		if !resp.ReturnCode.IsAuthFailure() {
			return resp, nil
		}

		c.invalidate(gen)

		if attempt >= maxAuthRetries {
			slog.Warn("eWay-CRM rejected session after re-authentication",
				"method", method,
				"return_code", resp.ReturnCode,
			)
			return nil, &SessionRejectedError{
				Method:      method,
				ReturnCode:  resp.ReturnCode,
				Description: resp.Description,
			}
		}

		metrics.RecordSessionRetry(method)
		slog.Info("eWay-CRM session rejected, re-authenticating",
			"method", method,
			"return_code", resp.ReturnCode,
		)
	}
}

// freshBearer swaps a stored access token for the current one, refreshing
// it when it is about to expire.
func (c *Client) freshBearer(ctx context.Context, bearer string, generation uint64) string {
	if c.creds.Mode != config.AuthModeOAuth2 || !c.hasValidToken() {
		return bearer
	}

	token, err := c.tokens.ValidAccessToken(ctx)
	if err != nil || token == bearer {
		return bearer
	}

	c.mu.Lock()
	if c.generation == generation {
		c.bearer = token
	}
	c.mu.Unlock()
	return token
}

// IsSessionMethod reports whether method opens or closes a backend session.
func IsSessionMethod(method string) bool {
	return strings.EqualFold(method, methodLogIn) || strings.EqualFold(method, methodLogOut)
}

func (c *Client) snapshot() (sessionID, bearer string, generation uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID, c.bearer, c.generation
}

// invalidate drops the session and the OAuth2 token, unless the session
// has already been replaced since generation was observed.
func (c *Client) invalidate(generation uint64) {
	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return
	}
	c.loggedIn = false
	c.sessionID = ""
	c.bearer = ""
	c.generation++
	c.mu.Unlock()

	if c.tokens != nil {
		c.tokens.Clear()
	}
	metrics.SetConnected(false)
}

func (c *Client) reset() {
	c.mu.Lock()
	c.loggedIn = false
	c.sessionID = ""
	c.bearer = ""
	c.generation++
	c.mu.Unlock()

	metrics.SetConnected(false)
}

func (c *Client) hasValidToken() bool {
	return c.tokens != nil && c.tokens.HasValidToken()
}
