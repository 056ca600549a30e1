package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hnizdiljan/eway-crm-gateway/internal/config"
	"github.com/hnizdiljan/eway-crm-gateway/internal/eway"
	"github.com/hnizdiljan/eway-crm-gateway/internal/oauth"
	"github.com/hnizdiljan/eway-crm-gateway/internal/state"
)

// fakeBackend is an in-memory Backend.
type fakeBackend struct {
	mu        sync.Mutex
	mode      config.AuthMode
	connected bool
	loginErr  error
	logins    int
	logouts   int
	calls     []string
	params    []eway.Params
	respond   func(method string, params eway.Params) (*eway.Response, error)
	panicOn   bool
}

func (f *fakeBackend) Mode() config.AuthMode { return f.mode }

func (f *fakeBackend) LogIn(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn {
		panic("login exploded")
	}
	f.logins++
	if f.loginErr != nil {
		return f.loginErr
	}
	f.connected = true
	return nil
}

func (f *fakeBackend) LogOut(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	f.connected = false
}

func (f *fakeBackend) CallMethod(ctx context.Context, method string, params eway.Params) (*eway.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.params = append(f.params, params)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return successResponse(`[]`), nil
	}
	return respond(method, params)
}

func (f *fakeBackend) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBackend) AuthStatus() eway.AuthStatus {
	return eway.AuthStatus{Mode: f.mode, Connected: f.IsConnected(), LoggedIn: f.IsConnected()}
}

// fakeTokens is an in-memory TokenService.
type fakeTokens struct {
	mu          sync.Mutex
	valid       bool
	exchangeErr error
	refreshErr  error
	exchanged   []string
	cleared     int
}

func (f *fakeTokens) AuthorizationURL(state string) string {
	return "https://login.example.com/connect/authorize?client_id=gateway&state=" + url.QueryEscape(state)
}

func (f *fakeTokens) Exchange(ctx context.Context, code string) (*oauth.StoredToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanged = append(f.exchanged, code)
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	f.valid = true
	return &oauth.StoredToken{AccessToken: "access", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) Refresh(ctx context.Context) (*oauth.StoredToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		f.valid = false
		return nil, f.refreshErr
	}
	f.valid = true
	return &oauth.StoredToken{AccessToken: "access", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) HasValidToken() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid
}

func (f *fakeTokens) Status() oauth.TokenStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.valid {
		return oauth.TokenStatus{State: oauth.TokenStateNone}
	}
	return oauth.TokenStatus{State: oauth.TokenStateValid, Present: true, Valid: true}
}

func (f *fakeTokens) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid = false
	f.cleared++
}

// failingStates is a StateStore whose Create always fails.
type failingStates struct{}

func (failingStates) Create() (string, error) { return "", errors.New("entropy exhausted") }
func (failingStates) Consume(string) bool     { return false }

func successResponse(data string) *eway.Response {
	raw := `{"ReturnCode":"rcSuccess","Data":` + data + `}`
	return &eway.Response{
		ReturnCode: eway.RCSuccess,
		Data:       json.RawMessage(data),
		Raw:        json.RawMessage(raw),
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Listen: config.ListenConfig{HTTP: ":9000", RateLimit: 20, RateBurst: 50},
	}
}

func newLegacyServer(t *testing.T, backend *fakeBackend) *Server {
	t.Helper()

	states := state.NewDefaultStore()
	t.Cleanup(states.Stop)

	server, err := NewServer(testConfig(), backend, nil, states)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server
}

func newOAuthServer(t *testing.T, backend *fakeBackend, tokens *fakeTokens) (*Server, *state.Store) {
	t.Helper()

	states := state.NewDefaultStore()
	t.Cleanup(states.Stop)

	server, err := NewServer(testConfig(), backend, tokens, states)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server, states
}

func serve(server *Server, method, target string, body io.Reader) *http.Response {
	req := httptest.NewRequest(method, target, body)
	w := httptest.NewRecorder()
	server.mux.ServeHTTP(w, req)
	return w.Result()
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return errResp
}

func TestNewServer(t *testing.T) {
	server := newLegacyServer(t, &fakeBackend{mode: config.AuthModeLegacy})

	if server.templates == nil {
		t.Error("expected templates to be loaded")
	}
	if server.gate == nil {
		t.Error("expected gate to be created")
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newLegacyServer(t, &fakeBackend{mode: config.AuthModeLegacy, connected: true})

	resp := serve(server, "GET", "/health", nil)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	var healthResp HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if healthResp.Status != "ok" {
		t.Errorf("expected status 'ok', got '%s'", healthResp.Status)
	}
	if healthResp.AuthMode != "legacy" {
		t.Errorf("expected auth_mode 'legacy', got '%s'", healthResp.AuthMode)
	}
	if !healthResp.Connected {
		t.Error("expected connected to be true")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := newLegacyServer(t, &fakeBackend{mode: config.AuthModeLegacy})

	resp := serve(server, "GET", "/metrics", nil)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "eway_gateway_backend_connected") {
		t.Error("expected gateway metrics in /metrics output")
	}
}

func TestRenderSuccess(t *testing.T) {
	server := newLegacyServer(t, &fakeBackend{mode: config.AuthModeLegacy})

	w := httptest.NewRecorder()
	server.renderSuccess(w, "Test success message")

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	if !strings.Contains(bodyStr, "Test success message") {
		t.Error("expected success message in rendered HTML")
	}

	if !strings.Contains(bodyStr, "Authentication Successful") {
		t.Error("expected success title in rendered HTML")
	}
}

func TestRenderError(t *testing.T) {
	server := newLegacyServer(t, &fakeBackend{mode: config.AuthModeLegacy})

	w := httptest.NewRecorder()
	server.renderError(w, "Test <b>error</b> message")

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	if !strings.Contains(bodyStr, "Test &lt;b&gt;error&lt;/b&gt; message") {
		t.Error("expected escaped error message in rendered HTML")
	}

	if !strings.Contains(bodyStr, "Authentication Failed") {
		t.Error("expected error title in rendered HTML")
	}
}

func TestSecurityHeaders(t *testing.T) {
	server := newLegacyServer(t, &fakeBackend{mode: config.AuthModeLegacy})

	req := httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "192.0.2.10:12345"
	w := httptest.NewRecorder()

	server.httpServer.Handler.ServeHTTP(w, req)

	resp := w.Result()

	expectedHeaders := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"X-XSS-Protection":       "1; mode=block",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}

	for header, expectedValue := range expectedHeaders {
		actualValue := resp.Header.Get(header)
		if actualValue != expectedValue {
			t.Errorf("expected %s='%s', got '%s'", header, expectedValue, actualValue)
		}
	}
}

func TestRequestID(t *testing.T) {
	server := newLegacyServer(t, &fakeBackend{mode: config.AuthModeLegacy})

	t.Run("generated when absent", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "192.0.2.11:12345"
		w := httptest.NewRecorder()

		server.httpServer.Handler.ServeHTTP(w, req)

		if id := w.Result().Header.Get("X-Request-ID"); len(id) != 36 {
			t.Errorf("expected generated UUID request id, got %q", id)
		}
	})

	t.Run("client id reused when well-formed", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "192.0.2.11:12345"
		req.Header.Set("X-Request-ID", "5c7f0f8e-1b0e-4c4b-9a57-2d7d3a0e8c11")
		w := httptest.NewRecorder()

		server.httpServer.Handler.ServeHTTP(w, req)

		if id := w.Result().Header.Get("X-Request-ID"); id != "5c7f0f8e-1b0e-4c4b-9a57-2d7d3a0e8c11" {
			t.Errorf("expected client request id to be echoed, got %q", id)
		}
	})

	t.Run("malformed client id replaced", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "192.0.2.11:12345"
		req.Header.Set("X-Request-ID", "bad\nid")
		w := httptest.NewRecorder()

		server.httpServer.Handler.ServeHTTP(w, req)

		if id := w.Result().Header.Get("X-Request-ID"); id == "bad\nid" || len(id) != 36 {
			t.Errorf("expected malformed id to be replaced, got %q", id)
		}
	})
}

func TestRateLimiting(t *testing.T) {
	tests := []struct {
		name        string
		rateLimit   float64
		burst       int
		wantAllowed int
	}{
		{name: "burst then limited", rateLimit: 0.001, burst: 5, wantAllowed: 5},
		{name: "disabled", rateLimit: 0, burst: 0, wantAllowed: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Listen.RateLimit = tt.rateLimit
			cfg.Listen.RateBurst = tt.burst

			states := state.NewDefaultStore()
			t.Cleanup(states.Stop)
			server, err := NewServer(cfg, &fakeBackend{mode: config.AuthModeLegacy}, nil, states)
			if err != nil {
				t.Fatal(err)
			}

			allowed, limited := 0, 0
			for i := 0; i < 100; i++ {
				req := httptest.NewRequest("GET", "/health", nil)
				req.RemoteAddr = "192.0.2.1:12345"
				w := httptest.NewRecorder()

				server.httpServer.Handler.ServeHTTP(w, req)

				switch w.Result().StatusCode {
				case http.StatusOK:
					allowed++
				case http.StatusTooManyRequests:
					limited++
				}
			}

			if allowed != tt.wantAllowed {
				t.Errorf("allowed = %d, want %d", allowed, tt.wantAllowed)
			}
			if allowed+limited != 100 {
				t.Errorf("allowed+limited = %d, want 100", allowed+limited)
			}
		})
	}
}

func TestRateLimitingIsPerClient(t *testing.T) {
	limiter := newClientLimiter(0.001, 1)

	if !limiter.allow("192.0.2.1") {
		t.Fatal("first request from 192.0.2.1 should pass")
	}
	if limiter.allow("192.0.2.1") {
		t.Error("second request from 192.0.2.1 should be limited")
	}
	if !limiter.allow("192.0.2.2") {
		t.Error("another client should have its own bucket")
	}
}

func TestClientLimiterEviction(t *testing.T) {
	limiter := newClientLimiter(1, 1)
	limiter.maxIPs = 2

	limiter.allow("192.0.2.1")
	limiter.allow("192.0.2.2")
	limiter.allow("192.0.2.3")
	if n := limiter.size(); n != 2 {
		t.Errorf("tracked clients = %d, want 2", n)
	}

	// idle buckets go on the next sweep
	limiter.mu.Lock()
	for _, b := range limiter.buckets {
		b.lastSeen = time.Now().Add(-time.Hour)
	}
	limiter.lastSweep = time.Now().Add(-time.Hour)
	limiter.mu.Unlock()

	limiter.allow("192.0.2.4")
	if n := limiter.size(); n != 1 {
		t.Errorf("tracked clients after sweep = %d, want 1", n)
	}
}

func TestNewClientLimiterDisabled(t *testing.T) {
	if newClientLimiter(0, 50) != nil {
		t.Error("expected nil limiter when rate limit is 0")
	}
}

func TestGracefulShutdown(t *testing.T) {
	cfg := &config.Config{
		Listen: config.ListenConfig{HTTP: "127.0.0.1:0"}, // Random port
	}

	server, err := NewServer(cfg, &fakeBackend{mode: config.AuthModeLegacy}, nil, state.NewDefaultStore())
	if err != nil {
		t.Fatal(err)
	}

	// Start server in background
	startErrCh := make(chan error, 1)
	go func() {
		startErrCh <- server.Start()
	}()

	// Give it time to start
	time.Sleep(100 * time.Millisecond)

	// Shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}

	select {
	case err := <-startErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("Start failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for server to stop")
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		expectedIP string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.0.2.1:12345",
			expectedIP: "192.0.2.1",
		},
		{
			name:       "ignores X-Forwarded-For (anti-spoofing)",
			remoteAddr: "127.0.0.1:12345",
			expectedIP: "127.0.0.1",
		},
		{
			name:       "IPv6 address",
			remoteAddr: "[::1]:12345",
			expectedIP: "::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr

			// Set spoofable headers to verify they're ignored
			req.Header.Set("X-Forwarded-For", "203.0.113.42")
			req.Header.Set("X-Real-IP", "203.0.113.42")

			ip := extractIP(req)
			if ip != tt.expectedIP {
				t.Errorf("expected IP '%s', got '%s'", tt.expectedIP, ip)
			}
		})
	}
}
