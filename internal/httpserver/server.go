package httpserver

import (
	"context"
	"crypto/tls"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hnizdiljan/eway-crm-gateway/internal/config"
	"github.com/hnizdiljan/eway-crm-gateway/internal/eway"
	"github.com/hnizdiljan/eway-crm-gateway/internal/oauth"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Version is reported by the health endpoint. Set from build-time ldflags.
var Version = "dev"

// Backend is the session client used by the handlers. *eway.Client
// satisfies it.
type Backend interface {
	Mode() config.AuthMode
	LogIn(ctx context.Context) error
	LogOut(ctx context.Context)
	CallMethod(ctx context.Context, method string, params eway.Params) (*eway.Response, error)
	IsConnected() bool
	AuthStatus() eway.AuthStatus
}

// TokenService is the OAuth2 token manager. *oauth.TokenManager satisfies it.
type TokenService interface {
	AuthorizationURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth.StoredToken, error)
	Refresh(ctx context.Context) (*oauth.StoredToken, error)
	HasValidToken() bool
	Status() oauth.TokenStatus
	Clear()
}

// StateStore issues and consumes CSRF state tokens. *state.Store satisfies it.
type StateStore interface {
	Create() (string, error)
	Consume(state string) bool
}

// Server is the HTTP server exposing the REST API, the OAuth2 endpoints
// and health checks
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	mux        *http.ServeMux
	templates  *template.Template
	backend    Backend
	tokens     TokenService // nil in legacy mode
	states     StateStore
	gate       *Gate
}

// NewServer creates a new HTTP server. tokens may be nil when the backend
// runs in legacy mode.
func NewServer(cfg *config.Config, backend Backend, tokens TokenService, states StateStore) (*Server, error) {
	// Parse templates
	templates, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		templates: templates,
		backend:   backend,
		tokens:    tokens,
		states:    states,
		gate:      NewGate(backend, tokens, states),
	}

	s.routes()

	// Wrap with middleware
	handler := loggingMiddleware(s.mux)
	handler = recoveryMiddleware(handler)
	handler = rateLimitMiddleware(newClientLimiter(cfg.Listen.RateLimit, cfg.Listen.RateBurst), handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:         cfg.Listen.HTTP,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 100 * time.Second, // call, re-login and retry at 30s each
		IdleTimeout:  60 * time.Second,
	}

	// Configure TLS if enabled
	if cfg.TLS.Enabled {
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /api/v1/oauth/authorize", s.handleAuthorize)
	s.mux.HandleFunc("GET /api/v1/oauth/callback", s.handleCallback)
	s.mux.HandleFunc("GET /api/v1/oauth/status", s.handleOAuthStatus)
	s.mux.HandleFunc("POST /api/v1/oauth/refresh", s.handleOAuthRefresh)
	s.mux.HandleFunc("POST /api/v1/oauth/logout", s.handleOAuthLogout)

	s.mux.HandleFunc("GET /api/v1/{resource}", s.gate.Require(s.handleList))
	s.mux.HandleFunc("GET /api/v1/{resource}/{id}", s.gate.Require(s.handleGet))
	s.mux.HandleFunc("POST /api/v1/{resource}", s.gate.Require(s.handleSave))
	s.mux.HandleFunc("POST /api/v1/rpc/{method}", s.gate.Require(s.handleRPC))
}

// oauthEnabled reports whether the OAuth2 endpoints are usable.
func (s *Server) oauthEnabled() bool {
	return s.tokens != nil && s.backend.Mode() == config.AuthModeOAuth2
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting HTTP server",
		"addr", s.cfg.Listen.HTTP,
		"tls", s.cfg.TLS.Enabled,
	)

	if s.cfg.TLS.Enabled {
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
