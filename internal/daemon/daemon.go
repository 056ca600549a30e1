// Package daemon wires the gateway components together and runs them until
// shutdown.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hnizdiljan/eway-crm-gateway/internal/config"
	"github.com/hnizdiljan/eway-crm-gateway/internal/eway"
	"github.com/hnizdiljan/eway-crm-gateway/internal/httpserver"
	"github.com/hnizdiljan/eway-crm-gateway/internal/ipc"
	"github.com/hnizdiljan/eway-crm-gateway/internal/oauth"
	"github.com/hnizdiljan/eway-crm-gateway/internal/state"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Daemon represents the main gateway process that coordinates all components.
type Daemon struct {
	cfg        *config.Config
	creds      *config.Credentials
	tokens     *oauth.TokenManager // nil in legacy mode
	states     *state.Store
	client     *eway.Client
	httpServer *httpserver.Server
	ipcServer  *ipc.Server
}

// New creates a new daemon with all components initialized.
func New(cfg *config.Config) (*Daemon, error) {
	creds, err := cfg.ResolveCredentials()
	if err != nil {
		return nil, err
	}

	slog.Info("credentials resolved", "credentials", creds.String())

	httpClient := &http.Client{Timeout: time.Duration(cfg.Eway.Timeout) * time.Second}

	var (
		tokens        *oauth.TokenManager
		tokenProvider eway.TokenProvider
		tokenService  httpserver.TokenService
	)
	if creds.Mode == config.AuthModeOAuth2 {
		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()

		tokens, err = oauth.NewTokenManager(ctx, &cfg.OAuth, httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OAuth2 token manager: %w", err)
		}
		// Interface values stay nil in legacy mode.
		tokenProvider = tokens
		tokenService = tokens

		slog.Info("OAuth2 token manager initialized",
			"client_id", cfg.OAuth.ClientID,
			"redirect_uri", cfg.OAuth.RedirectURI,
		)
	}

	states := state.NewDefaultStore()

	client := eway.NewClient(eway.Options{
		Credentials:       creds,
		BaseURL:           cfg.Eway.APIURL,
		AppVersion:        cfg.Eway.AppVersion,
		ClientMachineID:   cfg.Eway.ClientMachineID,
		ClientMachineName: cfg.Eway.ClientMachineName,
		Tokens:            tokenProvider,
		HTTPClient:        httpClient,
	})

	slog.Info("eWay-CRM client initialized",
		"api_url", cfg.Eway.APIURL,
		"mode", creds.Mode,
	)

	httpServer, err := httpserver.NewServer(cfg, client, tokenService, states)
	if err != nil {
		states.Stop()
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	slog.Info("HTTP server initialized",
		"listen", cfg.Listen.HTTP,
		"tls", cfg.TLS.Enabled,
	)

	d := &Daemon{
		cfg:        cfg,
		creds:      creds,
		tokens:     tokens,
		states:     states,
		client:     client,
		httpServer: httpServer,
	}
	d.ipcServer = ipc.NewServer(cfg.Listen.Socket, d.handleToolRequest)

	slog.Info("IPC server initialized", "socket", cfg.Listen.Socket)

	return d, nil
}

// Run starts all daemon components and blocks until ctx is cancelled or a
// shutdown signal is received.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting eWay-CRM gateway", "mode", d.creds.Mode)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if d.creds.Mode == config.AuthModeLegacy {
		d.eagerLogIn(ctx)
	}

	// Start IPC server synchronously to catch startup errors
	if err := d.ipcServer.Start(ctx); err != nil {
		d.states.Stop()
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	httpErrCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown requested")
	case err := <-httpErrCh:
		if err != nil {
			slog.Error("HTTP server failed to start", "error", err)
			if stopErr := d.ipcServer.Stop(); stopErr != nil {
				slog.Error("error stopping IPC server after HTTP server startup failure", "error", stopErr)
			}
			d.states.Stop()
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	d.shutdown()
	return nil
}

// eagerLogIn opens the backend session before serving. A failure is not
// fatal: the gate retries the login on the first protected request.
func (d *Daemon) eagerLogIn(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if err := d.client.LogIn(ctx); err != nil {
		slog.Warn("initial eWay-CRM login failed, will retry on demand", "error", err)
		return
	}
	slog.Info("initial eWay-CRM login succeeded")
}

func (d *Daemon) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.ipcServer.Stop(); err != nil {
		slog.Error("error stopping IPC server", "error", err)
	}

	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("error stopping HTTP server", "error", err)
	}

	d.client.LogOut(shutdownCtx)
	d.states.Stop()

	slog.Info("gateway shutdown complete")
}

// handleToolRequest serves the local tool protocol.
func (d *Daemon) handleToolRequest(ctx context.Context, req *ipc.Request) (*ipc.Response, error) {
	switch req.Type {
	case ipc.MessageTypeStatusRequest:
		result, err := json.Marshal(d.client.AuthStatus())
		if err != nil {
			return nil, fmt.Errorf("failed to encode status: %w", err)
		}
		return &ipc.Response{Status: ipc.StatusOK, Result: result}, nil

	case ipc.MessageTypeCallRequest:
		params := eway.Params{}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, fmt.Errorf("params must be a JSON object: %w", err)
			}
		}

		resp, err := d.client.CallMethod(ctx, req.Method, params)
		if err != nil {
			return nil, err
		}

		result, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("failed to encode backend response: %w", err)
		}
		return &ipc.Response{
			Status:     ipc.StatusOK,
			ReturnCode: string(resp.ReturnCode),
			Result:     result,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported request type: %s", req.Type)
	}
}
