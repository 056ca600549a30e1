package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	Eway   EwayConfig   `yaml:"eway"`
	OAuth  OAuthConfig  `yaml:"oauth"`
	TLS    TLSConfig    `yaml:"tls"`
	Log    LogConfig    `yaml:"log"`
}

// ListenConfig defines where the gateway listens for requests
type ListenConfig struct {
	HTTP   string `yaml:"http"`   // HTTP server address (e.g., ":3000")
	Socket string `yaml:"socket"` // Unix socket path for the tool protocol

	// Per client IP; rate_limit 0 disables limiting
	RateLimit float64 `yaml:"rate_limit"` // requests per second
	RateBurst int     `yaml:"rate_burst"`
}

// EwayConfig defines how the gateway reaches the eWay-CRM API
type EwayConfig struct {
	APIURL            string `yaml:"api_url"`             // e.g. https://crm.example.com/InsideEwayCrm/API.svc
	AppVersion        string `yaml:"app_version"`         // sent as appVersion on LogIn
	ClientMachineID   string `yaml:"client_machine_id"`   // sent as clientMachineIdentifier
	ClientMachineName string `yaml:"client_machine_name"` // sent as clientMachineName
	Username          string `yaml:"username"`            // legacy login user name
	Password          string `yaml:"password"`            // legacy plaintext password
	PasswordHash      string `yaml:"password_hash"`       // legacy MD5 password hash
	Timeout           int    `yaml:"timeout"`             // outbound call timeout in seconds
}

// OAuthConfig defines the OAuth2 Authorization Code flow settings
type OAuthConfig struct {
	Issuer       string   `yaml:"issuer"`        // optional, enables OIDC discovery of endpoints
	AuthorizeURL string   `yaml:"authorize_url"` // used when issuer is empty
	TokenURL     string   `yaml:"token_url"`     // used when issuer is empty
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURI  string   `yaml:"redirect_uri"`
	Username     string   `yaml:"username"` // optional user name sent on the login handshake
	Scopes       []string `yaml:"scopes"`
}

// TLSConfig defines TLS settings for the HTTP server
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, then validates it. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment. Variables that are already set are not overwritten, and a
// missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "eway-gateway"
	}

	return &Config{
		Listen: ListenConfig{
			HTTP:      ":3000",
			Socket:    "/run/eway-gateway/tool.sock",
			RateLimit: 20,
			RateBurst: 50,
		},
		Eway: EwayConfig{
			AppVersion:        "EwayCrmGateway1.0",
			ClientMachineName: host,
			Timeout:           30,
		},
		OAuth: OAuthConfig{
			AuthorizeURL: "https://login.eway-crm.com/connect/authorize",
			TokenURL:     "https://login.eway-crm.com/connect/token",
			Scopes:       []string{"api", "offline_access"},
		},
		TLS: TLSConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	// eWay API overrides
	if v := os.Getenv("EWAY_API_URL"); v != "" {
		c.Eway.APIURL = v
	}
	if v := os.Getenv("EWAY_APP_VERSION"); v != "" {
		c.Eway.AppVersion = v
	}
	if v := os.Getenv("EWAY_USERNAME"); v != "" {
		c.Eway.Username = v
	}
	if v := os.Getenv("EWAY_PASSWORD"); v != "" {
		c.Eway.Password = v
	}
	if v := os.Getenv("EWAY_PASSWORD_HASH"); v != "" {
		c.Eway.PasswordHash = v
	}
	if v := os.Getenv("EWAY_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Eway.Timeout = n
		}
	}

	// OAuth overrides
	if v := os.Getenv("EWAY_OAUTH_ISSUER"); v != "" {
		c.OAuth.Issuer = v
	}
	if v := os.Getenv("EWAY_OAUTH_AUTHORIZE_URL"); v != "" {
		c.OAuth.AuthorizeURL = v
	}
	if v := os.Getenv("EWAY_OAUTH_TOKEN_URL"); v != "" {
		c.OAuth.TokenURL = v
	}
	if v := os.Getenv("EWAY_CLIENT_ID"); v != "" {
		c.OAuth.ClientID = v
	}
	if v := os.Getenv("EWAY_CLIENT_SECRET"); v != "" {
		c.OAuth.ClientSecret = v
	}
	if v := os.Getenv("EWAY_REDIRECT_URI"); v != "" {
		c.OAuth.RedirectURI = v
	}
	if v := os.Getenv("EWAY_OAUTH_USERNAME"); v != "" {
		c.OAuth.Username = v
	}

	// Log overrides
	if v := os.Getenv("EWAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("EWAY_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	// Listen overrides
	if v := os.Getenv("EWAY_LISTEN_HTTP"); v != "" {
		c.Listen.HTTP = v
	}
	if v := os.Getenv("EWAY_LISTEN_SOCKET"); v != "" {
		c.Listen.Socket = v
	}
	if v := os.Getenv("EWAY_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Listen.RateLimit = f
		}
	}
	if v := os.Getenv("EWAY_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Listen.RateBurst = n
		}
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Validate eWay config
	if c.Eway.APIURL == "" {
		return fmt.Errorf("eway.api_url is required")
	}
	if !isHTTPURL(c.Eway.APIURL) {
		return fmt.Errorf("eway.api_url must be a valid HTTP(S) URL")
	}
	if c.Eway.AppVersion == "" {
		return fmt.Errorf("eway.app_version is required")
	}
	if c.Eway.Timeout <= 0 {
		return fmt.Errorf("eway.timeout must be positive")
	}

	// Exactly one auth mode must be usable before anything is served
	creds, err := c.ResolveCredentials()
	if err != nil {
		return err
	}

	if creds.Mode == AuthModeOAuth2 {
		if c.OAuth.RedirectURI == "" {
			return fmt.Errorf("oauth.redirect_uri is required when oauth.client_id is set")
		}
		if !isHTTPURL(c.OAuth.RedirectURI) {
			return fmt.Errorf("oauth.redirect_uri must be a valid HTTP(S) URL")
		}
		if c.OAuth.Issuer == "" {
			if !isHTTPURL(c.OAuth.AuthorizeURL) {
				return fmt.Errorf("oauth.authorize_url must be a valid HTTP(S) URL")
			}
			if !isHTTPURL(c.OAuth.TokenURL) {
				return fmt.Errorf("oauth.token_url must be a valid HTTP(S) URL")
			}
		} else if !isHTTPURL(c.OAuth.Issuer) {
			return fmt.Errorf("oauth.issuer must be a valid HTTP(S) URL")
		}
	}

	// Validate TLS config
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}

		// Check if files exist
		if _, err := os.Stat(c.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file not found: %w", err)
		}
		if _, err := os.Stat(c.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls.key_file not found: %w", err)
		}
	}

	// Validate log config
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	// Validate listen config
	if c.Listen.HTTP == "" {
		return fmt.Errorf("listen.http is required")
	}
	if c.Listen.Socket == "" {
		return fmt.Errorf("listen.socket is required")
	}
	if c.Listen.RateLimit < 0 {
		return fmt.Errorf("listen.rate_limit must not be negative")
	}
	if c.Listen.RateLimit > 0 && c.Listen.RateBurst < 1 {
		return fmt.Errorf("listen.rate_burst must be at least 1 when rate limiting is enabled")
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a copy of the config with secrets redacted for safe logging
func (c *Config) Redact() *Config {
	redacted := *c
	if c.OAuth.Scopes != nil {
		redacted.OAuth.Scopes = make([]string, len(c.OAuth.Scopes))
		copy(redacted.OAuth.Scopes, c.OAuth.Scopes)
	}
	if redacted.OAuth.ClientSecret != "" {
		redacted.OAuth.ClientSecret = "[REDACTED]"
	}
	if redacted.Eway.Password != "" {
		redacted.Eway.Password = "[REDACTED]"
	}
	if redacted.Eway.PasswordHash != "" {
		redacted.Eway.PasswordHash = "[REDACTED]"
	}
	return &redacted
}
