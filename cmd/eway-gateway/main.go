package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hnizdiljan/eway-crm-gateway/internal/config"
	"github.com/hnizdiljan/eway-crm-gateway/internal/daemon"
	"github.com/hnizdiljan/eway-crm-gateway/internal/httpserver"
	"github.com/hnizdiljan/eway-crm-gateway/internal/tool"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	envFile    string
	logLevel   string
	logFormat  string
)

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitConfig  = 3
	ExitBackend = tool.ExitBackendError // call: backend answered with a non-success ReturnCode
)

var rootCmd = &cobra.Command{
	Use:   "eway-gateway",
	Short: "REST gateway for the eWay-CRM API",
	Long: `A stateful gateway in front of the eWay-CRM JSON API.

The gateway logs in to eWay-CRM once, either with an OAuth2 Authorization
Code token or with a legacy user name and password hash, and shares that
session between all REST callers. Rejected sessions are re-established and
the call is repeated once.

Configuration comes from an optional YAML file, a .env file and EWAY_*
environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Start the gateway.

The gateway:
  - Serves the REST API, the OAuth2 authorize/callback endpoints and /metrics
  - Listens on a Unix socket for the call and status commands
  - Holds the eWay-CRM session and OAuth2 token in memory only

This mode is typically run as a systemd service.`,
	RunE: runServe,
}

// overrideExitCode is set by subcommands (call, status, check-config) so
// main() can call os.Exit() after cobra finishes. -1 means "use default".
var overrideExitCode = -1

var callCmd = &cobra.Command{
	Use:   "call <method> [params-file]",
	Short: "Invoke an eWay-CRM API method through the running gateway",
	Long: `Invoke a raw eWay-CRM API method using the gateway's session.

params-file holds a JSON object with the method parameters. Use "-" to read
it from stdin. The sessionId parameter is added by the gateway.

Exit codes:
  0 = Backend returned rcSuccess
  1 = Tool, gateway or transport failure
  4 = Backend returned a non-success ReturnCode`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the gateway's eWay-CRM session status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Print the MD5 password hash used for legacy login",
	Long: `Print the uppercase hex MD5 hash of a password, suitable for
EWAY_PASSWORD_HASH. Use "-" to read the password from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runHashPassword,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration",
	Long: `Load and validate the configuration without starting the gateway.

Checks for:
  - Valid YAML syntax
  - A usable set of credentials (OAuth2 or legacy)
  - Valid URLs and paths

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

func init() {
	// Global flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Path to YAML configuration file (optional)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"Path to a dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	// Applied outside RunE so deferred functions run properly.
	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// loadConfig reads the env file, then the YAML file and the environment.
func loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

// runServe starts the gateway
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	config.SetupLogging(&cfg.Log)
	httpserver.Version = version

	slog.Info("starting eWay-CRM gateway",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)

	d, err := daemon.New(cfg)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run(context.Background())
}

// toolSocketPath resolves the gateway socket. The call and status commands
// run without full credentials, so a config that fails validation falls
// back to the environment and then to the default path.
func toolSocketPath() string {
	cfg, err := loadConfig()
	if err == nil {
		return cfg.Listen.Socket
	}
	if v := os.Getenv("EWAY_LISTEN_SOCKET"); v != "" {
		return v
	}
	return config.DefaultConfig().Listen.Socket
}

// runCall invokes a backend method through the running gateway
func runCall(cmd *cobra.Command, args []string) error {
	method := args[0]
	paramsFile := ""
	if len(args) == 2 {
		paramsFile = args[1]
	}

	handler := tool.NewHandler(toolSocketPath())
	overrideExitCode = handler.Run(context.Background(), method, paramsFile)
	return nil
}

// runStatus prints the gateway's session status
func runStatus(cmd *cobra.Command, args []string) error {
	handler := tool.NewHandler(toolSocketPath())
	overrideExitCode = handler.Status(context.Background())
	return nil
}

// runHashPassword prints the legacy password hash
func runHashPassword(cmd *cobra.Command, args []string) error {
	password := args[0]
	if password == "-" {
		var err error
		password, err = readLine(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
	}
	if password == "" {
		return fmt.Errorf("password must not be empty")
	}

	fmt.Println(config.HashPassword(password))
	return nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("eway-gateway version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Build date: %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", getGoVersion())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	source := configFile
	if source == "" {
		source = "environment"
	}
	fmt.Printf("Checking configuration: %s\n\n", source)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil
	}

	creds, err := cfg.ResolveCredentials()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		overrideExitCode = ExitConfig
		return nil
	}

	redacted := cfg.Redact()

	fmt.Println("✅ Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  Auth Mode:       %s\n", creds.Mode)
	fmt.Printf("  Credentials:     %s\n", creds.String())
	fmt.Printf("  eWay API URL:    %s\n", redacted.Eway.APIURL)
	fmt.Printf("  App Version:     %s\n", redacted.Eway.AppVersion)
	fmt.Printf("  Timeout:         %d seconds\n", redacted.Eway.Timeout)
	if creds.Mode == config.AuthModeOAuth2 {
		if redacted.OAuth.Issuer != "" {
			fmt.Printf("  OAuth Issuer:    %s\n", redacted.OAuth.Issuer)
		} else {
			fmt.Printf("  Authorize URL:   %s\n", redacted.OAuth.AuthorizeURL)
			fmt.Printf("  Token URL:       %s\n", redacted.OAuth.TokenURL)
		}
		fmt.Printf("  Redirect URI:    %s\n", redacted.OAuth.RedirectURI)
		fmt.Printf("  Scopes:          %v\n", redacted.OAuth.Scopes)
	}
	fmt.Printf("  HTTP Listen:     %s\n", redacted.Listen.HTTP)
	fmt.Printf("  Unix Socket:     %s\n", redacted.Listen.Socket)
	if redacted.Listen.RateLimit > 0 {
		fmt.Printf("  Rate Limit:      %g req/s per client, burst %d\n", redacted.Listen.RateLimit, redacted.Listen.RateBurst)
	} else {
		fmt.Printf("  Rate Limit:      disabled\n")
	}
	fmt.Printf("  Log Level:       %s\n", redacted.Log.Level)
	fmt.Printf("  Log Format:      %s\n", redacted.Log.Format)
	fmt.Printf("  TLS Enabled:     %v\n", redacted.TLS.Enabled)

	fmt.Println("\n✅ Ready to start gateway")

	return nil
}

// getGoVersion returns the Go version used to build the binary
func getGoVersion() string {
	return runtime.Version()
}
