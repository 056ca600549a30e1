// Package tool implements the client side of the local tool protocol used by
// the call and status commands.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hnizdiljan/eway-crm-gateway/internal/ipc"
)

// Exit codes for the tool commands
const (
	ExitSuccess      = 0 // Backend returned rcSuccess
	ExitFailure      = 1 // Tool, daemon or transport failure
	ExitBackendError = 4 // Backend answered with a non-success ReturnCode
)

const maxParamsBytes = 1 << 20

// Handler runs tool commands against a running daemon
type Handler struct {
	client *ipc.Client
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// NewHandler creates a new tool handler
func NewHandler(socketPath string) *Handler {
	return &Handler{
		client: ipc.NewClient(socketPath),
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// SetIO replaces the standard streams.
func (h *Handler) SetIO(stdin io.Reader, stdout, stderr io.Writer) {
	h.stdin = stdin
	h.stdout = stdout
	h.stderr = stderr
}

// Run invokes method through the daemon and prints the backend response.
// paramsFile names a JSON object file, "-" reads it from stdin and an empty
// name sends no parameters.
func (h *Handler) Run(ctx context.Context, method, paramsFile string) int {
	if method == "" {
		fmt.Fprintf(h.stderr, "Error: method is required\n")
		return ExitFailure
	}

	params, err := h.readParams(paramsFile)
	if err != nil {
		slog.Error("failed to read params", "error", err, "file", paramsFile)
		fmt.Fprintf(h.stderr, "Error reading params: %v\n", err)
		return ExitFailure
	}

	slog.Debug("tool call", "method", method, "params_bytes", len(params))

	resp, err := h.client.Call(ctx, method, params)
	if err != nil {
		return h.daemonFailure(err)
	}

	if resp.Status == ipc.StatusError {
		slog.Error("daemon returned error", "error", resp.Error)
		fmt.Fprintf(h.stderr, "Error: %s\n", resp.Error)
		return ExitFailure
	}

	if err := h.printResult(resp.Result); err != nil {
		fmt.Fprintf(h.stderr, "Error: %v\n", err)
		return ExitFailure
	}

	if resp.ReturnCode != "rcSuccess" {
		slog.Warn("backend returned non-success", "method", method, "return_code", resp.ReturnCode)
		return ExitBackendError
	}
	return ExitSuccess
}

// Status prints the daemon's backend session status.
func (h *Handler) Status(ctx context.Context) int {
	resp, err := h.client.Status(ctx)
	if err != nil {
		return h.daemonFailure(err)
	}

	if resp.Status == ipc.StatusError {
		fmt.Fprintf(h.stderr, "Error: %s\n", resp.Error)
		return ExitFailure
	}

	if err := h.printResult(resp.Result); err != nil {
		fmt.Fprintf(h.stderr, "Error: %v\n", err)
		return ExitFailure
	}
	return ExitSuccess
}

func (h *Handler) daemonFailure(err error) int {
	slog.Error("failed to communicate with daemon", "error", err)
	fmt.Fprintf(h.stderr, "Error: daemon communication failed: %v\n", err)
	fmt.Fprintf(h.stderr, "Is the gateway running? Check: systemctl status eway-gateway\n")
	return ExitFailure
}

// readParams loads the call parameters. They must form a JSON object.
func (h *Handler) readParams(path string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)

	switch path {
	case "":
		return nil, nil
	case "-":
		data, err = io.ReadAll(io.LimitReader(h.stdin, maxParamsBytes))
	default:
		data, err = os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path given by the operator on the command line
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read params: %w", err)
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	return json.RawMessage(data), nil
}

func (h *Handler) printResult(result json.RawMessage) error {
	if len(result) == 0 {
		return nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, result, "", "  "); err != nil {
		return fmt.Errorf("invalid result from daemon: %w", err)
	}
	out.WriteByte('\n')
	_, err := h.stdout.Write(out.Bytes())
	return err
}
