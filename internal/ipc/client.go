package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// DefaultTimeout covers a backend call, a re-login and one retry.
const DefaultTimeout = 2 * time.Minute

// Client is the IPC client used by the tool commands to talk to the daemon
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new IPC client
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    DefaultTimeout,
	}
}

// Call asks the daemon to invoke method with params. params may be nil.
func (c *Client) Call(ctx context.Context, method string, params json.RawMessage) (*Response, error) {
	return c.send(ctx, &Request{
		Type:   MessageTypeCallRequest,
		Method: method,
		Params: params,
	})
}

// Status asks the daemon for its backend session status.
func (c *Client) Status(ctx context.Context) (*Response, error) {
	return c.send(ctx, &Request{Type: MessageTypeStatusRequest})
}

func (c *Client) send(ctx context.Context, req *Request) (*Response, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer func() { _ = conn.Close() }()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var resp Response
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.Type != MessageTypeResponse {
		return nil, fmt.Errorf("invalid response type: %s", resp.Type)
	}

	return &resp, nil
}

// SetTimeout sets the connection timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}
