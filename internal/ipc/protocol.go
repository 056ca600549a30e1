// Package ipc implements the local tool protocol: one JSON request and one
// JSON response per Unix socket connection.
package ipc

import "encoding/json"

// MessageType represents the type of IPC message
type MessageType string

const (
	// MessageTypeCallRequest asks the daemon to invoke a backend method
	MessageTypeCallRequest MessageType = "call_request"
	// MessageTypeStatusRequest asks the daemon for its session status
	MessageTypeStatusRequest MessageType = "status_request"
	// MessageTypeResponse is sent from the daemon back to the tool
	MessageTypeResponse MessageType = "response"
)

// Request is sent from the tool to the daemon.
type Request struct {
	Type   MessageType     `json:"type"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is sent from the daemon back to the tool. Result carries the
// backend response verbatim for calls and the session status for status
// requests.
type Response struct {
	Type       MessageType     `json:"type"`
	Status     string          `json:"status"` // "ok" or "error"
	ReturnCode string          `json:"return_code,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// ResponseStatus constants
const (
	StatusOK    = "ok"
	StatusError = "error"
)
