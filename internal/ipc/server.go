package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// requestReadTimeout bounds how long a connected tool may take to send its
// request.
const requestReadTimeout = 10 * time.Second

// RequestHandler is the function type for handling tool requests
type RequestHandler func(ctx context.Context, req *Request) (*Response, error)

// Server is the IPC server that listens on a Unix socket for tool requests
type Server struct {
	socketPath string
	listener   net.Listener
	handler    RequestHandler
	wg         sync.WaitGroup
	stopChan   chan struct{}
	stopOnce   sync.Once
	mu         sync.Mutex
}

// NewServer creates a new IPC server
func NewServer(socketPath string, handler RequestHandler) *Server {
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		stopChan:   make(chan struct{}),
	}
}

// Start starts the IPC server
func (s *Server) Start(ctx context.Context) error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove old socket if it exists
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	// Owner and group only. Any caller can invoke arbitrary backend methods
	// with the gateway's session.
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	slog.Info("IPC server started", "socket", s.socketPath)

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
				slog.Error("failed to accept connection", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection handles a single IPC connection
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	if err := conn.SetReadDeadline(time.Now().Add(requestReadTimeout)); err != nil {
		slog.Error("failed to set read deadline", "error", err)
		return
	}

	var req Request
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&req); err != nil {
		slog.Error("failed to decode request", "error", err)
		s.sendErrorResponse(conn, "invalid request format")
		return
	}

	switch req.Type {
	case MessageTypeCallRequest:
		if req.Method == "" {
			s.sendErrorResponse(conn, "method is required")
			return
		}
	case MessageTypeStatusRequest:
	default:
		slog.Error("invalid request type", "type", sanitizeIPCValue(string(req.Type)))
		s.sendErrorResponse(conn, "invalid request type")
		return
	}

	slog.Info("tool request received",
		"type", req.Type,
		"method", sanitizeIPCValue(req.Method),
	)

	resp, err := s.handler(ctx, &req)
	if err != nil {
		slog.Error("handler error", "error", err)
		s.sendErrorResponse(conn, err.Error())
		return
	}

	resp.Type = MessageTypeResponse
	enc := json.NewEncoder(conn)
	if err := enc.Encode(resp); err != nil {
		slog.Error("failed to send response", "error", err)
		return
	}

	slog.Debug("tool response sent", "status", resp.Status, "return_code", resp.ReturnCode)
}

// sendErrorResponse sends an error response to the client
func (s *Server) sendErrorResponse(conn net.Conn, errMsg string) {
	resp := &Response{
		Type:   MessageTypeResponse,
		Status: StatusError,
		Error:  errMsg,
	}

	enc := json.NewEncoder(conn)
	if err := enc.Encode(resp); err != nil {
		slog.Error("failed to send error response", "error", err)
	}
}

// Stop stops the IPC server gracefully. It waits for in-flight requests.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		slog.Info("stopping IPC server")

		close(s.stopChan)

		s.mu.Lock()
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				slog.Warn("failed to close listener", "error", err)
			}
		}
		s.mu.Unlock()

		s.wg.Wait()

		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove socket file", "error", err)
		}

		slog.Info("IPC server stopped")
	})
	return nil
}
