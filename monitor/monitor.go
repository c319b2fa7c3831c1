// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/jobserver"
)

// Actions understood by the monitor.
const (
	// ActionStatus requests a snapshot of the server's pool.
	ActionStatus = "status"

	// ActionPing requests an empty OK response.
	ActionPing = "ping"
)

// Request is a single query sent over the monitor socket. Field
// names come from json tags; the CBOR codec reads them as a
// fallback, so the same types serve both encodings.
type Request struct {
	// Action is the request type: "status" or "ping".
	Action string `json:"action"`
}

// Response is the reply to a Request.
type Response struct {
	// OK reports whether the request was understood and served.
	OK bool `json:"ok"`

	// Error describes the failure when OK is false.
	Error string `json:"error,omitempty"`

	// Status carries the pool snapshot for status requests.
	Status *jobserver.Status `json:"status,omitempty"`
}

// Monitor answers status queries about a jobserver.Server over a
// Unix socket.
type Monitor struct {
	server *jobserver.Server
	logger *slog.Logger
}

// New returns a Monitor reporting on server.
func New(server *jobserver.Server, logger *slog.Logger) *Monitor {
	return &Monitor{server: server, logger: logger}
}

// Listen binds the monitor's Unix socket, removing any stale socket
// file from a previous run. The socket file is created with mode
// 0600. The caller owns the returned listener and closes it to stop
// an in-flight Serve.
func (m *Monitor) Listen(socketPath string) (net.Listener, error) {
	socketDir := filepath.Dir(socketPath)
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating socket directory %s: %w", socketDir, err)
	}

	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	if err := os.Chmod(socketPath, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}

	return listener, nil
}

// Serve accepts connections on listener until ctx is cancelled or
// the listener is closed. Each connection is handled on its own
// goroutine.
func (m *Monitor) Serve(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Check if the context was cancelled (shutdown).
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Error("accept error", "error", err)
			continue
		}
		go m.handleConnection(conn)
	}
}

// handleConnection serves one request/response exchange.
func (m *Monitor) handleConnection(conn net.Conn) {
	defer conn.Close()

	// Set a deadline for the entire request/response cycle.
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	decoder := newDecoder(conn)
	encoder := newEncoder(conn)

	var request Request
	if err := decoder.Decode(&request); err != nil {
		m.logger.Error("decoding monitor request", "error", err)
		if err := encoder.Encode(Response{OK: false, Error: "invalid request"}); err != nil {
			m.logger.Error("encoding monitor error response", "error", err)
		}
		return
	}

	var response Response
	switch request.Action {
	case ActionStatus:
		status, err := m.server.Status()
		if err != nil {
			response = Response{OK: false, Error: err.Error()}
		} else {
			response = Response{OK: true, Status: &status}
		}

	case ActionPing:
		response = Response{OK: true}

	default:
		response = Response{OK: false, Error: fmt.Sprintf("unknown action %q", request.Action)}
	}

	if err := encoder.Encode(response); err != nil {
		m.logger.Error("encoding monitor response", "error", err)
	}
}

// Query dials the monitor socket at socketPath, requests a status
// snapshot, and returns it.
func Query(socketPath string) (jobserver.Status, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return jobserver.Status{}, fmt.Errorf("dialing monitor socket: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if err := newEncoder(conn).Encode(Request{Action: ActionStatus}); err != nil {
		return jobserver.Status{}, fmt.Errorf("sending status request: %w", err)
	}

	var response Response
	if err := newDecoder(conn).Decode(&response); err != nil {
		return jobserver.Status{}, fmt.Errorf("decoding status response: %w", err)
	}
	if !response.OK {
		return jobserver.Status{}, fmt.Errorf("status request failed: %s", response.Error)
	}
	if response.Status == nil {
		return jobserver.Status{}, errors.New("status response missing payload")
	}

	return *response.Status, nil
}
