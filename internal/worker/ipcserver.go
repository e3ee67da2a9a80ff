package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/veloxchat/pushkit/internal/ipc"
)

// RequestHandler answers foreground request envelopes.
type RequestHandler interface {
	HandleRequest(ctx context.Context, env ipc.Envelope) ipc.Result
}

// IPCServer accepts foreground instance connections on a unix socket.
// Connected clients receive worker broadcasts; request envelopes are
// answered through the handler.
type IPCServer struct {
	socketPath string
	handler    RequestHandler

	mu      sync.Mutex
	ln      net.Listener
	clients map[*ipc.Conn]struct{}
}

// NewIPCServer creates a server listening at socketPath once Serve runs.
func NewIPCServer(socketPath string, handler RequestHandler) *IPCServer {
	return &IPCServer{
		socketPath: socketPath,
		handler:    handler,
		clients:    make(map[*ipc.Conn]struct{}),
	}
}

// Serve accepts connections until ctx is cancelled. A stale socket file
// from a previous run is removed before listening.
func (s *IPCServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("worker: removing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("worker: listening on socket: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("worker: ipc socket listening", "path", s.socketPath)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker: accepting connection: %w", err)
		}
		go s.serveConn(ctx, ipc.NewConn(conn))
	}
}

// ClientCount returns the number of connected foreground instances.
func (s *IPCServer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast sends an envelope to every connected instance.
func (s *IPCServer) Broadcast(env ipc.Envelope) {
	for _, c := range s.snapshot() {
		if err := c.Write(env); err != nil {
			slog.Debug("worker: broadcast write failed", "error", err)
		}
	}
}

// SendToOne delivers an envelope to exactly one connected instance and
// reports whether one was reached. Which instance receives it is
// unspecified when several are connected.
func (s *IPCServer) SendToOne(env ipc.Envelope) bool {
	for _, c := range s.snapshot() {
		if err := c.Write(env); err != nil {
			slog.Debug("worker: client write failed, trying next", "error", err)
			continue
		}
		return true
	}
	return false
}

func (s *IPCServer) snapshot() []*ipc.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*ipc.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	return conns
}

func (s *IPCServer) serveConn(ctx context.Context, conn *ipc.Conn) {
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	total := len(s.clients)
	s.mu.Unlock()
	slog.Debug("worker: foreground instance connected", "clients", total)

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
		slog.Debug("worker: foreground instance disconnected")
	}()

	for {
		env, err := conn.Read()
		if err != nil {
			return
		}

		res := s.handler.HandleRequest(ctx, env)
		reply, err := ipc.Reply(env, res)
		if err != nil {
			slog.Warn("worker: building reply", "error", err)
			continue
		}
		if err := conn.Write(reply); err != nil {
			return
		}
	}
}
