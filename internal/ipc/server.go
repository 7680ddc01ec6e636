package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response. A nil
	// response with nil error means the handler replied directly (streams).
	HandleMessage(ctx context.Context, client *ClientConn, msg *Message) (*Message, error)
}

// ClientConn represents a connected client
type ClientConn struct {
	ID          string
	ConnectedAt time.Time

	conn net.Conn

	// Write serialization: responses and streamed updates interleave.
	writeMu sync.Mutex

	// subscription, nil until the client subscribes
	subMu    sync.Mutex
	category string
	subbed   bool
}

// Send writes a message to the client, serialized against concurrent
// senders.
func (c *ClientConn) Send(m *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return m.Write(c.conn)
}

// subscribe marks the client as a view-update subscriber.
func (c *ClientConn) subscribe(category string) {
	c.subMu.Lock()
	c.category = category
	c.subbed = true
	c.subMu.Unlock()
}

// wants reports whether a view update matches the client's subscription.
func (c *ClientConn) wants(category string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.subbed && (c.category == "" || c.category == category)
}

// Server is the IPC server that manages client connections over a local
// unix socket.
type Server struct {
	socketPath string
	handler    Handler
	log        *slog.Logger

	mu      sync.Mutex
	clients map[string]*ClientConn

	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
	nextID   atomic.Uint64
}

// NewServer creates an IPC server serving on socketPath.
func NewServer(socketPath string, handler Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		log:        log,
		clients:    make(map[string]*ClientConn),
	}
}

// Run serves clients until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("ipc: create socket directory: %w", err)
	}
	// Remove stale socket from a previous run.
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ipc: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("ipc: socket permissions: %w", err)
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	s.log.Info("ipc listening", "socket", s.socketPath)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) shutdown() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	os.Remove(s.socketPath)
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	client := &ClientConn{
		ID:          fmt.Sprintf("client-%d", s.nextID.Add(1)),
		ConnectedAt: time.Now(),
		conn:        conn,
	}
	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
	}()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && s.running.Load() {
				s.log.Debug("ipc read failed", "client", client.ID, "error", err)
			}
			return
		}

		resp, err := s.dispatch(ctx, client, msg)
		if err != nil {
			resp = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}
		if resp == nil {
			continue
		}
		if err := client.Send(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, client *ClientConn, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil

	case MsgSubscribe:
		var req SubscribeRequest
		if len(msg.Payload) > 0 {
			if err := Decode(msg.Payload, &req); err != nil {
				return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
			}
		}
		client.subscribe(req.Category)
		return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{Success: true})

	default:
		return s.handler.HandleMessage(ctx, client, msg)
	}
}

// Broadcast pushes a view update to every subscribed client. Slow or gone
// clients are dropped, never waited on.
func (s *Server) Broadcast(update *ViewUpdateEvent) {
	payload, err := Encode(update)
	if err != nil {
		return
	}
	msg := NewMessage(MsgViewUpdate, 0, payload)

	s.mu.Lock()
	targets := make([]*ClientConn, 0, len(s.clients))
	for _, c := range s.clients {
		if c.wants(update.Category) {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			c.conn.Close()
		}
	}
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.socketPath
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
