// Package responder implements the mirror-side LAYOUT_WCC listener: it
// accepts framed requests, applies attribute updates to the local store and
// answers with the operation's wire status.
package responder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/marmos91/layoutwcc/internal/logger"
	"github.com/marmos91/layoutwcc/internal/protocol/layoutwcc"
	"github.com/marmos91/layoutwcc/pkg/transport"
)

// Config configures the responder listener.
type Config struct {
	// Listen is the address to bind, host:port.
	Listen string

	// GracePeriod makes the responder answer RETRY for this long after
	// startup, while local layout state is still being rebuilt.
	GracePeriod time.Duration
}

// Metrics receives responder instrumentation. A nil Metrics disables it.
type Metrics interface {
	RecordRequest(status string)
	SetActiveConnections(n int)
}

// Server is the mirror-side endpoint of the LAYOUT_WCC operation.
type Server struct {
	config  Config
	store   *Store
	metrics Metrics

	started time.Time

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	closed   bool
}

// NewServer creates a responder serving updates from store.
func NewServer(config Config, store *Store, metrics Metrics) *Server {
	return &Server{
		config:  config,
		store:   store,
		metrics: metrics,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve listens on the configured address and blocks until ctx is cancelled
// or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Listen, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return errors.New("responder already stopped")
	}
	s.listener = ln
	s.started = time.Now()
	s.mu.Unlock()

	logger.Info("responder listening",
		"addr", ln.Addr().String(),
		"grace_period", s.config.GracePeriod)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.trackConn(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Addr returns the bound listener address, for tests and logs.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for the
// per-connection goroutines to drain. Safe to call multiple times.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	logger.Info("responder stopped")
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) trackConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	n := len(s.conns)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetActiveConnections(n)
	}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	n := len(s.conns)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetActiveConnections(n)
	}
}

// serveConn handles framed requests on one connection until it closes or a
// protocol violation occurs.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	logger.Debug("responder connection opened", "remote", conn.RemoteAddr().String())

	for {
		if err := s.handleRequest(conn); err != nil {
			if err != io.EOF {
				logger.Debug("responder connection closed",
					"remote", conn.RemoteAddr().String(),
					"error", err)
			}
			return
		}
	}
}

func (s *Server) handleRequest(conn net.Conn) error {
	message, err := transport.ReadMessage(conn)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
		return err
	}
	if len(message) < 4 {
		return fmt.Errorf("message too short for XID: %d bytes", len(message))
	}
	xid := binary.BigEndian.Uint32(message[:4])

	req, err := layoutwcc.DecodeRequest(message[4:])
	if err != nil {
		// A malformed frame leaves the stream in an unknown state; there
		// is nothing meaningful to answer.
		return fmt.Errorf("decode request: %w", err)
	}

	res := s.respond(req)
	if s.metrics != nil {
		s.metrics.RecordRequest(res.Status.String())
	}

	frame, err := layoutwcc.EncodeResponse(res)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return transport.WriteFrame(conn, xid, frame)
}

// respond applies one update, honoring the startup grace period.
func (s *Server) respond(req *layoutwcc.Request) *layoutwcc.Response {
	if s.config.GracePeriod > 0 && time.Since(s.started) < s.config.GracePeriod {
		return &layoutwcc.Response{Status: layoutwcc.StatusRetry}
	}

	res := s.store.Apply(req)
	logger.Debug("responder applied update",
		"layout_id", fmt.Sprintf("%x", req.LayoutID),
		"change_id", req.Snapshot.ChangeID,
		"status", res.Status)
	return res
}
