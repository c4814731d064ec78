package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/marker.locator/internal/monitoring"
	"github.com/banshee-data/marker.locator/internal/pose"
)

// ServerConfig contains configuration options for the TCP telemetry server.
type ServerConfig struct {
	Address      string
	YawDecimals  int
	WriteTimeout time.Duration // zero disables the per-write deadline
}

// Server accepts exactly one TCP client and streams samples to it. There is
// no reconnection: once the client is gone every later Send is skipped.
type Server struct {
	address      string
	yawDecimals  int
	writeTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	addr     net.Addr
	conn     net.Conn
	state    ConnState
	sent     uint64
	closed   bool
}

// NewServer creates a server with the provided configuration. It does not
// bind until Listen is called.
func NewServer(config ServerConfig) *Server {
	yawDecimals := config.YawDecimals
	if yawDecimals == 0 {
		yawDecimals = DefaultYawDecimals
	}
	return &Server{
		address:      config.Address,
		yawDecimals:  ClampYawDecimals(yawDecimals),
		writeTimeout: config.WriteTimeout,
		state:        Disconnected,
	}
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.addr = ln.Addr()
	s.state = AwaitingClient
	s.mu.Unlock()

	monitoring.Logf("Telemetry server listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen. It stays valid
// after the listener closes.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// AcceptOnce blocks until one client connects, then closes the listener.
// Cancelling ctx aborts the wait and closes the listener.
func (s *Server) AcceptOnce(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("telemetry server is not listening")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	conn, err := ln.Accept()
	ln.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = nil
	if err != nil {
		s.state = Disconnected
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to accept telemetry client: %w", err)
	}

	if s.closed {
		conn.Close()
		return errors.New("telemetry server closed")
	}
	s.conn = conn
	s.state = Connected
	monitoring.Logf("Telemetry client connected from %s", conn.RemoteAddr())
	return nil
}

// Send writes one sample as a single line. A write failure drops the
// connection permanently.
func (s *Server) Send(sample pose.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Connected:
	case Dropped:
		return ErrDropped
	default:
		return ErrNotConnected
	}

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return s.drop(err)
		}
	}
	if _, err := s.conn.Write([]byte(FormatSample(sample, s.yawDecimals))); err != nil {
		return s.drop(err)
	}
	s.sent++
	return nil
}

// drop discards the client connection. Callers hold s.mu.
func (s *Server) drop(cause error) error {
	monitoring.Logf("Telemetry client disconnected after %d samples: %v", s.sent, cause)
	s.conn.Close()
	s.conn = nil
	s.state = Dropped
	return fmt.Errorf("%w: %v", ErrDropped, cause)
}

// State returns the connection state.
func (s *Server) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Sent returns the number of samples delivered.
func (s *Server) Sent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Close releases the listener and any client connection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	var errs []error
	if s.listener != nil {
		errs = append(errs, s.listener.Close())
		s.listener = nil
		s.state = Disconnected
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
		s.conn = nil
		s.state = Dropped
	}
	return errors.Join(errs...)
}
