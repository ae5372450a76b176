//go:build linux

package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/broker"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/control"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

// DefaultGrabTimeout applies when a grab request carries no timeout.
const DefaultGrabTimeout = time.Second

// Broker is the slice of the broker the server drives.
type Broker interface {
	Grab(ctx context.Context, timeout time.Duration) (*control.FrameHandleSet, error)
	Info() engine.Counters
	Put(token uint64) bool
	InvalidateSlot(slot int) error
	Stats() broker.Stats
}

// Exporter turns a region into a descriptor that can cross the socket.
type Exporter interface {
	Export(id vframe.RegionID) (*os.File, error)
}

// ServerConfig configures the socket server.
type ServerConfig struct {
	SocketPath  string
	GrabTimeout time.Duration
}

// Server accepts consumer sessions on a unix socket.
type Server struct {
	cfg      ServerConfig
	broker   Broker
	exporter Exporter

	mu       sync.Mutex
	listener *net.UnixListener
	sessions map[string]*session
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer validates cfg and creates a server. Start begins listening.
func NewServer(cfg ServerConfig, b Broker, exporter Exporter) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path is required")
	}
	if b == nil {
		return nil, errors.New("ipc: broker is required")
	}
	if exporter == nil {
		return nil, errors.New("ipc: exporter is required")
	}
	if cfg.GrabTimeout <= 0 {
		cfg.GrabTimeout = DefaultGrabTimeout
	}

	return &Server{
		cfg:      cfg,
		broker:   b,
		exporter: exporter,
		sessions: make(map[string]*session),
	}, nil
}

// Start removes a stale socket file, listens and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("ipc: server already started")
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ipc: remove stale socket: %w", err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.cfg.SocketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("ipc: listen on %s: %w", s.cfg.SocketPath, err)
	}
	ln.SetUnlinkOnClose(true)

	ctx, cancel := context.WithCancel(ctx)
	s.listener = ln
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)

	slog.Info("ipc: server listening", "socket", s.cfg.SocketPath)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln *net.UnixListener) {
	defer s.wg.Done()

	for {
		c, err := ln.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("ipc: accept failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		sess := newSession(s, newConn(c))
		s.mu.Lock()
		s.sessions[sess.id] = sess
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.serve(ctx)

			s.mu.Lock()
			delete(s.sessions, sess.id)
			s.mu.Unlock()
		}()
	}
}

// Sessions returns the number of connected sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) sessionHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, sess := range s.sessions {
		n += sess.handleCount()
	}
	return n
}

// Stop closes the listener and every session. Sessions put back their
// outstanding frames and drop their handle references before Stop returns.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.listener
	cancel := s.cancel
	s.listener = nil
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if ln == nil {
		return nil
	}

	cancel()
	err := ln.Close()
	for _, sess := range sessions {
		sess.interrupt()
	}
	s.wg.Wait()

	slog.Info("ipc: server stopped", "socket", s.cfg.SocketPath)
	return err
}
