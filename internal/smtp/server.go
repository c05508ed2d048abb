package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shineum/mail-relay/internal/email"
)

const (
	// shutdownTimeout bounds the wait for in-flight sessions on shutdown.
	shutdownTimeout = 30 * time.Second

	defaultMaxMessageSize = 10 * 1024 * 1024
	defaultMaxConnections = 100
)

// Deliverer hands an accepted message to the relay.
type Deliverer interface {
	Deliver(ctx context.Context, msg *email.Email) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, msg *email.Email) error

func (f DelivererFunc) Deliver(ctx context.Context, msg *email.Email) error {
	return f(ctx, msg)
}

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is announced in the greeting and EHLO reply.
	Hostname string

	// Deliverer receives every accepted message.
	Deliverer Deliverer

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If both are empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	// MaxMessageSize is advertised with SIZE and enforced during DATA.
	MaxMessageSize int64

	// MaxConnections caps concurrent sessions. Clients beyond the cap get
	// a 421 reply.
	MaxConnections int64
}

// Server accepts SMTP connections and hands each received message to a
// Deliverer.
type Server struct {
	config ServerConfig
	auth   *Authenticator
	slots  *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener

	sessions sync.WaitGroup
}

// New creates a Server, filling unset limits with defaults.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		slots:  semaphore.NewWeighted(cfg.MaxConnections),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("smtp listener: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then waits up to
// shutdownTimeout for open sessions to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"max_message_size", s.config.MaxMessageSize,
		"max_connections", s.config.MaxConnections,
	)

	stop := context.AfterFunc(ctx, func() {
		slog.Info("shutting down SMTP server")
		ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.drain()
				return nil
			}
			slog.Error("accept error", "error", err)
			continue
		}

		if !s.slots.TryAcquire(1) {
			s.refuse(conn)
			continue
		}

		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			defer s.slots.Release(1)
			newSession(conn, s).serve(ctx)
		}()
	}
}

// refuse turns a client away when every session slot is taken.
func (s *Server) refuse(conn net.Conn) {
	slog.Warn("too many SMTP connections", "remote", conn.RemoteAddr().String())
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	fmt.Fprintf(conn, "421 %s Too many connections, try again later\r\n", s.config.Hostname)
	conn.Close()
}

func (s *Server) drain() {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or "" before Serve is called.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
