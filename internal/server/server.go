package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/tradedash/tokenkeeper/internal/session"
)

// Sessions is the part of *session.Manager the server depends on.
type Sessions interface {
	oauth2.TokenSource
	State() session.State
	Await(ctx context.Context) (session.State, error)
	TriggerRefresh(ctx context.Context, refreshToken string) error
	Logout(ctx context.Context) error
}

// Compile-time check that the manager satisfies Sessions
var _ Sessions = (*session.Manager)(nil)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithUpstreamTransport sets the transport beneath token injection for /api requests.
func WithUpstreamTransport(rt http.RoundTripper) Option {
	return func(s *Server) {
		s.upstream = rt
	}
}

// Server is the local HTTP interface to a session.
type Server struct {
	sessions Sessions
	logger   *slog.Logger
	upstream http.RoundTripper

	mux    *http.ServeMux
	server *http.Server
}

// Compile-time check that Server implements http.Handler
var _ http.Handler = (*Server)(nil)

// New creates a Server for sessions.
func New(sessions Sessions, opts ...Option) (*Server, error) {
	if sessions == nil {
		return nil, errors.New("missing session manager")
	}

	s := &Server{
		sessions: sessions,
		logger:   slog.Default(),
		upstream: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Every route hands out or acts on credentials; serve loopback peers only
	common := []func(http.Handler) http.Handler{Logging(s.logger), Recovery, LoopbackOnly}
	with := func(h http.HandlerFunc) http.Handler {
		return applyMiddlewares(h, common...)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /session", with(s.handleStatus))
	mux.Handle("GET /session/token", with(s.handleToken))
	mux.Handle("POST /session/refresh", with(s.handleRefresh))
	mux.Handle("DELETE /session", with(s.handleLogout))
	mux.Handle("/api/{path...}", applyMiddlewares(newAPIProxy(sessions, s.upstream), common...))
	s.mux = mux

	return s, nil
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (s *Server) Start(ctx context.Context, address string) (<-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute, // bounds proxied API responses and waiting refreshes
		IdleTimeout:       90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := s.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
