package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tradedash/tokenkeeper/internal/secretstore"
	"github.com/tradedash/tokenkeeper/internal/server"
	"github.com/tradedash/tokenkeeper/internal/session"
	"github.com/tradedash/tokenkeeper/internal/tokenclient"
)

// App orchestrates the lifecycle of the session manager, the local server and
// related services.
type App struct {
	cfg     *Config
	store   secretstore.Store
	manager *session.Manager
	server  *server.Server
}

// New creates a new App instance. No secret store or network I/O is performed.
func New(cfg *Config, opts ...session.Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := cfg.Auth.NewSecretStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create secret store: %w", err)
	}

	manager, err := NewManager(cfg.Auth, store, opts...)
	if err != nil {
		return nil, err
	}

	srv, err := server.New(manager)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &App{
		cfg:     cfg,
		store:   store,
		manager: manager,
		server:  srv,
	}, nil
}

// NewManager builds a session manager with the token client and snapshot cache
// described by cfg.
func NewManager(cfg AuthConfig, store secretstore.Store, opts ...session.Option) (*session.Manager, error) {
	endpoint := tokenclient.Endpoint
	endpoint.TokenURL = cfg.TokenURL

	client, err := tokenclient.New(endpoint, tokenclient.WithTimeout(cfg.ExchangeTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create token client: %w", err)
	}

	managerOpts := []session.Option{
		session.WithRenewFraction(cfg.RenewFraction),
		session.WithCountdownInterval(cfg.CountdownInterval),
	}
	if cfg.SnapshotFile != "" {
		snapshots, err := secretstore.NewSnapshotFile(cfg.SnapshotFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create snapshot file: %w", err)
		}
		managerOpts = append(managerOpts, session.WithSnapshotCache(snapshots))
	}

	manager, err := session.New(store, client, append(managerOpts, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}
	return manager, nil
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Address()
	var shutdownFuncs []func(context.Context) error

	// Startup phase: Start services
	managerCtx, stopManager := context.WithCancel(context.WithoutCancel(gCtx))
	managerDone := make(chan error, 1)
	go func() { managerDone <- a.manager.Run(managerCtx) }()
	shutdownFuncs = append(shutdownFuncs, func(ctx context.Context) error {
		stopManager()
		select {
		case err := <-managerDone:
			return err
		case <-ctx.Done():
			return fmt.Errorf("session manager did not stop: %w", ctx.Err())
		}
	})

	if err := a.startSession(gCtx); err != nil {
		stopManager()
		return err
	}

	slog.InfoContext(gCtx, "starting server", "address", address)
	serverErrCh, err := a.server.Start(gCtx, address)
	if err != nil {
		stopManager()
		return fmt.Errorf("server startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.server.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-serverErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "server runtime error", "error", err)
				return fmt.Errorf("server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}

// startSession resumes the persisted session, seeding it from the configured refresh
// token when the store holds none.
func (a *App) startSession(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return fmt.Errorf("session start failed: %w", err)
	}

	if a.cfg.Auth.RefreshToken == "" {
		return nil
	}
	if s := a.manager.State(); s.Refreshing || s.Authenticated() {
		slog.InfoContext(ctx, "ignoring configured refresh token, stored session found")
		return nil
	}

	slog.InfoContext(ctx, "seeding session from configured refresh token")
	if err := a.manager.TriggerRefresh(ctx, a.cfg.Auth.RefreshToken); err != nil {
		return fmt.Errorf("session seed failed: %w", err)
	}
	return nil
}

// Manager returns the application's session manager.
func (a *App) Manager() *session.Manager {
	return a.manager
}
