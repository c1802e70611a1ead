package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/tradedash/tokenkeeper/internal/app"
	"github.com/tradedash/tokenkeeper/internal/server"
	"github.com/tradedash/tokenkeeper/internal/session"
)

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "exchange a refresh token generated in the brokerage portal and store the rotated one",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "auth--refresh-token",
				Aliases: []string{"refresh-token"},
				Usage:   "refresh token (prompted for if not set)",
			},
			&cli.StringFlag{
				Name:  "auth--token-url",
				Usage: "OAuth2 token endpoint",
				Value: app.DefaultConfigTokenURL,
			},
		},
		Action: loginAction,
	}
}

func loginAction(ctx context.Context, cmd *cli.Command) error {
	cfg, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flushLogs(shutdown)

	refreshToken := cfg.Auth.RefreshToken
	if refreshToken == "" {
		refreshToken, err = promptRefreshToken(os.Stdin, os.Stderr)
		if err != nil {
			return err
		}
	}

	// A running daemon owns the stored token; hand the new one to it
	view, err := newDaemonClient(cfg.Server).refresh(ctx, refreshToken)
	switch {
	case errors.Is(err, errDaemonUnavailable):
		view, err = loginLocally(ctx, cfg, refreshToken)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	}

	printView(output(cmd), view, "")
	if !view.Valid {
		return errors.New("login failed")
	}
	return nil
}

// loginLocally performs the exchange in this process.
func loginLocally(ctx context.Context, cfg *app.Config, refreshToken string) (server.SessionView, error) {
	state, err := withManager(ctx, cfg, func(ctx context.Context, m *session.Manager) (session.State, error) {
		if err := m.TriggerRefresh(ctx, refreshToken); err != nil {
			return session.State{}, err
		}
		return m.Await(ctx)
	})
	if err != nil {
		return server.SessionView{}, err
	}
	return server.NewSessionView(state), nil
}

// withManager runs a session manager for the duration of fn.
func withManager(ctx context.Context, cfg *app.Config, fn func(context.Context, *session.Manager) (session.State, error)) (session.State, error) {
	store, err := cfg.Auth.NewSecretStore()
	if err != nil {
		return session.State{}, fmt.Errorf("failed to create secret store: %w", err)
	}
	manager, err := app.NewManager(cfg.Auth, store)
	if err != nil {
		return session.State{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- manager.Run(runCtx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			slog.ErrorContext(ctx, "session manager failed", "error", err)
		}
	}()

	return fn(ctx, manager)
}

// promptRefreshToken reads a refresh token from in, without echo when in is a terminal.
func promptRefreshToken(in *os.File, prompt io.Writer) (string, error) {
	fmt.Fprint(prompt, "Refresh token: ")

	var raw []byte
	var err error
	if term.IsTerminal(int(in.Fd())) {
		raw, err = term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(prompt) // newline after hidden input
	} else {
		raw, err = io.ReadAll(io.LimitReader(in, 64<<10))
	}
	if err != nil {
		return "", fmt.Errorf("failed to read refresh token: %w", err)
	}

	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", errors.New("no refresh token provided")
	}
	return token, nil
}
