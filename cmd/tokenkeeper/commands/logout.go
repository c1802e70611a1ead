package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/tradedash/tokenkeeper/internal/session"
)

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "forget the session and delete the stored refresh token",
		Action: logoutAction,
	}
}

func logoutAction(ctx context.Context, cmd *cli.Command) error {
	cfg, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flushLogs(shutdown)

	err = newDaemonClient(cfg.Server).logout(ctx)
	if errors.Is(err, errDaemonUnavailable) {
		_, err = withManager(ctx, cfg, func(ctx context.Context, m *session.Manager) (session.State, error) {
			return m.State(), m.Logout(ctx)
		})
	}
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}

	fmt.Fprintln(output(cmd), "logged out")
	return nil
}
