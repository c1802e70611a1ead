package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/tradedash/tokenkeeper/internal/app"
)

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "resume the stored session and keep it renewed until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "auth--token-url",
				Usage: "OAuth2 token endpoint",
				Value: app.DefaultConfigTokenURL,
			},
			&cli.StringFlag{
				Name:  "log--otlp--endpoint",
				Usage: "OTLP log export endpoint",
			},
		},
		Action: startAction,
	}
}

func startAction(ctx context.Context, cmd *cli.Command) error {
	cfg, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flushLogs(shutdown)

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting", "storage", cfg.Auth.Storage, "token_url", cfg.Auth.TokenURL)

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}
