package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tradedash/tokenkeeper/internal/secretstore"
	"github.com/tradedash/tokenkeeper/internal/server"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "show the session state of the running daemon, or the last cached snapshot",
		Action: statusAction,
	}
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	cfg, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flushLogs(shutdown)

	w := output(cmd)

	view, err := newDaemonClient(cfg.Server).status(ctx)
	if err == nil {
		printView(w, view, "")
		return nil
	}
	if !errors.Is(err, errDaemonUnavailable) {
		return err
	}

	snapshots, err := secretstore.NewSnapshotFile(cfg.Auth.SnapshotFile)
	if err != nil {
		return err
	}
	snap, ok, err := snapshots.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	if !ok {
		fmt.Fprintln(w, "not running, no cached session")
		return nil
	}

	printView(w, viewFromSnapshot(snap, time.Now()), fmt.Sprintf("cached %s, daemon not running", snap.SavedAt.Local().Format(time.DateTime)))
	return nil
}

// viewFromSnapshot approximates a SessionView from the cached snapshot.
func viewFromSnapshot(snap secretstore.Snapshot, now time.Time) server.SessionView {
	secs := int(snap.ExpiresAt.Sub(now).Seconds())
	if secs < 0 {
		secs = 0
	}
	expiresAt := snap.ExpiresAt
	return server.SessionView{
		Authenticated:      true,
		Valid:              secs > 0,
		Phase:              "cached",
		APIServer:          snap.APIServer,
		SecondsUntilExpiry: &secs,
		ExpiresAt:          &expiresAt,
	}
}

func printView(w io.Writer, v server.SessionView, note string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	fmt.Fprintf(tw, "phase:\t%s\n", v.Phase)
	if note != "" {
		fmt.Fprintf(tw, "source:\t%s\n", note)
	}
	fmt.Fprintf(tw, "valid:\t%t\n", v.Valid)
	if v.APIServer != "" {
		fmt.Fprintf(tw, "api server:\t%s\n", v.APIServer)
	}
	if v.SecondsUntilExpiry != nil {
		remaining := time.Duration(*v.SecondsUntilExpiry) * time.Second
		if v.ExpiresAt != nil {
			fmt.Fprintf(tw, "expires in:\t%s (%s)\n", remaining, v.ExpiresAt.Local().Format(time.DateTime))
		} else {
			fmt.Fprintf(tw, "expires in:\t%s\n", remaining)
		}
	}
	if v.LastError != nil {
		fmt.Fprintf(tw, "last error:\t%s: %s\n", v.LastError.Kind, v.LastError.Message)
	}
}
