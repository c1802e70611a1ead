package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/tradedash/tokenkeeper/internal/app"
	"github.com/tradedash/tokenkeeper/internal/server"
)

// errDaemonUnavailable means no tokenkeeper server is listening at the configured address.
var errDaemonUnavailable = errors.New("tokenkeeper daemon is not running")

// daemonClient talks to the local server of a running "tokenkeeper start".
type daemonClient struct {
	baseURL string
	http    *http.Client
}

func newDaemonClient(cfg app.ServerConfig) *daemonClient {
	host := cfg.Host
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		host = "127.0.0.1"
	}
	return &daemonClient{
		baseURL: "http://" + net.JoinHostPort(host, fmt.Sprint(cfg.Port)),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *daemonClient) status(ctx context.Context) (server.SessionView, error) {
	var view server.SessionView
	_, err := d.do(ctx, http.MethodGet, "/session", nil, &view)
	return view, err
}

// refresh submits refreshToken and waits for the exchange to finish.
func (d *daemonClient) refresh(ctx context.Context, refreshToken string) (server.SessionView, error) {
	var view server.SessionView
	_, err := d.do(ctx, http.MethodPost, "/session/refresh?wait=true", server.RefreshRequest{RefreshToken: refreshToken}, &view)
	return view, err
}

func (d *daemonClient) logout(ctx context.Context) error {
	_, err := d.do(ctx, http.MethodDelete, "/session", nil, nil)
	return err
}

// do sends a JSON request. Responses with a SessionView body are decoded into out even
// on 502, which reports a failed exchange rather than a daemon failure.
func (d *daemonClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, &reqBody)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return 0, errDaemonUnavailable
		}
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode < 300, resp.StatusCode == http.StatusBadGateway && out != nil:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resp.StatusCode, fmt.Errorf("decoding daemon response: %w", err)
			}
		}
		return resp.StatusCode, nil
	default:
		var errResp server.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error == "" {
			errResp.Error = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, fmt.Errorf("daemon: %s", errResp.Error)
	}
}
