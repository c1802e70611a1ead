package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tradedash/tokenkeeper/internal/secretstore"
	"github.com/tradedash/tokenkeeper/internal/session"
	"github.com/tradedash/tokenkeeper/internal/tokenclient"
)

func newTokenServer(t *testing.T, exchanges *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := exchanges.Add(1)
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-" + r.PostForm.Get("refresh_token"),
			"token_type":    "Bearer",
			"expires_in":    1800,
			"refresh_token": "rotated-" + string(rune('0'+n)),
			"api_server":    "https://api01.iq.questrade.com/",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAppSeedsFromConfiguredToken(t *testing.T) {
	var exchanges atomic.Int32
	tokenServer := newTokenServer(t, &exchanges)

	cfg := testConfig(t)
	cfg.Server.Port = 0
	cfg.Auth.TokenURL = tokenServer.URL
	cfg.Auth.RefreshToken = "rt-seed"

	application, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Start(ctx) }()

	state := waitValid(t, application)
	if state.AccessToken() != "at-rt-seed" {
		t.Errorf("access token = %q, want at-rt-seed", state.AccessToken())
	}

	store, err := secretstore.NewFileStore(cfg.Auth.File)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	stored, ok, err := store.Load(context.Background(), secretstore.RefreshTokenKey)
	if err != nil || !ok || stored != "rotated-1" {
		t.Errorf("stored token = %q, %v, %v; want rotated-1", stored, ok, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestAppPrefersStoredToken(t *testing.T) {
	var exchanges atomic.Int32
	tokenServer := newTokenServer(t, &exchanges)

	cfg := testConfig(t)
	cfg.Server.Port = 0
	cfg.Auth.TokenURL = tokenServer.URL
	cfg.Auth.RefreshToken = "rt-seed"

	store, err := secretstore.NewFileStore(cfg.Auth.File)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if err := store.Save(context.Background(), secretstore.RefreshTokenKey, "rt-stored"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	application, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = application.Start(ctx) }()

	state := waitValid(t, application)
	if state.AccessToken() != "at-rt-stored" {
		t.Errorf("access token = %q, want at-rt-stored", state.AccessToken())
	}
	if n := exchanges.Load(); n != 1 {
		t.Errorf("exchanges = %d, want 1", n)
	}
}

func TestNewRejectsBadTokenURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.TokenURL = "ftp://login.questrade.com/oauth2/token"

	_, err := New(cfg)
	var cfgErr *tokenclient.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigurationError", err)
	}
}

func waitValid(t *testing.T, application *App) (state session.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := application.Manager().State(); s.Valid {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session never became valid: %+v", application.Manager().State())
	return state
}
