package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/tradedash/tokenkeeper/internal/secretstore"
	"github.com/tradedash/tokenkeeper/internal/session"
	"github.com/tradedash/tokenkeeper/internal/tokenclient"
)

// fakeSessions is a scripted Sessions implementation.
type fakeSessions struct {
	mu        sync.Mutex
	state     session.State
	afterWait session.State
	triggered []string
	logoutErr error
	loggedOut bool
}

func (f *fakeSessions) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSessions) Await(ctx context.Context) (session.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.afterWait, nil
}

func (f *fakeSessions) TriggerRefresh(ctx context.Context, refreshToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, refreshToken)
	f.state.Refreshing = true
	f.state.Phase = session.PhaseRefreshing
	return nil
}

func (f *fakeSessions) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	f.state = session.State{Phase: session.PhaseUnauthenticated}
	return f.logoutErr
}

func (f *fakeSessions) Token() (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Grant == nil {
		return nil, session.ErrNotAuthenticated
	}
	return f.state.Grant.OAuth2Token(f.state.ExpiresAt), nil
}

var testExpiry = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func authenticatedState(apiServer string) session.State {
	secs := 1000
	return session.State{
		Phase: session.PhaseAuthenticated,
		Grant: &tokenclient.Grant{
			AccessToken:  "at-1",
			TokenType:    "Bearer",
			ExpiresIn:    1800,
			RefreshToken: "rt-2",
			APIServer:    apiServer,
		},
		SecondsUntilExpiry: &secs,
		ExpiresAt:          testExpiry,
		Valid:              true,
		HasRefreshToken:    true,
	}
}

func newTestServer(t *testing.T, sessions Sessions) *Server {
	t.Helper()
	srv, err := New(sessions, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return srv
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestStatus(t *testing.T) {
	t.Run("authenticated", func(t *testing.T) {
		srv := newTestServer(t, &fakeSessions{state: authenticatedState("https://api.x/")})

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, localRequest(http.MethodGet, "/session", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if strings.Contains(rec.Body.String(), "at-1") || strings.Contains(rec.Body.String(), "rt-2") {
			t.Errorf("status leaks tokens: %s", rec.Body.String())
		}

		view := decodeBody[SessionView](t, rec)
		if !view.Authenticated || !view.Valid || view.Phase != "authenticated" || view.APIServer != "https://api.x/" {
			t.Errorf("view = %+v", view)
		}
		if view.SecondsUntilExpiry == nil || *view.SecondsUntilExpiry != 1000 {
			t.Errorf("SecondsUntilExpiry = %v", view.SecondsUntilExpiry)
		}
		if view.ExpiresAt == nil || !view.ExpiresAt.Equal(testExpiry) {
			t.Errorf("ExpiresAt = %v", view.ExpiresAt)
		}
	})

	t.Run("failed exchange", func(t *testing.T) {
		srv := newTestServer(t, &fakeSessions{state: session.State{
			Phase:     session.PhaseUnauthenticated,
			LastError: &tokenclient.AuthServerError{StatusCode: http.StatusBadRequest, Code: "invalid_grant"},
		}})

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, localRequest(http.MethodGet, "/session", nil))

		view := decodeBody[SessionView](t, rec)
		if view.Authenticated || view.Valid {
			t.Errorf("view = %+v", view)
		}
		if view.LastError == nil || view.LastError.Kind != session.KindAuthServer || view.LastError.StatusCode != http.StatusBadRequest {
			t.Errorf("LastError = %+v", view.LastError)
		}
		if view.SecondsUntilExpiry != nil {
			t.Errorf("SecondsUntilExpiry = %d, want null", *view.SecondsUntilExpiry)
		}
	})
}

func TestToken(t *testing.T) {
	t.Run("loopback client", func(t *testing.T) {
		srv := newTestServer(t, &fakeSessions{state: authenticatedState("https://api.x/")})

		req := localRequest(http.MethodGet, "/session/token", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		resp := decodeBody[TokenResponse](t, rec)
		if resp.AccessToken != "at-1" || resp.TokenType != "Bearer" || resp.APIServer != "https://api.x/" {
			t.Errorf("response = %+v", resp)
		}
		if rec.Header().Get("Cache-Control") != "no-store" {
			t.Errorf("Cache-Control = %q", rec.Header().Get("Cache-Control"))
		}
	})

	t.Run("remote client", func(t *testing.T) {
		srv := newTestServer(t, &fakeSessions{state: authenticatedState("https://api.x/")})

		req := httptest.NewRequest(http.MethodGet, "/session/token", nil)
		req.RemoteAddr = "192.0.2.10:50000"
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("unauthenticated", func(t *testing.T) {
		srv := newTestServer(t, &fakeSessions{})

		req := localRequest(http.MethodGet, "/session/token", nil)
		req.RemoteAddr = "[::1]:50000"
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})
}

func TestRefresh(t *testing.T) {
	tests := []struct {
		name       string
		state      session.State
		target     string
		body       string
		wantStatus int
		wantToken  []string
	}{
		{
			name:       "pasted token",
			target:     "/session/refresh",
			body:       `{"refresh_token":"rt-pasted"}`,
			wantStatus: http.StatusAccepted,
			wantToken:  []string{"rt-pasted"},
		},
		{
			name:       "empty body with current grant",
			state:      authenticatedState("https://api.x/"),
			target:     "/session/refresh",
			wantStatus: http.StatusAccepted,
			wantToken:  []string{""},
		},
		{
			name:       "empty body without grant",
			target:     "/session/refresh",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			target:     "/session/refresh",
			body:       `{"refresh_token":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeSessions{state: tt.state}
			srv := newTestServer(t, fake)

			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, localRequest(http.MethodPost, tt.target, strings.NewReader(tt.body)))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if len(fake.triggered) != len(tt.wantToken) {
				t.Fatalf("triggered = %q, want %q", fake.triggered, tt.wantToken)
			}
			for i := range tt.wantToken {
				if fake.triggered[i] != tt.wantToken[i] {
					t.Errorf("triggered = %q, want %q", fake.triggered, tt.wantToken)
				}
			}
		})
	}
}

func TestRefreshWait(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		fake := &fakeSessions{afterWait: authenticatedState("https://api.x/")}
		srv := newTestServer(t, fake)

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, localRequest(http.MethodPost, "/session/refresh?wait=true", strings.NewReader(`{"refresh_token":"rt-1"}`)))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		if view := decodeBody[SessionView](t, rec); !view.Valid {
			t.Errorf("view = %+v", view)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		fake := &fakeSessions{afterWait: session.State{
			Phase:     session.PhaseUnauthenticated,
			LastError: &tokenclient.AuthServerError{StatusCode: http.StatusBadRequest},
		}}
		srv := newTestServer(t, fake)

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, localRequest(http.MethodPost, "/session/refresh?wait=true", strings.NewReader(`{"refresh_token":"rt-1"}`)))

		if rec.Code != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502", rec.Code)
		}
		if view := decodeBody[SessionView](t, rec); view.LastError == nil || view.LastError.StatusCode != http.StatusBadRequest {
			t.Errorf("view = %+v", view)
		}
	})
}

func TestLogout(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		fake := &fakeSessions{state: authenticatedState("https://api.x/")}
		srv := newTestServer(t, fake)

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, localRequest(http.MethodDelete, "/session", nil))

		if rec.Code != http.StatusOK || !fake.loggedOut {
			t.Fatalf("status = %d, loggedOut = %v", rec.Code, fake.loggedOut)
		}
		if view := decodeBody[SessionView](t, rec); view.Authenticated {
			t.Errorf("view = %+v", view)
		}
	})

	t.Run("store failure", func(t *testing.T) {
		fake := &fakeSessions{
			state:     authenticatedState("https://api.x/"),
			logoutErr: &secretstore.PersistenceError{Op: "delete", Key: secretstore.RefreshTokenKey, Err: errors.New("locked")},
		}
		srv := newTestServer(t, fake)

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, localRequest(http.MethodDelete, "/session", nil))

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
	})
}

func TestAPIProxy(t *testing.T) {
	var gotPath, gotAuth, gotCookie, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotCookie = r.Header.Get("Cookie")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"accounts":[]}`)
	}))
	defer upstream.Close()

	fake := &fakeSessions{state: authenticatedState(upstream.URL + "/")}
	fake.state.ExpiresAt = time.Now().Add(time.Hour)
	srv := newTestServer(t, fake)

	req := localRequest(http.MethodGet, "/api/v1/accounts?limit=5", nil)
	req.Header.Set("Authorization", "Bearer client-supplied")
	req.Header.Set("Cookie", "session=abc")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if gotPath != "/v1/accounts" || gotQuery != "limit=5" {
		t.Errorf("upstream path = %q?%q, want /v1/accounts?limit=5", gotPath, gotQuery)
	}
	if gotAuth != "Bearer at-1" {
		t.Errorf("Authorization = %q, want Bearer at-1", gotAuth)
	}
	if gotCookie != "" {
		t.Errorf("Cookie forwarded: %q", gotCookie)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("accounts")) {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestAPIProxyUnauthenticated(t *testing.T) {
	srv := newTestServer(t, &fakeSessions{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, localRequest(http.MethodGet, "/api/v1/accounts", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestAPIProxyExpiredToken(t *testing.T) {
	sessions := &expiredSessions{fakeSessions: &fakeSessions{}, apiServer: "https://api.x/"}
	srv, err := New(sessions, WithLogger(discardLogger()), WithUpstreamTransport(roundTripFunc(func(*http.Request) (*http.Response, error) {
		t.Error("upstream must not be called without a token")
		return nil, errors.New("unreachable")
	})))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, localRequest(http.MethodGet, "/api/v1/accounts", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

// expiredSessions reports an API server but has no usable token.
type expiredSessions struct {
	*fakeSessions
	apiServer string
}

func (e *expiredSessions) State() session.State {
	s := authenticatedState(e.apiServer)
	s.Valid = false
	return s
}

func (e *expiredSessions) Token() (*oauth2.Token, error) {
	return nil, session.ErrNotAuthenticated
}

// localRequest builds a request arriving from a loopback peer.
func localRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "127.0.0.1:50000"
	return req
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// flakyExchanger fails its first exchange and succeeds afterwards.
type flakyExchanger struct {
	mu    sync.Mutex
	calls []string
}

func (e *flakyExchanger) ExchangeRefreshToken(ctx context.Context, refreshToken string) (tokenclient.Grant, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, refreshToken)
	if len(e.calls) == 1 {
		return tokenclient.Grant{}, &tokenclient.TransportError{Err: errors.New("connection refused")}
	}
	return tokenclient.Grant{
		AccessToken:  "at-1",
		TokenType:    "Bearer",
		ExpiresIn:    1800,
		RefreshToken: "rt-2",
		APIServer:    "https://api.x/",
	}, nil
}

func (e *flakyExchanger) callLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func TestRefreshRetriesLoadedToken(t *testing.T) {
	ctx := context.Background()

	store, err := secretstore.NewFileStore(filepath.Join(t.TempDir(), "secrets.json"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if err := store.Save(ctx, secretstore.RefreshTokenKey, "rt-1"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	ex := &flakyExchanger{}
	m, err := session.New(store, ex)
	if err != nil {
		t.Fatalf("session.New failed: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := m.Run(runCtx); err != nil {
			t.Errorf("Run failed: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()

	if err := m.Start(waitCtx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	state, err := m.Await(waitCtx)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if state.Grant != nil || state.LastError == nil || !state.HasRefreshToken {
		t.Fatalf("state after failed start = %+v", state)
	}

	srv := newTestServer(t, m)
	req := localRequest(http.MethodPost, "/session/refresh?wait=true", nil).WithContext(waitCtx)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if view := decodeBody[SessionView](t, rec); !view.Valid {
		t.Errorf("view = %+v", view)
	}
	if calls := ex.callLog(); len(calls) != 2 || calls[1] != "rt-1" {
		t.Errorf("exchanges = %q, want a retry with rt-1", calls)
	}
}

func TestRemotePeersRejected(t *testing.T) {
	routes := []struct {
		method, target, body string
	}{
		{http.MethodGet, "/session", ""},
		{http.MethodGet, "/session/token", ""},
		{http.MethodPost, "/session/refresh", `{"refresh_token":"rt-remote"}`},
		{http.MethodDelete, "/session", ""},
		{http.MethodGet, "/api/v1/accounts", ""},
	}

	for _, route := range routes {
		t.Run(route.method+" "+route.target, func(t *testing.T) {
			fake := &fakeSessions{state: authenticatedState("https://api.x/")}
			srv, err := New(fake, WithLogger(discardLogger()), WithUpstreamTransport(roundTripFunc(func(*http.Request) (*http.Response, error) {
				t.Error("upstream called for a remote peer")
				return nil, errors.New("unreachable")
			})))
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}

			req := httptest.NewRequest(route.method, route.target, strings.NewReader(route.body))
			req.RemoteAddr = "192.0.2.10:50000"
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			if rec.Code != http.StatusForbidden {
				t.Errorf("status = %d, want 403", rec.Code)
			}
			if len(fake.triggered) != 0 || fake.loggedOut {
				t.Errorf("remote request reached the session: triggered=%q loggedOut=%v", fake.triggered, fake.loggedOut)
			}
		})
	}
}

func TestStartShutdown(t *testing.T) {
	srv := newTestServer(t, &fakeSessions{state: authenticatedState("https://api.x/")})

	errCh, err := srv.Start(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err, ok := <-errCh; ok && err != nil {
		t.Errorf("runtime error after shutdown: %v", err)
	}
}

func TestNewRequiresSessions(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("expected error for nil sessions")
	}
}
