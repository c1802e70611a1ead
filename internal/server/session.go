package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tradedash/tokenkeeper/internal/session"
)

// maxRefreshBody caps the POST /session/refresh request body.
const maxRefreshBody = 64 << 10

// SessionView is the JSON form of a session.State. It never contains tokens.
type SessionView struct {
	Authenticated      bool       `json:"authenticated"`
	Valid              bool       `json:"valid"`
	Refreshing         bool       `json:"refreshing"`
	Phase              string     `json:"phase"`
	APIServer          string     `json:"api_server,omitempty"`
	SecondsUntilExpiry *int       `json:"seconds_until_expiry"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	LastError          *ErrorView `json:"last_error,omitempty"`
}

// ErrorView describes the session's last error.
type ErrorView struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
}

// NewSessionView builds the JSON view of s.
func NewSessionView(s session.State) SessionView {
	v := SessionView{
		Authenticated:      s.Authenticated(),
		Valid:              s.Valid,
		Refreshing:         s.Refreshing,
		Phase:              string(s.Phase),
		APIServer:          s.APIServer(),
		SecondsUntilExpiry: s.SecondsUntilExpiry,
	}
	if !s.ExpiresAt.IsZero() {
		expiresAt := s.ExpiresAt.UTC()
		v.ExpiresAt = &expiresAt
	}
	if s.LastError != nil {
		v.LastError = &ErrorView{
			Kind:       session.ErrorKind(s.LastError),
			Message:    s.LastError.Error(),
			StatusCode: session.StatusCode(s.LastError),
		}
	}
	return v
}

// TokenResponse is returned by GET /session/token.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	APIServer   string    `json:"api_server"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// RefreshRequest is the optional body of POST /session/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, NewSessionView(s.sessions.State()), http.StatusOK)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.sessions.Token()
	if err != nil {
		writeJSONError(r.Context(), w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	apiServer, _ := token.Extra("api_server").(string)
	writeJSON(r.Context(), w, TokenResponse{
		AccessToken: token.AccessToken,
		TokenType:   token.Type(),
		APIServer:   apiServer,
		ExpiresAt:   token.Expiry.UTC(),
	}, http.StatusOK)
}

// handleRefresh starts an exchange. With ?wait=true it responds once the exchange has
// finished; otherwise it answers 202 immediately.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RefreshRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRefreshBody)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(ctx, w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.RefreshToken == "" && !s.sessions.State().HasRefreshToken {
		writeJSONError(ctx, w, "no refresh token available; provide refresh_token", http.StatusBadRequest)
		return
	}

	if err := s.sessions.TriggerRefresh(ctx, req.RefreshToken); err != nil {
		slog.ErrorContext(ctx, "failed to trigger refresh", "error", err)
		writeJSONError(ctx, w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	if r.URL.Query().Get("wait") != "true" {
		writeJSON(ctx, w, NewSessionView(s.sessions.State()), http.StatusAccepted)
		return
	}

	state, err := s.sessions.Await(ctx)
	if err != nil {
		writeJSONError(ctx, w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	status := http.StatusOK
	if !state.Valid {
		status = http.StatusBadGateway
	}
	writeJSON(ctx, w, NewSessionView(state), status)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.sessions.Logout(ctx); err != nil {
		// In-memory session is gone either way; report the storage failure
		writeJSONError(ctx, w, "logged out, but "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(ctx, w, NewSessionView(s.sessions.State()), http.StatusOK)
}
