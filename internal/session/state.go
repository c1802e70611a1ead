package session

import (
	"time"

	"github.com/tradedash/tokenkeeper/internal/tokenclient"
)

// Phase is the coarse authentication state.
type Phase string

const (
	PhaseUnauthenticated Phase = "unauthenticated"
	PhaseRefreshing      Phase = "refreshing"
	PhaseAuthenticated   Phase = "authenticated"
)

// State is an immutable snapshot of the session, published after every transition.
type State struct {
	Phase Phase

	// Grant is the most recent successful exchange. It is kept after a failed renewal
	// so consumers can keep using an access token that has not expired yet.
	Grant *tokenclient.Grant

	// SecondsUntilExpiry counts down to ExpiresAt; nil without a grant.
	SecondsUntilExpiry *int

	AcquiredAt time.Time
	ExpiresAt  time.Time
	// RenewAt is when the renewal timer fires; zero when it is not armed.
	RenewAt time.Time

	// Valid is true while a grant is held that has not expired and no failure has
	// occurred since it was obtained.
	Valid bool

	// Refreshing is true while an exchange is in flight.
	Refreshing bool

	// HasRefreshToken is true when a refresh token is held, even without a grant,
	// e.g. after the first exchange of a loaded token failed.
	HasRefreshToken bool

	// LastError is the most recent unrecovered failure, if any.
	LastError error

	UpdatedAt time.Time
}

// Authenticated reports whether a grant is held, valid or not.
func (s State) Authenticated() bool {
	return s.Grant != nil
}

// AccessToken returns the current access token, or "".
func (s State) AccessToken() string {
	if s.Grant == nil {
		return ""
	}
	return s.Grant.AccessToken
}

// APIServer returns the API base URL of the current grant, or "".
func (s State) APIServer() string {
	if s.Grant == nil {
		return ""
	}
	return s.Grant.APIServer
}
