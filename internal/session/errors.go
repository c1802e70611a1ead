package session

import (
	"errors"

	"github.com/tradedash/tokenkeeper/internal/secretstore"
	"github.com/tradedash/tokenkeeper/internal/tokenclient"
)

var (
	// ErrNotAuthenticated is returned by Token when no unexpired access token is held.
	ErrNotAuthenticated = errors.New("session: not authenticated")

	// ErrStopped is returned by commands issued after Run has returned.
	ErrStopped = errors.New("session: manager stopped")
)

// Error kinds reported by ErrorKind.
const (
	KindTransport     = "transport"
	KindAuthServer    = "auth_server"
	KindDecode        = "decode"
	KindPersistence   = "persistence"
	KindConfiguration = "configuration"
	KindUnknown       = "unknown"
)

// ErrorKind classifies err for display. Returns "" for a nil error.
func ErrorKind(err error) string {
	var (
		transportErr   *tokenclient.TransportError
		serverErr      *tokenclient.AuthServerError
		decodeErr      *tokenclient.DecodeError
		persistenceErr *secretstore.PersistenceError
		configErr      *tokenclient.ConfigurationError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &transportErr):
		return KindTransport
	case errors.As(err, &serverErr):
		return KindAuthServer
	case errors.As(err, &decodeErr):
		return KindDecode
	case errors.As(err, &persistenceErr):
		return KindPersistence
	case errors.As(err, &configErr):
		return KindConfiguration
	default:
		return KindUnknown
	}
}

// StatusCode returns the authorization server status carried by err, or 0.
func StatusCode(err error) int {
	var serverErr *tokenclient.AuthServerError
	if errors.As(err, &serverErr) {
		return serverErr.StatusCode
	}
	return 0
}
