package secretstore

import (
	"context"
	"errors"
	"fmt"
)

// RefreshTokenKey is the single key under which the refresh token is persisted.
const RefreshTokenKey = "refreshToken"

// ErrEmptyValue is returned (wrapped in a PersistenceError) when Save is given an
// empty value. Stores never hold empty secrets, so Load reports them as absent.
var ErrEmptyValue = errors.New("value cannot be empty")

// Store reads and writes secrets by key.
type Store interface {
	// Save persists value under key, replacing any existing value. An empty value
	// is rejected with ErrEmptyValue.
	Save(ctx context.Context, key, value string) error

	// Load returns the value stored under key. ok is false (with a nil error)
	// when nothing was ever written.
	Load(ctx context.Context, key string) (value string, ok bool, err error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// PersistenceError reports a failed Store operation.
type PersistenceError struct {
	Op  string // "save", "load" or "delete"
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("secret store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Key: key, Err: err}
}
