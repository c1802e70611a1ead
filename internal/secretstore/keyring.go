package secretstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringStore provides OS-native secure credential storage.
// Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
// Keys map to keyring users within a single service.
type KeyringStore struct {
	service string
}

// Compile-time check to ensure KeyringStore implements Store
var _ Store = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore scoped to the given keyring service name.
func NewKeyringStore(service string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}

	return &KeyringStore{
		service: service,
	}, nil
}

// Save writes value to the system keyring, overwriting any existing value.
func (k *KeyringStore) Save(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return persistErr("save", key, err)
	}
	if value == "" {
		return persistErr("save", key, ErrEmptyValue)
	}

	return persistErr("save", key, keyring.Set(k.service, key, value))
}

// Load returns the value for key from the system keyring.
// A missing entry, or an empty one, is reported as absent.
func (k *KeyringStore) Load(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, persistErr("load", key, err)
	}

	value, err := keyring.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, persistErr("load", key, err)
	}

	return value, value != "", nil
}

// Delete removes key from the system keyring.
func (k *KeyringStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return persistErr("delete", key, err)
	}

	err := keyring.Delete(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return persistErr("delete", key, err)
}
