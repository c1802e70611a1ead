package secretstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Snapshot holds the non-secret session fields mirrored to disk for warm-start display.
type Snapshot struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type,omitempty"`
	APIServer   string    `json:"api_server"`
	ExpiresAt   time.Time `json:"expires_at"`
	SavedAt     time.Time `json:"saved_at"`
}

// SnapshotFile caches a Snapshot in a plaintext file.
// Its contents are informational only; re-authentication always goes through the Store.
type SnapshotFile struct {
	filePath string
}

// NewSnapshotFile creates a SnapshotFile for the given path, creating parent directories
// with 0700 permissions if they don't exist.
func NewSnapshotFile(filePath string) (*SnapshotFile, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return nil, err
	}

	return &SnapshotFile{filePath: filePath}, nil
}

// Write replaces the cached snapshot.
func (s *SnapshotFile) Write(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	return writeFileAtomic(ctx, s.filePath, data)
}

// Read returns the cached snapshot. ok is false if none has been written.
func (s *SnapshotFile) Read(ctx context.Context) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}

	data, err := os.ReadFile(s.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("parsing snapshot %s: %w", s.filePath, err)
	}
	return snap, true, nil
}

// Remove deletes the cached snapshot if present.
func (s *SnapshotFile) Remove(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(s.filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
