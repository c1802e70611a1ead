package secretstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps secrets in a single JSON file with owner-only permissions.
// Writes use temp file + rename for crash safety.
type FileStore struct {
	filePath string
	mu       sync.Mutex
}

// Compile-time check to ensure FileStore implements Store
var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore for the given path, creating parent directories
// with 0700 permissions if they don't exist.
func NewFileStore(filePath string) (*FileStore, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return nil, err
	}

	return &FileStore{
		filePath: filePath,
	}, nil
}

// Save writes value under key, keeping every other key in the file intact.
func (f *FileStore) Save(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return persistErr("save", key, err)
	}
	if value == "" {
		return persistErr("save", key, ErrEmptyValue)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.readAll()
	if err != nil {
		return persistErr("save", key, err)
	}
	entries[key] = value

	return persistErr("save", key, f.writeAll(ctx, entries))
}

// Load returns the value for key. A missing file or key is reported as absent.
func (f *FileStore) Load(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, persistErr("load", key, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.readAll()
	if err != nil {
		return "", false, persistErr("load", key, err)
	}

	value, ok := entries[key]
	return value, ok && value != "", nil
}

// Delete removes key. The file itself is removed once it holds no keys.
func (f *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return persistErr("delete", key, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.readAll()
	if err != nil {
		return persistErr("delete", key, err)
	}
	if _, ok := entries[key]; !ok {
		return nil
	}
	delete(entries, key)

	if len(entries) == 0 {
		err := os.Remove(f.filePath)
		if errors.Is(err, fs.ErrNotExist) {
			err = nil
		}
		return persistErr("delete", key, err)
	}

	return persistErr("delete", key, f.writeAll(ctx, entries))
}

// readAll loads the key/value map. Returns an empty map if the file doesn't exist
// and an error if it has insecure permissions.
func (f *FileStore) readAll() (map[string]string, error) {
	entries := make(map[string]string)

	info, err := os.Stat(f.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm() != 0600 {
		return nil, fmt.Errorf("insecure permissions on %s: %04o (expected 0600)", f.filePath, info.Mode().Perm())
	}

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.filePath, err)
	}
	return entries, nil
}

func (f *FileStore) writeAll(ctx context.Context, entries map[string]string) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(ctx, f.filePath, data)
}

// writeFileAtomic saves data using temp file + rename for crash safety.
// Sets file permissions to 0600 (owner read/write only).
func writeFileAtomic(ctx context.Context, path string, data []byte) error {
	// Create secure temp file in same directory for atomic rename
	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.Write(data); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tempFile.Chmod(0600); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	return os.Rename(tempName, path)
}
