// Package secretstore provides durable storage for the session's refresh token.
//
// Two backends with different security and deployment tradeoffs:
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager,
//     Linux Secret Service). This is the default and the only backend that satisfies the
//     platform secure-storage requirement.
//   - File: a single 0600 file written atomically, for headless hosts without a keyring.
//
// Every failure returned by a Store is a *PersistenceError, so callers can surface it
// without inspecting backend-specific errors.
//
// The package also provides SnapshotFile, a plaintext cache of non-secret session fields
// used for warm-start display. It never holds the refresh token and is never authoritative.
package secretstore
