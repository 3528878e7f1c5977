// Package authstate defines how per-user credential material is loaded and
// persisted across process restarts.
//
// Credential material is opaque to the gateway: the protocol driver produces
// it, mutates it as the wire session evolves, and hands updated snapshots back
// through its credential-update stream. A Store only has to keep the latest
// snapshot for each user identifier.
package authstate

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Store loads and persists opaque per-user credential material.
type Store interface {
	// Load returns the stored credentials for userID. A user with nothing stored
	// yields empty (non-nil) Credentials so that a fresh pairing can begin.
	// Returns an error only for legitimate storage failures.
	Load(ctx context.Context, userID string) (*Credentials, error)

	// Save replaces the stored credentials for userID.
	Save(ctx context.Context, userID string, creds *Credentials) error

	// Delete removes any credentials stored for userID. Deleting a user with
	// nothing stored is not an error.
	Delete(ctx context.Context, userID string) error

	// Close releases resources held by the backend.
	Close() error
}

// Credentials is one snapshot of a user's authentication state.
type Credentials struct {
	Data      []byte    // Driver-owned payload
	UpdatedAt time.Time // When the snapshot was produced
}

// IsZero reports whether the snapshot carries no material, meaning the user
// has never completed pairing (or was logged out).
func (c *Credentials) IsZero() bool {
	return c == nil || len(c.Data) == 0
}

// Clone returns a deep copy of c.
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return &Credentials{}
	}
	return &Credentials{
		Data:      append([]byte(nil), c.Data...),
		UpdatedAt: c.UpdatedAt,
	}
}

var (
	// ErrInvalidUserID is returned when a user identifier cannot be used as a
	// storage key.
	ErrInvalidUserID = errors.New("authstate: invalid user id")
)

// ValidateUserID checks that userID is usable as a key by every backend,
// including the filesystem one where it becomes a directory name.
func ValidateUserID(userID string) error {
	if userID == "" || userID == "." || userID == ".." {
		return ErrInvalidUserID
	}
	if strings.ContainsAny(userID, "/\\\x00") {
		return ErrInvalidUserID
	}
	return nil
}
