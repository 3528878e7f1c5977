// Package filestate implements authstate.Store on the local filesystem.
//
// Each user gets a directory named by its identifier beneath the configured
// root, holding a single creds.json snapshot:
//
//	<root>/<userID>/creds.json
//
// Writes go to a temporary file in the same directory followed by a rename,
// so a crash mid-write never leaves a truncated snapshot behind.
package filestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ggoodman/wa-gateway-go/authstate"
)

const credsFile = "creds.json"

// Store keeps credentials under a root directory.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type storedCreds struct {
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("filestate: root directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("filestate: create root %s: %w", dir, err)
	}
	return &Store{root: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Root returns the directory the store writes beneath.
func (s *Store) Root() string { return s.root }

// UserDir returns the directory holding credentials for userID.
func (s *Store) UserDir(userID string) string { return filepath.Join(s.root, userID) }

// Load creates the user's directory if missing and returns the stored snapshot.
func (s *Store) Load(ctx context.Context, userID string) (*authstate.Credentials, error) {
	if err := authstate.ValidateUserID(userID); err != nil {
		return nil, err
	}
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	dir := s.UserDir(userID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("filestate: create user dir: %w", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, credsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &authstate.Credentials{}, nil
		}
		return nil, fmt.Errorf("filestate: read credentials: %w", err)
	}

	var sc storedCreds
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("filestate: decode credentials for %s: %w", userID, err)
	}
	return &authstate.Credentials{Data: sc.Data, UpdatedAt: sc.UpdatedAt}, nil
}

// Save atomically replaces the user's snapshot.
func (s *Store) Save(ctx context.Context, userID string, creds *authstate.Credentials) error {
	if err := authstate.ValidateUserID(userID); err != nil {
		return err
	}
	if creds == nil {
		creds = &authstate.Credentials{}
	}
	at := creds.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}

	raw, err := json.Marshal(storedCreds{Data: creds.Data, UpdatedAt: at})
	if err != nil {
		return fmt.Errorf("filestate: encode credentials: %w", err)
	}

	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	dir := s.UserDir(userID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("filestate: create user dir: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, credsFile), raw, 0o600)
}

// Delete removes the user's directory and everything in it.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if err := authstate.ValidateUserID(userID); err != nil {
		return err
	}
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	if err := os.RemoveAll(s.UserDir(userID)); err != nil {
		return fmt.Errorf("filestate: remove user dir: %w", err)
	}
	return nil
}

// Close is a no-op; the filesystem holds no process resources.
func (s *Store) Close() error { return nil }

// lockFor serializes writers for one user without blocking other users.
func (s *Store) lockFor(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("filestate: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filestate: write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filestate: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestate: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("filestate: rename into place: %w", err)
	}
	return nil
}

var _ authstate.Store = (*Store)(nil)
