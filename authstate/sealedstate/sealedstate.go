// Package sealedstate encrypts credential snapshots before handing them to
// another authstate.Store.
//
// Snapshots are sealed with XChaCha20-Poly1305 under a key derived from a
// passphrase with Argon2id. The user id is bound as associated data, so a
// snapshot copied to another user's slot fails to open.
package sealedstate

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ggoodman/wa-gateway-go/authstate"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keyBytes = chacha20poly1305.KeySize
	// formatV1 prefixes every sealed snapshot.
	formatV1 byte = 1
)

var (
	// ErrNotSealed is returned when a stored snapshot lacks the sealed header,
	// for instance one written before encryption was enabled.
	ErrNotSealed = errors.New("sealedstate: snapshot is not sealed")
	// ErrOpen is returned when a snapshot cannot be authenticated with the key.
	ErrOpen = errors.New("sealedstate: cannot open snapshot")
)

var _ authstate.Store = (*Store)(nil)

// Store seals snapshots on Save and opens them on Load.
type Store struct {
	inner authstate.Store
	key   []byte
}

// New wraps inner. salt scopes the derived key to one deployment; it need not
// be secret but must stay stable for stored snapshots to remain readable.
func New(inner authstate.Store, passphrase, salt string) (*Store, error) {
	if inner == nil {
		return nil, errors.New("sealedstate: inner store is required")
	}
	if passphrase == "" {
		return nil, errors.New("sealedstate: passphrase is required")
	}
	s := sha256.Sum256([]byte("wa-gateway/authstate/" + salt))
	key := argon2.IDKey([]byte(passphrase), s[:16], 1, 64*1024, 4, keyBytes)
	return &Store{inner: inner, key: key}, nil
}

func (s *Store) Load(ctx context.Context, userID string) (*authstate.Credentials, error) {
	creds, err := s.inner.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if creds.IsZero() {
		return creds, nil
	}
	plain, err := s.open(userID, creds.Data)
	if err != nil {
		return nil, err
	}
	return &authstate.Credentials{Data: plain, UpdatedAt: creds.UpdatedAt}, nil
}

func (s *Store) Save(ctx context.Context, userID string, creds *authstate.Credentials) error {
	if creds.IsZero() {
		// A wiped snapshot stays recognisable as "nothing stored".
		return s.inner.Save(ctx, userID, creds.Clone())
	}
	sealed, err := s.seal(userID, creds.Data)
	if err != nil {
		return err
	}
	return s.inner.Save(ctx, userID, &authstate.Credentials{Data: sealed, UpdatedAt: creds.UpdatedAt})
}

func (s *Store) Delete(ctx context.Context, userID string) error {
	return s.inner.Delete(ctx, userID)
}

func (s *Store) Close() error {
	clear(s.key)
	return s.inner.Close()
}

func (s *Store) seal(userID string, plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("sealedstate: init cipher: %w", err)
	}
	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plain)+aead.Overhead())
	out[0] = formatV1
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, fmt.Errorf("sealedstate: nonce: %w", err)
	}
	return aead.Seal(out, out[1:], plain, []byte(userID)), nil
}

func (s *Store) open(userID string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("sealedstate: init cipher: %w", err)
	}
	if len(sealed) < 1+aead.NonceSize()+aead.Overhead() || sealed[0] != formatV1 {
		return nil, ErrNotSealed
	}
	nonce := sealed[1 : 1+aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, sealed[1+aead.NonceSize():], []byte(userID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return plain, nil
}
