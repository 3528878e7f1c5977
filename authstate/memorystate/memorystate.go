// Package memorystate provides a bounded in-memory authstate.Store backed by
// github.com/hashicorp/golang-lru/v2.
//
// Nothing survives a restart, so every user has to pair again after the
// process exits. Use it for development and tests; use filestate or
// redisstate where credentials must outlive the process.
package memorystate

import (
	"context"
	"fmt"
	"time"

	"github.com/ggoodman/wa-gateway-go/authstate"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxUsers bounds the cache when New is given a non-positive size.
const DefaultMaxUsers = 1024

// Store implements authstate.Store in memory. When more than maxUsers users
// are stored the least recently used snapshot is evicted.
type Store struct {
	cache *lru.Cache[string, *authstate.Credentials]
}

// New creates an in-memory store holding at most maxUsers snapshots.
func New(maxUsers int) (*Store, error) {
	if maxUsers <= 0 {
		maxUsers = DefaultMaxUsers
	}
	cache, err := lru.New[string, *authstate.Credentials](maxUsers)
	if err != nil {
		return nil, fmt.Errorf("memorystate: create LRU cache: %w", err)
	}
	return &Store{cache: cache}, nil
}

func (s *Store) Load(ctx context.Context, userID string) (*authstate.Credentials, error) {
	if err := authstate.ValidateUserID(userID); err != nil {
		return nil, err
	}
	creds, ok := s.cache.Get(userID)
	if !ok {
		return &authstate.Credentials{}, nil
	}
	return creds.Clone(), nil
}

func (s *Store) Save(ctx context.Context, userID string, creds *authstate.Credentials) error {
	if err := authstate.ValidateUserID(userID); err != nil {
		return err
	}
	cp := creds.Clone()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	s.cache.Add(userID, cp)
	return nil
}

func (s *Store) Delete(ctx context.Context, userID string) error {
	if err := authstate.ValidateUserID(userID); err != nil {
		return err
	}
	s.cache.Remove(userID)
	return nil
}

// Len reports how many users currently have a snapshot.
func (s *Store) Len() int { return s.cache.Len() }

func (s *Store) Close() error {
	s.cache.Purge()
	return nil
}

var _ authstate.Store = (*Store)(nil)
