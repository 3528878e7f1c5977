// Package redisstate implements authstate.Store on Redis so that credential
// material survives restarts and can be shared by replacement instances.
//
// Each user's snapshot lives under one key:
//
//	<prefix><userID>  ->  {"data":"<base64>","updated_at":"<rfc3339>"}
package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/wa-gateway-go/authstate"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "wa:auth:"

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: WA_AUTH_KEY_PREFIX
	KeyPrefix string `env:"WA_AUTH_KEY_PREFIX,default=wa:auth:"`
	// DB selects the logical database. ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0"`
}

// Store implements authstate.Store using Redis strings.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

type storedCreds struct {
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New connects to Redis and verifies the server answers.
func New(ctx context.Context, cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg.KeyPrefix), nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	// Defaults are provided via struct tags; an environment with none of the
	// variables set is fine.
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redisstate: decode env: %w", err)
	}
	return New(ctx, cfg)
}

// NewWithClient wraps an existing client. The store takes ownership and
// closes it on Close.
func NewWithClient(client *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Store{client: client, keyPrefix: keyPrefix}
}

func (s *Store) key(userID string) string { return s.keyPrefix + userID }

func (s *Store) Load(ctx context.Context, userID string) (*authstate.Credentials, error) {
	if err := authstate.ValidateUserID(userID); err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &authstate.Credentials{}, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", s.key(userID), err)
	}

	var sc storedCreds
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored credentials: %w", err)
	}
	return &authstate.Credentials{Data: sc.Data, UpdatedAt: sc.UpdatedAt}, nil
}

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
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := s.client.Set(ctx, s.key(userID), raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", s.key(userID), err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, userID string) error {
	if err := authstate.ValidateUserID(userID); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", s.key(userID), err)
	}
	return nil
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

var _ authstate.Store = (*Store)(nil)
