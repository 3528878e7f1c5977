// Package config loads gateway settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/ggoodman/wa-gateway-go/authstate/redisstate"
	"github.com/joeshaw/envdecode"
)

// DefaultSecret is the shared secret used when none is configured.
const DefaultSecret = "change-me"

const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

const (
	DriverWhatsmeow = "whatsmeow"
	DriverLoopback  = "loopback"
)

// Config holds every gateway setting. Field tags name the environment
// variable and its default.
type Config struct {
	Secret     string `env:"WA_GATEWAY_SECRET,default=change-me"`
	SecretFile string `env:"WA_GATEWAY_SECRET_FILE"`

	AuthDir        string `env:"WA_AUTH_DIR,default=/tmp/wa_auth"`
	AuthBackend    string `env:"WA_AUTH_BACKEND,default=file"`
	AuthPassphrase string `env:"WA_AUTH_PASSPHRASE"`
	MemoryMaxUsers int    `env:"WA_AUTH_MEMORY_MAX_USERS,default=1024"`
	Redis          redisstate.Config

	Port          int           `env:"PORT,default=3000"`
	StartTimeout  time.Duration `env:"WA_START_TIMEOUT,default=20s"`
	LogoutTimeout time.Duration `env:"WA_LOGOUT_TIMEOUT,default=10s"`
	PurgeOnLogout bool          `env:"WA_PURGE_ON_LOGOUT,default=false"`

	TokenSigningKey string        `env:"WA_TOKEN_SIGNING_KEY"`
	TokenTTL        time.Duration `env:"WA_TOKEN_TTL,default=15m"`

	OIDCIssuer       string `env:"WA_OIDC_ISSUER"`
	OIDCAudience     string `env:"WA_OIDC_AUDIENCE"`
	OIDCSubjectClaim string `env:"WA_OIDC_SUBJECT_CLAIM,default=sub"`
	PublicURL        string `env:"WA_PUBLIC_URL"`

	LogLevel string `env:"WA_LOG_LEVEL,default=info"`

	Driver            string        `env:"WA_DRIVER,default=whatsmeow"`
	DeviceDB          string        `env:"WA_WHATSMEOW_DB"`
	DeviceName        string        `env:"WA_DEVICE_NAME,default=CCIA"`
	LoopbackPairDelay time.Duration `env:"WA_LOOPBACK_PAIR_DELAY,default=0s"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Secret:           DefaultSecret,
		AuthDir:          "/tmp/wa_auth",
		AuthBackend:      BackendFile,
		MemoryMaxUsers:   1024,
		Redis:            redisstate.Config{RedisAddr: "localhost:6379", KeyPrefix: "wa:auth:"},
		Port:             3000,
		StartTimeout:     20 * time.Second,
		LogoutTimeout:    10 * time.Second,
		TokenTTL:         15 * time.Minute,
		OIDCSubjectClaim: "sub",
		LogLevel:         "info",
		Driver:           DriverWhatsmeow,
		DeviceName:       "CCIA",
	}
}

// Load decodes the environment over Default and validates the result.
func Load() (Config, error) {
	cfg := Default()
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: decode env: %w", err)
	}
	cfg.AuthBackend = strings.ToLower(strings.TrimSpace(cfg.AuthBackend))
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.AuthBackend {
	case BackendFile:
		if c.AuthDir == "" {
			return errors.New("config: WA_AUTH_DIR is required for the file backend")
		}
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("config: unknown WA_AUTH_BACKEND %q", c.AuthBackend)
	}
	if c.Secret == "" && c.SecretFile == "" {
		return errors.New("config: WA_GATEWAY_SECRET or WA_GATEWAY_SECRET_FILE is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT out of range: %d", c.Port)
	}
	if c.StartTimeout <= 0 {
		return fmt.Errorf("config: WA_START_TIMEOUT must be positive, got %s", c.StartTimeout)
	}
	if c.LogoutTimeout <= 0 {
		return fmt.Errorf("config: WA_LOGOUT_TIMEOUT must be positive, got %s", c.LogoutTimeout)
	}
	if c.TokenSigningKey != "" {
		if len(c.TokenSigningKey) < 32 {
			return errors.New("config: WA_TOKEN_SIGNING_KEY must be at least 32 bytes")
		}
		if c.TokenTTL <= 0 {
			return fmt.Errorf("config: WA_TOKEN_TTL must be positive, got %s", c.TokenTTL)
		}
	}
	if (c.OIDCIssuer == "") != (c.OIDCAudience == "") {
		return errors.New("config: WA_OIDC_ISSUER and WA_OIDC_AUDIENCE must be set together")
	}
	if c.PublicURL != "" && c.OIDCIssuer == "" {
		return errors.New("config: WA_PUBLIC_URL requires WA_OIDC_ISSUER")
	}
	switch c.Driver {
	case DriverWhatsmeow:
		if c.DeviceDBPath() == "" {
			return errors.New("config: WA_WHATSMEOW_DB or WA_AUTH_DIR is required for the whatsmeow driver")
		}
	case DriverLoopback:
	default:
		return fmt.Errorf("config: unknown WA_DRIVER %q", c.Driver)
	}
	if c.LoopbackPairDelay < 0 {
		return fmt.Errorf("config: WA_LOOPBACK_PAIR_DELAY must not be negative, got %s", c.LoopbackPairDelay)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: WA_LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// DeviceDBPath is where the whatsmeow driver keeps its device store. It
// defaults to a file under AuthDir.
func (c Config) DeviceDBPath() string {
	if c.DeviceDB != "" {
		return c.DeviceDB
	}
	if c.AuthDir == "" {
		return ""
	}
	return filepath.Join(c.AuthDir, "whatsmeow.db")
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// UsesDefaultSecret reports whether the built-in secret is in effect.
func (c Config) UsesDefaultSecret() bool { return c.SecretFile == "" && c.Secret == DefaultSecret }
