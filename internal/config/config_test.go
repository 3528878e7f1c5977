package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Secret != DefaultSecret || !cfg.UsesDefaultSecret() {
		t.Fatalf("unexpected secret %q", cfg.Secret)
	}
	if cfg.Port != 3000 || cfg.Addr() != ":3000" {
		t.Fatalf("unexpected port %d", cfg.Port)
	}
	if cfg.AuthDir != "/tmp/wa_auth" || cfg.AuthBackend != BackendFile {
		t.Fatalf("unexpected auth settings %q %q", cfg.AuthDir, cfg.AuthBackend)
	}
	if cfg.StartTimeout != 20*time.Second {
		t.Fatalf("unexpected start timeout %s", cfg.StartTimeout)
	}
	if cfg.DeviceName != "CCIA" {
		t.Fatalf("unexpected device name %q", cfg.DeviceName)
	}
	if cfg.Driver != DriverWhatsmeow || cfg.DeviceDBPath() != "/tmp/wa_auth/whatsmeow.db" {
		t.Fatalf("unexpected driver settings %q %q", cfg.Driver, cfg.DeviceDBPath())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("WA_GATEWAY_SECRET", "s3cret")
	t.Setenv("WA_AUTH_DIR", "/var/lib/wa")
	t.Setenv("WA_AUTH_BACKEND", "Redis")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("PORT", "8080")
	t.Setenv("WA_START_TIMEOUT", "5s")
	t.Setenv("WA_PURGE_ON_LOGOUT", "true")
	t.Setenv("WA_LOG_LEVEL", "debug")
	t.Setenv("WA_DRIVER", " Loopback ")
	t.Setenv("WA_WHATSMEOW_DB", "/data/devices.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Secret != "s3cret" || cfg.UsesDefaultSecret() {
		t.Fatalf("unexpected secret %q", cfg.Secret)
	}
	if cfg.AuthBackend != BackendRedis {
		t.Fatalf("backend should be normalised, got %q", cfg.AuthBackend)
	}
	if cfg.Redis.RedisAddr != "redis:6380" {
		t.Fatalf("unexpected redis addr %q", cfg.Redis.RedisAddr)
	}
	if cfg.Port != 8080 || cfg.StartTimeout != 5*time.Second || !cfg.PurgeOnLogout {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Driver != DriverLoopback || cfg.DeviceDBPath() != "/data/devices.db" {
		t.Fatalf("unexpected driver settings %q %q", cfg.Driver, cfg.DeviceDBPath())
	}
	if lvl, _ := cfg.Level(); lvl != slog.LevelDebug {
		t.Fatalf("unexpected level %v", lvl)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"backend", map[string]string{"WA_AUTH_BACKEND": "s3"}},
		{"port", map[string]string{"PORT": "70000"}},
		{"timeout", map[string]string{"WA_START_TIMEOUT": "0s"}},
		{"short signing key", map[string]string{"WA_TOKEN_SIGNING_KEY": "short"}},
		{"issuer without audience", map[string]string{"WA_OIDC_ISSUER": "https://idp.example"}},
		{"public url without issuer", map[string]string{"WA_PUBLIC_URL": "https://gw.example"}},
		{"log level", map[string]string{"WA_LOG_LEVEL": "loud"}},
		{"driver", map[string]string{"WA_DRIVER": "baileys"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidateSigningKey(t *testing.T) {
	cfg := Default()
	cfg.TokenSigningKey = strings.Repeat("k", 32)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
}

func TestValidateRequiresSecret(t *testing.T) {
	cfg := Default()
	cfg.Secret = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error without any secret")
	}
	cfg.SecretFile = "/run/secrets/wa"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("secret file alone should be enough: %v", err)
	}
}
