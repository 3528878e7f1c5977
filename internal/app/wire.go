// Package app assembles the gateway from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/wa-gateway-go/auth"
	"github.com/ggoodman/wa-gateway-go/authstate"
	"github.com/ggoodman/wa-gateway-go/authstate/filestate"
	"github.com/ggoodman/wa-gateway-go/authstate/memorystate"
	"github.com/ggoodman/wa-gateway-go/authstate/redisstate"
	"github.com/ggoodman/wa-gateway-go/authstate/sealedstate"
	"github.com/ggoodman/wa-gateway-go/gatewayhttp"
	"github.com/ggoodman/wa-gateway-go/internal/config"
	"github.com/ggoodman/wa-gateway-go/internal/jwtauth"
	"github.com/ggoodman/wa-gateway-go/internal/qrdata"
	"github.com/ggoodman/wa-gateway-go/internal/wellknown"
	"github.com/ggoodman/wa-gateway-go/protocol"
	"github.com/ggoodman/wa-gateway-go/protocol/loopback"
	"github.com/ggoodman/wa-gateway-go/protocol/whatsapp"
	"github.com/ggoodman/wa-gateway-go/sessions"
)

// Wire bundles the running components.
type Wire struct {
	Store      authstate.Store
	Factory    protocol.Factory
	Controller *sessions.Controller
	Handler    *gatewayhttp.Handler

	closers []func() error
}

// NewWire constructs the dependency graph from cfg. ctx bounds background
// work such as the secret file watch and JWKS refresh.
func NewWire(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *Wire, err error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	w := &Wire{}
	defer func() {
		if err != nil {
			_ = w.Close()
		}
	}()

	store, err := NewStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	w.Store = store
	w.closers = append(w.closers, store.Close)

	factory, closeFactory, err := NewFactory(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	w.Factory = factory
	w.closers = append(w.closers, closeFactory)

	w.Controller, err = sessions.NewController(store, w.Factory,
		sessions.WithEncoder(qrdata.New(qrdata.DefaultSize)),
		sessions.WithTimeout(cfg.StartTimeout),
		sessions.WithLogoutTimeout(cfg.LogoutTimeout),
		sessions.WithPurgeOnLogout(cfg.PurgeOnLogout),
		sessions.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	// Runs before the factory and store close: closers unwind in reverse.
	w.closers = append(w.closers, w.Controller.Close)

	secret, err := newSecret(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if c, ok := secret.(*auth.FileSecret); ok {
		w.closers = append(w.closers, c.Close)
	}

	authOpts := []auth.Option{}
	handlerOpts := []gatewayhttp.Option{gatewayhttp.WithLogger(log)}

	signer, err := NewSigner(cfg)
	if err != nil {
		return nil, err
	}
	if signer != nil {
		authOpts = append(authOpts, auth.WithTokenVerifier(signer))
		handlerOpts = append(handlerOpts, gatewayhttp.WithTokenIssuer(signer))
	}

	if cfg.OIDCIssuer != "" {
		jcfg := jwtauth.DefaultConfig()
		jcfg.Issuer = cfg.OIDCIssuer
		jcfg.Audience = cfg.OIDCAudience
		jcfg.SubjectClaim = cfg.OIDCSubjectClaim
		iv, err := jwtauth.NewFromDiscovery(ctx, jcfg)
		if err != nil {
			return nil, fmt.Errorf("app: oidc issuer: %w", err)
		}
		authOpts = append(authOpts, auth.WithTokenVerifier(iv))

		if cfg.PublicURL != "" {
			doc, metaURL, err := wellknown.NewProtectedResource(cfg.PublicURL, cfg.OIDCIssuer, "wa-gateway")
			if err != nil {
				return nil, fmt.Errorf("app: %w", err)
			}
			handlerOpts = append(handlerOpts, gatewayhttp.WithProtectedResource(doc, metaURL.String()))
		}
	}

	authn, err := auth.New(secret, authOpts...)
	if err != nil {
		return nil, err
	}

	w.Handler, err = gatewayhttp.New(w.Controller, authn, handlerOpts...)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Close releases components in reverse construction order.
func (w *Wire) Close() error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	return errors.Join(errs...)
}

// NewStore opens the configured credential backend, sealed when a
// passphrase is set.
func NewStore(ctx context.Context, cfg config.Config) (authstate.Store, error) {
	var store authstate.Store
	var err error
	switch cfg.AuthBackend {
	case config.BackendFile:
		store, err = filestate.New(cfg.AuthDir)
	case config.BackendRedis:
		store, err = redisstate.New(ctx, cfg.Redis)
	case config.BackendMemory:
		store, err = memorystate.New(cfg.MemoryMaxUsers)
	default:
		return nil, fmt.Errorf("app: unknown auth backend %q", cfg.AuthBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("app: open %s store: %w", cfg.AuthBackend, err)
	}
	if cfg.AuthPassphrase == "" {
		return store, nil
	}
	sealed, err := sealedstate.New(store, cfg.AuthPassphrase, cfg.AuthBackend)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return sealed, nil
}

// NewFactory builds the configured protocol driver. The returned func
// releases it once every connection is closed.
func NewFactory(ctx context.Context, cfg config.Config, log *slog.Logger) (protocol.Factory, func() error, error) {
	ci := protocol.DefaultClientInfo
	if cfg.DeviceName != "" {
		ci.Name = cfg.DeviceName
	}
	switch cfg.Driver {
	case config.DriverWhatsmeow:
		f, err := whatsapp.Open(ctx, cfg.DeviceDBPath(),
			whatsapp.WithClientInfo(ci),
			whatsapp.WithLogger(log),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("app: %w", err)
		}
		return f, f.Close, nil
	case config.DriverLoopback:
		log.WarnContext(ctx, "app.driver.loopback")
		f := loopback.New(
			loopback.WithClientInfo(ci),
			loopback.WithPairDelay(cfg.LoopbackPairDelay),
			loopback.WithLogger(log),
		)
		return f, func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("app: unknown driver %q", cfg.Driver)
}

// NewSigner returns the per-user token signer, or nil when no signing key is
// configured.
func NewSigner(cfg config.Config) (*jwtauth.Signer, error) {
	if cfg.TokenSigningKey == "" {
		return nil, nil
	}
	return jwtauth.NewSigner([]byte(cfg.TokenSigningKey), cfg.TokenTTL)
}

func newSecret(ctx context.Context, cfg config.Config, log *slog.Logger) (auth.SecretSource, error) {
	if cfg.SecretFile == "" {
		return auth.StaticSecret(cfg.Secret), nil
	}
	src, err := auth.NewFileSecret(ctx, cfg.SecretFile, auth.WithWatchLogger(log))
	if err != nil {
		return nil, fmt.Errorf("app: secret file: %w", err)
	}
	return src, nil
}
