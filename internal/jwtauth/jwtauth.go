// Package jwtauth verifies the bearer tokens the gateway accepts in place of
// the shared secret: tokens it minted itself (HS256, see Signer) and access
// tokens from an external OpenID Connect issuer (see NewFromDiscovery).
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that the token failed validation (signature,
// issuer, audience, exp/nbf, subject) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// Config controls validation of access tokens from an external issuer.
type Config struct {
	Issuer   string
	Audience string
	// SubjectClaim names the claim carrying the user id. Defaults to "sub".
	SubjectClaim string
	AllowedAlgs  []string
	Leeway       time.Duration
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		SubjectClaim: "sub",
		AllowedAlgs:  []string{"RS256"},
		Leeway:       60 * time.Second,
	}
}

// IssuerVerifier validates RFC 9068 access tokens signed by a discovered
// issuer. JWKS keys are refreshed in the background.
type IssuerVerifier struct {
	cfg     Config
	iss     string
	keyfunc jwt.Keyfunc
}

// NewFromDiscovery performs OIDC discovery against cfg.Issuer to find its
// jwks_uri. ctx bounds discovery and the background JWKS refresh.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*IssuerVerifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}
	c := *cfg
	if c.SubjectClaim == "" {
		c.SubjectClaim = "sub"
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}

	provider, err := oidc.NewProvider(ctx, c.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &IssuerVerifier{
		cfg: c,
		iss: meta.Issuer,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(c.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

// Verify checks tok and returns the user id it was issued for.
func (v *IssuerVerifier) Verify(ctx context.Context, tok string) (string, error) {
	if tok == "" {
		return "", fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.iss),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return "", fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	// RFC 9068 typ
	if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
		return "", fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims type")
	}
	if iatf, ok := claims["iat"].(float64); ok {
		iat := time.Unix(int64(iatf), 0)
		if iat.After(time.Now().Add(v.cfg.Leeway + 5*time.Minute)) {
			return "", fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
	}

	sub, _ := claims[v.cfg.SubjectClaim].(string)
	if sub == "" {
		return "", fmt.Errorf("%w: missing %s", ErrUnauthorized, v.cfg.SubjectClaim)
	}
	return sub, nil
}
