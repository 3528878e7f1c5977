package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// Method names how a caller authenticated.
type Method string

const (
	MethodSecret Method = "secret"
	MethodToken  Method = "token"
)

// Principal is an authenticated caller. Shared-secret callers act on behalf
// of any user and carry no UserID; token callers are bound to one user.
type Principal struct {
	Method Method
	UserID string
}

// Bound reports whether the principal may act only for its own UserID.
func (p *Principal) Bound() bool { return p != nil && p.UserID != "" }

// Credentials are what a transport extracted from a request.
type Credentials struct {
	Secret      string
	BearerToken string
}

// SecretSource yields the current shared secret. Implementations must be safe
// for concurrent use.
type SecretSource interface {
	Secret() string
}

// StaticSecret is a SecretSource that never changes.
type StaticSecret string

func (s StaticSecret) Secret() string { return string(s) }

// TokenVerifier validates a bearer token and returns the user id it is bound to.
type TokenVerifier interface {
	Verify(ctx context.Context, tok string) (string, error)
}

// Authenticator checks request credentials against the shared secret and any
// configured token verifiers.
type Authenticator struct {
	secret    SecretSource
	verifiers []TokenVerifier
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithTokenVerifier accepts bearer tokens validated by v. Verifiers are tried
// in the order they were added.
func WithTokenVerifier(v TokenVerifier) Option {
	return func(a *Authenticator) {
		if v != nil {
			a.verifiers = append(a.verifiers, v)
		}
	}
}

// New builds an Authenticator around the shared secret.
func New(secret SecretSource, opts ...Option) (*Authenticator, error) {
	if secret == nil {
		return nil, errors.New("secret source is required")
	}
	a := &Authenticator{secret: secret}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Authenticate validates creds. A presented secret is authoritative: when it
// does not match, any bearer token is ignored. Failures match ErrUnauthorized.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (*Principal, error) {
	if creds.Secret != "" {
		if !a.checkSecret(creds.Secret) {
			return nil, fmt.Errorf("%w: secret mismatch", ErrUnauthorized)
		}
		return &Principal{Method: MethodSecret}, nil
	}
	if creds.BearerToken == "" {
		return nil, fmt.Errorf("%w: no credentials", ErrUnauthorized)
	}

	var errs []error
	for _, v := range a.verifiers {
		userID, err := v.Verify(ctx, creds.BearerToken)
		if err == nil {
			return &Principal{Method: MethodToken, UserID: userID}, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: bearer tokens not accepted", ErrUnauthorized)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnauthorized, errors.Join(errs...))
}

func (a *Authenticator) checkSecret(presented string) bool {
	want := a.secret.Secret()
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(want)) == 1
}
