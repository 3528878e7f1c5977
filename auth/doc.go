// Package auth decides whether a gateway request may proceed.
//
// Every protected request presents either the shared gateway secret or a
// bearer token. The secret admits the caller for any user id; a token admits
// it only for the user id the token was issued to. Transports extract the
// values from the request and map ErrUnauthorized to their own failure reply.
//
// # Secrets
//
// StaticSecret holds a fixed value. FileSecret reads the value from a file and
// reloads it whenever the file changes, so the secret can be rotated without a
// restart:
//
//	src, err := auth.NewFileSecret(ctx, "/run/secrets/wa-gateway", auth.WithWatchLogger(logger))
//	if err != nil { log.Fatal(err) }
//	defer src.Close()
//
// # Tokens
//
// WithTokenVerifier plugs in bearer token validation; see internal/jwtauth for
// the gateway's own HS256 tokens and for external OpenID Connect issuers.
//
//	authn, _ := auth.New(src, auth.WithTokenVerifier(signer))
//	p, err := authn.Authenticate(ctx, auth.Credentials{Secret: r.Header.Get("x-wa-secret")})
//	if errors.Is(err, auth.ErrUnauthorized) { /* 401 */ }
package auth
