// Package sessions supervises per-user connections to the messaging platform.
//
// Layers & Roles
//
//	Controller -> StartSession / Status / Logout entry points used by transports
//	Registry   -> concurrency-safe userID -> Session map, the only shared state
//	Attempt    -> one StartSession call, committed to exactly one Outcome
//	Store      -> authstate.Store holding credential material across restarts
//	Factory    -> protocol.Factory producing the live connection
//
// # Starting a session
//
// StartSession loads the user's credentials, negotiates a protocol version and
// opens a connection. The connection is registered before anything is known
// about how it will turn out, so a Status call made mid-attempt already sees a
// handle under negotiation. The attempt then races four outcomes:
//
//	pairing code  -> OutcomePairingCode (code rendered as a data URL)
//	open          -> OutcomeConnected   (identity reported)
//	closed        -> OutcomeClosed      (ErrConnectionClosed)
//	deadline      -> OutcomeTimedOut    (ErrTimeout)
//
// The first to arrive is committed; later events are observed and logged but
// change nothing. Neither a timeout nor a close tears the connection down: it
// stays registered and keeps running until Logout, a newer StartSession for
// the same user, or Close.
//
// Credential updates are forwarded to the Store for the whole lifetime of a
// connection, independent of how its attempt resolved.
//
// # Example
//
//	store, _ := filestate.New("/var/lib/wa")
//	ctrl, _ := sessions.NewController(store, loopback.New(), sessions.WithTimeout(20*time.Second))
//	res, err := ctrl.StartSession(ctx, "u1")
//	switch {
//	case errors.Is(err, sessions.ErrTimeout):
//	case err == nil && res.Outcome == sessions.OutcomePairingCode:
//		// show res.DataURL
//	}
package sessions
