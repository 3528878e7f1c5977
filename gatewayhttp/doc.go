// Package gatewayhttp exposes the session lifecycle over HTTP. It mounts as a
// standard net/http handler.
//
// Routes
//
//	GET  /                 plain-text banner
//	GET  /health           {ok:true, ts:<epoch-ms>}
//	POST /session/start    start or resume a user's session
//	GET  /session/status   report whether a user is connected
//	POST /session/logout   terminate a user's session
//	POST /session/token    mint a per-user bearer token (when configured)
//	GET  /.well-known/oauth-protected-resource
//	                       RFC 9728 metadata (WithProtectedResource)
//
// Every /session/* route is protected: the caller presents the shared secret
// in the x-wa-secret header or a bearer token in Authorization. A failed
// check answers 401 {ok:false, message:"unauthorized"} before any handler
// logic runs. With WithProtectedResource the 401 also carries a Bearer
// WWW-Authenticate challenge naming the metadata document.
//
// The target user comes from the x-user-id header, falling back to the
// userId field of a JSON body (POST) or the userId query parameter (status).
// A bearer token is bound to one user; naming a different one is a 401.
//
// # Errors
//
// Every failure body carries ok:false and a human readable message. Status
// codes follow the sessions error taxonomy:
//
//	sessions.ErrValidation        400
//	auth.ErrUnauthorized          401
//	sessions.ErrConnectionClosed  500 (with status:"closed")
//	sessions.ErrTimeout           504
//	anything else                 500
//
// Example:
//
//	h, err := gatewayhttp.New(ctrl, authn, gatewayhttp.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	http.ListenAndServe(":3000", h)
package gatewayhttp
