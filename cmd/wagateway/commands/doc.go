// Package commands implements the wagateway command line.
//
//	wagateway [serve]          run the HTTP gateway (default)
//	wagateway token --user ID  mint a per-user bearer token offline
//
// Settings come from the environment; see internal/config.
package commands
