// Package protocol is the narrow boundary between the gateway and the
// messaging-platform client library.
//
// A Factory negotiates a protocol version and produces a Conn bound to one
// user's credential material. The gateway never speaks the wire protocol
// itself: it consumes a Conn's two event streams and calls Logout or Close.
//
// Implementations must deliver events without blocking on slow consumers for
// longer than necessary, and must close both streams once the Conn is done
// (after Logout, Close, or a terminal disconnect the driver will not retry).
package protocol

import (
	"context"
	"fmt"

	"github.com/ggoodman/wa-gateway-go/authstate"
)

// Factory produces live connections.
type Factory interface {
	// LatestVersion negotiates the protocol version new connections should
	// advertise. It may perform network I/O.
	LatestVersion(ctx context.Context) (Version, error)

	// NewConnection starts connecting with the given credential material and
	// version. It returns as soon as the attempt is under way; progress is
	// reported on the Conn's streams. ctx bounds setup only; the connection
	// outlives it.
	NewConnection(ctx context.Context, creds *authstate.Credentials, version Version) (Conn, error)
}

// Conn is one active or attempted connection for one user.
type Conn interface {
	// ConnectionUpdates carries lifecycle events in the order the driver
	// observed them.
	ConnectionUpdates() <-chan ConnectionUpdate

	// CredentialUpdates carries every new snapshot of the credential material.
	// Each snapshot supersedes the previous one.
	CredentialUpdates() <-chan *authstate.Credentials

	// Identity returns the account identifier (a phone-number JID for the
	// platform) once connected, or "" before that.
	Identity() string

	// Logout unlinks the device from the account and tears the connection
	// down. Credentials produced so far become useless.
	Logout(ctx context.Context) error

	// Close disconnects without unlinking, leaving the credential material
	// valid for a later connection.
	Close() error
}

// State is the connection state carried by a ConnectionUpdate.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// ConnectionUpdate is a tagged lifecycle event. Exactly one of PairingCode or
// State is meaningful in a given update; Err accompanies a closed state when
// the driver knows why.
type ConnectionUpdate struct {
	// PairingCode is the raw payload a user renders and scans to authorize
	// this device. Non-empty only for pairing-code events.
	PairingCode string
	State       State
	Err         error
}

// IsPairingCode reports whether the update announces a pairing code.
func (u ConnectionUpdate) IsPairingCode() bool { return u.PairingCode != "" }

// Version identifies a client protocol revision.
type Version struct {
	Major int
	Minor int
	Patch int
}

func (v Version) String() string { return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch) }

// IsZero reports whether no version was negotiated.
func (v Version) IsZero() bool { return v == Version{} }

// ClientInfo describes this gateway to the platform, shown to the user in
// their list of linked devices.
type ClientInfo struct {
	Name    string
	Browser string
	Version string
}

// DefaultClientInfo matches the label the gateway has always presented.
var DefaultClientInfo = ClientInfo{Name: "CCIA", Browser: "Chrome", Version: "1.0"}
