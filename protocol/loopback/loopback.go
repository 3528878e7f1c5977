// Package loopback implements protocol.Factory entirely in-process.
//
// It behaves like the real platform client from the gateway's point of view:
// a user without credentials receives a pairing code that refreshes
// periodically, and a user with stored credentials resumes straight to an
// open connection. Pairing completes either after a configured delay or when
// CompletePairing is called, which is how tests and local development stand
// in for a phone scanning the code.
//
// Use loopback for development and tests; it never touches the network.
package loopback

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/wa-gateway-go/authstate"
	"github.com/ggoodman/wa-gateway-go/protocol"
)

// ErrClosed is returned by operations on a connection that already ended.
var ErrClosed = errors.New("loopback: connection closed")

// DefaultVersion is the version LatestVersion reports unless overridden.
var DefaultVersion = protocol.Version{Major: 2, Minor: 3000, Patch: 1023223821}

const (
	defaultCodeRefresh = 20 * time.Second
	updateBuffer       = 16
)

// Option configures a Factory.
type Option func(*Factory)

// WithClientInfo sets the device label recorded in credentials.
func WithClientInfo(ci protocol.ClientInfo) Option {
	return func(f *Factory) { f.clientInfo = ci }
}

// WithVersion overrides the negotiated version.
func WithVersion(v protocol.Version) Option {
	return func(f *Factory) { f.version = v }
}

// WithPairDelay completes pairing automatically this long after the first
// pairing code. Zero (the default) waits for CompletePairing.
func WithPairDelay(d time.Duration) Option {
	return func(f *Factory) { f.pairDelay = d }
}

// WithCodeDelay delays the first pairing code.
func WithCodeDelay(d time.Duration) Option {
	return func(f *Factory) { f.codeDelay = d }
}

// WithCodeRefresh sets how often a fresh pairing code replaces the previous one.
func WithCodeRefresh(d time.Duration) Option {
	return func(f *Factory) { f.codeRefresh = d }
}

// WithResumeDelay delays the open event for users that already paired.
func WithResumeDelay(d time.Duration) Option {
	return func(f *Factory) { f.resumeDelay = d }
}

// WithIdentityFunc sets how an identity is chosen when pairing completes
// without an explicit one.
func WithIdentityFunc(fn func() string) Option {
	return func(f *Factory) { f.identityFn = fn }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) { f.log = l }
}

// Factory creates loopback connections.
type Factory struct {
	clientInfo  protocol.ClientInfo
	version     protocol.Version
	pairDelay   time.Duration
	codeDelay   time.Duration
	codeRefresh time.Duration
	resumeDelay time.Duration
	identityFn  func() string
	log         *slog.Logger
}

// New constructs a Factory.
func New(opts ...Option) *Factory {
	f := &Factory{
		clientInfo:  protocol.DefaultClientInfo,
		version:     DefaultVersion,
		codeRefresh: defaultCodeRefresh,
		identityFn:  randomIdentity,
		log:         slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) LatestVersion(ctx context.Context) (protocol.Version, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Version{}, err
	}
	return f.version, nil
}

func (f *Factory) NewConnection(ctx context.Context, creds *authstate.Credentials, version protocol.Version) (protocol.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if version.IsZero() {
		return nil, fmt.Errorf("loopback: protocol version is required")
	}

	st, err := decodeState(creds)
	if err != nil {
		return nil, err
	}

	st.Device = f.clientInfo.Name + "/" + f.clientInfo.Browser + "/" + f.clientInfo.Version

	c := &Conn{
		factory:     f,
		state:       st,
		updates:     make(chan protocol.ConnectionUpdate, updateBuffer),
		credUpdates: make(chan *authstate.Credentials, updateBuffer),
		pairCh:      make(chan string),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	// Identity is only exposed once the connection opens.
	go c.run(st.Me != "")
	return c, nil
}

// Conn is a loopback protocol.Conn.
type Conn struct {
	factory *Factory

	mu       sync.RWMutex
	state    deviceState
	identity string

	updates     chan protocol.ConnectionUpdate
	credUpdates chan *authstate.Credentials
	pairCh      chan string

	stopOnce   sync.Once
	stopReason stopReason
	stop       chan struct{}
	done       chan struct{}
}

type stopReason int

const (
	stopClose stopReason = iota
	stopLogout
)

// deviceState is the credential payload loopback persists.
type deviceState struct {
	Me       string `json:"me,omitempty"`
	NoiseKey string `json:"noise_key"`
	Device   string `json:"device"`
}

func (c *Conn) ConnectionUpdates() <-chan protocol.ConnectionUpdate { return c.updates }

func (c *Conn) CredentialUpdates() <-chan *authstate.Credentials { return c.credUpdates }

func (c *Conn) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// CompletePairing simulates the user scanning the current pairing code. An
// empty identity uses the factory's identity function.
func (c *Conn) CompletePairing(ctx context.Context, identity string) error {
	select {
	case c.pairCh <- identity:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Logout(ctx context.Context) error {
	if !c.requestStop(stopLogout) {
		return ErrClosed
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Close() error {
	c.requestStop(stopClose)
	<-c.done
	return nil
}

// Done is closed once the connection has fully ended.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) requestStop(reason stopReason) bool {
	first := false
	c.stopOnce.Do(func() {
		first = true
		c.mu.Lock()
		c.stopReason = reason
		c.mu.Unlock()
		close(c.stop)
	})
	return first
}

func (c *Conn) run(resume bool) {
	defer close(c.done)
	defer close(c.credUpdates)
	defer close(c.updates)

	f := c.factory
	log := f.log.With(slog.String("device", c.state.Device))

	if !c.sendUpdate(protocol.ConnectionUpdate{State: protocol.StateConnecting}) {
		c.finish()
		return
	}

	if resume {
		log.Debug("loopback.resume", slog.Duration("delay", f.resumeDelay))
		select {
		case <-time.After(f.resumeDelay):
		case <-c.stop:
			c.finish()
			return
		}
		c.open(c.state.Me)
		<-c.stop
		c.finish()
		return
	}

	// A fresh device gets its keys persisted before the first code, the same
	// way real clients initialise credentials on first launch.
	if !c.sendCreds() {
		c.finish()
		return
	}

	codeTimer := time.NewTimer(f.codeDelay)
	defer codeTimer.Stop()

	var pairC <-chan time.Time
	var pairTimer *time.Timer
	defer func() {
		if pairTimer != nil {
			pairTimer.Stop()
		}
	}()

	for {
		select {
		case <-c.stop:
			c.finish()
			return
		case <-codeTimer.C:
			code, err := pairingCode(c.state.NoiseKey)
			if err != nil {
				c.sendUpdate(protocol.ConnectionUpdate{State: protocol.StateClosed, Err: err})
				c.finish()
				return
			}
			log.Debug("loopback.pairing_code")
			if !c.sendUpdate(protocol.ConnectionUpdate{PairingCode: code}) {
				c.finish()
				return
			}
			if f.pairDelay > 0 && pairTimer == nil {
				pairTimer = time.NewTimer(f.pairDelay)
				pairC = pairTimer.C
			}
			if f.codeRefresh > 0 {
				codeTimer.Reset(f.codeRefresh)
			}
		case <-pairC:
			c.open(f.identityFn())
			<-c.stop
			c.finish()
			return
		case id := <-c.pairCh:
			if id == "" {
				id = f.identityFn()
			}
			c.open(id)
			<-c.stop
			c.finish()
			return
		}
	}
}

// open records the identity, persists it and announces the open state.
func (c *Conn) open(identity string) {
	c.mu.Lock()
	c.state.Me = identity
	c.identity = identity
	c.mu.Unlock()

	if !c.sendCreds() {
		return
	}
	c.sendUpdate(protocol.ConnectionUpdate{State: protocol.StateOpen})
}

// finish emits the terminal events without blocking; both channels are
// buffered and closed right after.
func (c *Conn) finish() {
	c.mu.Lock()
	c.identity = ""
	reason := c.stopReason
	c.mu.Unlock()

	if reason == stopLogout {
		select {
		case c.credUpdates <- &authstate.Credentials{UpdatedAt: time.Now()}:
		default:
		}
	}
	select {
	case c.updates <- protocol.ConnectionUpdate{State: protocol.StateClosed}:
	default:
	}
}

func (c *Conn) sendUpdate(u protocol.ConnectionUpdate) bool {
	select {
	case c.updates <- u:
		return true
	case <-c.stop:
		return false
	}
}

func (c *Conn) sendCreds() bool {
	c.mu.RLock()
	raw, err := json.Marshal(c.state)
	c.mu.RUnlock()
	if err != nil {
		return false
	}
	select {
	case c.credUpdates <- &authstate.Credentials{Data: raw, UpdatedAt: time.Now()}:
		return true
	case <-c.stop:
		return false
	}
}

func decodeState(creds *authstate.Credentials) (deviceState, error) {
	if creds.IsZero() {
		key, err := randomB64(32)
		if err != nil {
			return deviceState{}, err
		}
		return deviceState{NoiseKey: key}, nil
	}
	var st deviceState
	if err := json.Unmarshal(creds.Data, &st); err != nil {
		return deviceState{}, fmt.Errorf("loopback: decode credentials: %w", err)
	}
	if st.NoiseKey == "" {
		key, err := randomB64(32)
		if err != nil {
			return deviceState{}, err
		}
		st.NoiseKey = key
	}
	return st, nil
}

// pairingCode formats a payload shaped like the platform's: a fresh reference
// followed by the device's public key material.
func pairingCode(noiseKey string) (string, error) {
	ref, err := randomB64(18)
	if err != nil {
		return "", err
	}
	adv, err := randomB64(32)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{"2@" + ref, noiseKey, adv}, ","), nil
}

func randomB64(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("loopback: read random: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func randomIdentity() string {
	var sb strings.Builder
	sb.WriteString("55")
	for i := 0; i < 11; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			sb.WriteByte('0')
			continue
		}
		sb.WriteByte(byte('0' + n.Int64()))
	}
	return sb.String()
}

var (
	_ protocol.Factory = (*Factory)(nil)
	_ protocol.Conn    = (*Conn)(nil)
)
