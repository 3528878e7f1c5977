// Package whatsapp implements protocol.Factory on top of go.mau.fi/whatsmeow.
//
// whatsmeow keeps each linked device's Signal keys in its own SQL device
// store; the gateway's credential record only names the device (its JID) so
// the next connection can find it again. A user without a record gets a new
// device and a stream of pairing codes; a user with one resumes directly.
//
// Lifecycle events map onto protocol updates as follows:
//
//	QR channel "code"                   pairing code
//	events.Connected                    open
//	events.Disconnected                 closed (whatsmeow reconnects by itself)
//	events.LoggedOut, StreamReplaced,
//	TemporaryBan, ConnectFailure,
//	ClientOutdated, QR timeout/error    closed, and the connection ends
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"

	"github.com/ggoodman/wa-gateway-go/authstate"
	"github.com/ggoodman/wa-gateway-go/protocol"
)

var (
	// ErrClosed is returned by operations on a connection that already ended.
	ErrClosed = errors.New("whatsapp: connection closed")

	ErrLoggedOut      = errors.New("whatsapp: device logged out")
	ErrStreamReplaced = errors.New("whatsapp: stream replaced by another connection")
	ErrClientOutdated = errors.New("whatsapp: client version rejected as outdated")
)

const (
	defaultVersionTTL = time.Hour
	updateBuffer      = 16
)

// deviceContainer is the part of *sqlstore.Container the factory uses.
type deviceContainer interface {
	GetDevice(ctx context.Context, jid types.JID) (*store.Device, error)
	NewDevice() *store.Device
	Close() error
}

// client is the part of *whatsmeow.Client a Conn drives.
type client interface {
	AddEventHandler(handler whatsmeow.EventHandler) uint32
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	Connect() error
	Disconnect()
	Logout(ctx context.Context) error
}

type versionFetcher func(ctx context.Context, hc *http.Client) (*store.WAVersionContainer, error)

// Option configures a Factory.
type Option func(*Factory)

// WithClientInfo sets the device label shown in the user's linked devices.
func WithClientInfo(ci protocol.ClientInfo) Option {
	return func(f *Factory) { f.clientInfo = ci }
}

// WithHTTPClient sets the client used to look up the current web version.
func WithHTTPClient(hc *http.Client) Option {
	return func(f *Factory) { f.httpClient = hc }
}

// WithVersionTTL sets how long a looked-up version is reused.
func WithVersionTTL(d time.Duration) Option {
	return func(f *Factory) { f.versionTTL = d }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) { f.log = l }
}

// Factory creates whatsmeow-backed connections.
type Factory struct {
	container  deviceContainer
	clientInfo protocol.ClientInfo
	httpClient *http.Client
	versionTTL time.Duration
	log        *slog.Logger

	newClient    func(dev *store.Device, log waLog.Logger) client
	fetchVersion versionFetcher
	now          func() time.Time

	mu        sync.Mutex
	version   protocol.Version
	fetchedAt time.Time
	applied   protocol.Version
}

// Open creates or upgrades the SQLite device store at path and returns a
// Factory using it.
func Open(ctx context.Context, path string, opts ...Option) (*Factory, error) {
	if path == "" {
		return nil, errors.New("whatsapp: device store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("whatsapp: create device store dir: %w", err)
	}
	f := newFactory(nil, opts...)
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	container, err := sqlstore.New(ctx, "sqlite", dsn, newLogAdapter(f.log, "store"))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: open device store: %w", err)
	}
	f.container = container
	applyClientInfo(f.clientInfo)
	return f, nil
}

func newFactory(container deviceContainer, opts ...Option) *Factory {
	f := &Factory{
		container:    container,
		clientInfo:   protocol.DefaultClientInfo,
		httpClient:   http.DefaultClient,
		versionTTL:   defaultVersionTTL,
		log:          slog.New(slog.DiscardHandler),
		fetchVersion: whatsmeow.GetLatestVersion,
		now:          time.Now,
	}
	f.newClient = func(dev *store.Device, log waLog.Logger) client {
		return whatsmeow.NewClient(dev, log)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Close releases the device store. Connections must be closed first.
func (f *Factory) Close() error {
	return f.container.Close()
}

// LatestVersion looks up the current web client version, reusing it for the
// configured TTL. A failed refresh falls back to the last good version.
func (f *Factory) LatestVersion(ctx context.Context) (protocol.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.version.IsZero() && f.now().Sub(f.fetchedAt) < f.versionTTL {
		return f.version, nil
	}
	v, err := f.fetchVersion(ctx, f.httpClient)
	if err != nil {
		if !f.version.IsZero() {
			f.log.WarnContext(ctx, "whatsapp.version.stale", slog.String("err", err.Error()), slog.String("version", f.version.String()))
			return f.version, nil
		}
		return protocol.Version{}, fmt.Errorf("whatsapp: fetch version: %w", err)
	}
	f.version = protocol.Version{Major: int(v[0]), Minor: int(v[1]), Patch: int(v[2])}
	f.fetchedAt = f.now()
	return f.version, nil
}

func (f *Factory) NewConnection(ctx context.Context, creds *authstate.Credentials, version protocol.Version) (protocol.Conn, error) {
	if version.IsZero() {
		return nil, errors.New("whatsapp: protocol version is required")
	}
	f.applyVersion(version)

	dev, jid, err := f.device(ctx, creds)
	if err != nil {
		return nil, err
	}

	log := f.log.With(slog.String("device", f.clientInfo.Name))
	cli := f.newClient(dev, newLogAdapter(log, "client"))

	qrCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		cli:         cli,
		log:         log,
		jid:         jid,
		updates:     make(chan protocol.ConnectionUpdate, updateBuffer),
		credUpdates: make(chan *authstate.Credentials, updateBuffer),
		events:      make(chan any, updateBuffer),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		cancel:      cancel,
	}
	cli.AddEventHandler(c.handleEvent)

	var qr <-chan whatsmeow.QRChannelItem
	if jid.IsEmpty() {
		if qr, err = cli.GetQRChannel(qrCtx); err != nil {
			cancel()
			return nil, fmt.Errorf("whatsapp: pairing channel: %w", err)
		}
	}

	c.updates <- protocol.ConnectionUpdate{State: protocol.StateConnecting}
	// The socket lives on the client's background context, not ctx.
	if err := cli.Connect(); err != nil {
		cancel()
		cli.Disconnect()
		return nil, fmt.Errorf("whatsapp: connect: %w", err)
	}
	go c.run(qr)
	return c, nil
}

// device finds the stored device named by creds, or starts a new one.
func (f *Factory) device(ctx context.Context, creds *authstate.Credentials) (*store.Device, types.JID, error) {
	rec, err := decodeRecord(creds)
	if err != nil {
		return nil, types.EmptyJID, err
	}
	if rec.JID == "" {
		return f.container.NewDevice(), types.EmptyJID, nil
	}
	jid, err := types.ParseJID(rec.JID)
	if err != nil {
		return nil, types.EmptyJID, fmt.Errorf("whatsapp: stored jid: %w", err)
	}
	dev, err := f.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, types.EmptyJID, fmt.Errorf("whatsapp: load device: %w", err)
	}
	if dev == nil {
		// The record outlived the device store; pair again.
		f.log.WarnContext(ctx, "whatsapp.device.missing", slog.String("jid", rec.JID))
		return f.container.NewDevice(), types.EmptyJID, nil
	}
	return dev, jid, nil
}

// applyVersion makes whatsmeow advertise v. The setting is process wide.
func (f *Factory) applyVersion(v protocol.Version) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied == v {
		return
	}
	store.SetWAVersion(store.WAVersionContainer{uint32(v.Major), uint32(v.Minor), uint32(v.Patch)})
	f.applied = v
}

// applyClientInfo sets the device properties whatsmeow sends when pairing.
// They are process wide.
func applyClientInfo(ci protocol.ClientInfo) {
	store.SetOSInfo(ci.Name, parseVersion(ci.Version))
	store.DeviceProps.PlatformType = platformType(ci.Browser).Enum()
}

func platformType(browser string) waCompanionReg.DeviceProps_PlatformType {
	switch strings.ToLower(browser) {
	case "chrome":
		return waCompanionReg.DeviceProps_CHROME
	case "firefox":
		return waCompanionReg.DeviceProps_FIREFOX
	case "safari":
		return waCompanionReg.DeviceProps_SAFARI
	case "edge":
		return waCompanionReg.DeviceProps_EDGE
	case "desktop":
		return waCompanionReg.DeviceProps_DESKTOP
	}
	return waCompanionReg.DeviceProps_UNKNOWN
}

// parseVersion reads up to three dot-separated numbers; missing or malformed
// parts are zero.
func parseVersion(s string) [3]uint32 {
	var out [3]uint32
	for i, part := range strings.SplitN(s, ".", 3) {
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			continue
		}
		out[i] = uint32(n)
	}
	return out
}

// deviceRecord is the credential payload stored per user.
type deviceRecord struct {
	JID string `json:"jid"`
}

func decodeRecord(creds *authstate.Credentials) (deviceRecord, error) {
	if creds.IsZero() {
		return deviceRecord{}, nil
	}
	var rec deviceRecord
	if err := json.Unmarshal(creds.Data, &rec); err != nil {
		return deviceRecord{}, fmt.Errorf("whatsapp: decode credentials: %w", err)
	}
	return rec, nil
}
