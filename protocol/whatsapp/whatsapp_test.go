package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/ggoodman/wa-gateway-go/authstate"
	"github.com/ggoodman/wa-gateway-go/protocol"
)

var testJID = types.JID{User: "5511999999999", Device: 12, Server: types.DefaultUserServer}

var testVersion = protocol.Version{Major: 2, Minor: 3000, Patch: 1}

// fakeClient stands in for *whatsmeow.Client. Tests push whatsmeow events
// with dispatch and QR items with qr.
type fakeClient struct {
	qr         chan whatsmeow.QRChannelItem
	connectErr error
	logoutErr  error

	mu          sync.Mutex
	handlers    []whatsmeow.EventHandler
	qrRequested bool
	connects    int
	disconnects int
	logouts     int
}

func newFakeClient() *fakeClient {
	return &fakeClient{qr: make(chan whatsmeow.QRChannelItem, 4)}
}

func (f *fakeClient) AddEventHandler(h whatsmeow.EventHandler) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
	return uint32(len(f.handlers))
}

func (f *fakeClient) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qrRequested = true
	return f.qr, nil
}

func (f *fakeClient) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeClient) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeClient) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return f.logoutErr
}

func (f *fakeClient) dispatch(evt any) {
	f.mu.Lock()
	hs := append([]whatsmeow.EventHandler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range hs {
		h(evt)
	}
}

func (f *fakeClient) stats() (qrRequested bool, disconnects, logouts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.qrRequested, f.disconnects, f.logouts
}

type fakeContainer struct {
	mu      sync.Mutex
	devices map[string]*store.Device
	created int
}

func (c *fakeContainer) GetDevice(ctx context.Context, jid types.JID) (*store.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices[jid.String()], nil
}

func (c *fakeContainer) NewDevice() *store.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created++
	return &store.Device{}
}

func (c *fakeContainer) Close() error { return nil }

func newTestFactory(t *testing.T, cli *fakeClient, cont *fakeContainer) *Factory {
	t.Helper()
	if cont == nil {
		cont = &fakeContainer{}
	}
	f := newFactory(cont)
	f.newClient = func(*store.Device, waLog.Logger) client { return cli }
	return f
}

func recordFor(t *testing.T, jid types.JID) *authstate.Credentials {
	t.Helper()
	raw, err := json.Marshal(deviceRecord{JID: jid.String()})
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	return &authstate.Credentials{Data: raw}
}

func connect(t *testing.T, f *Factory, creds *authstate.Credentials) *Conn {
	t.Helper()
	pc, err := f.NewConnection(context.Background(), creds, testVersion)
	if err != nil {
		t.Fatalf("NewConnection() failed: %v", err)
	}
	c := pc.(*Conn)
	t.Cleanup(func() { _ = c.Close() })
	if u := nextUpdate(t, c); u.State != protocol.StateConnecting {
		t.Fatalf("first update = %+v, want connecting", u)
	}
	return c
}

func nextUpdate(t *testing.T, c *Conn) protocol.ConnectionUpdate {
	t.Helper()
	select {
	case u, ok := <-c.ConnectionUpdates():
		if !ok {
			t.Fatalf("updates closed")
		}
		return u
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for update")
	}
	return protocol.ConnectionUpdate{}
}

func nextCreds(t *testing.T, c *Conn) *authstate.Credentials {
	t.Helper()
	select {
	case cr, ok := <-c.CredentialUpdates():
		if !ok {
			t.Fatalf("credential updates closed")
		}
		return cr
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for credentials")
	}
	return nil
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatalf("connection did not end")
	}
}

// drainClosed reads updates until the stream closes and returns the last one.
func drainClosed(t *testing.T, c *Conn) protocol.ConnectionUpdate {
	t.Helper()
	var last protocol.ConnectionUpdate
	timeout := time.After(time.Second)
	for {
		select {
		case u, ok := <-c.ConnectionUpdates():
			if !ok {
				return last
			}
			last = u
		case <-timeout:
			t.Fatalf("updates never closed")
		}
	}
}

func TestPairThenConnect(t *testing.T) {
	cli := newFakeClient()
	c := connect(t, newTestFactory(t, cli, nil), nil)

	if requested, _, _ := cli.stats(); !requested {
		t.Fatalf("new device should request a pairing channel")
	}

	cli.qr <- whatsmeow.QRChannelItem{Event: whatsmeow.QRChannelEventCode, Code: "2@ref,key,adv", Timeout: time.Minute}
	if u := nextUpdate(t, c); u.PairingCode != "2@ref,key,adv" {
		t.Fatalf("want pairing code, got %+v", u)
	}

	cli.dispatch(&events.PairSuccess{ID: testJID})
	cr := nextCreds(t, c)
	var rec deviceRecord
	if err := json.Unmarshal(cr.Data, &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.JID != testJID.String() {
		t.Fatalf("record jid = %q, want %q", rec.JID, testJID.String())
	}

	cli.qr <- whatsmeow.QRChannelSuccess
	cli.dispatch(&events.Connected{})
	if u := nextUpdate(t, c); u.State != protocol.StateOpen {
		t.Fatalf("want open, got %+v", u)
	}
	if got := c.Identity(); got != testJID.User {
		t.Fatalf("Identity() = %q, want %q", got, testJID.User)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if u := drainClosed(t, c); u.State != protocol.StateClosed {
		t.Fatalf("last update = %+v, want closed", u)
	}
	if c.Identity() != "" {
		t.Fatalf("identity should clear on close")
	}
	if _, disconnects, logouts := cli.stats(); disconnects == 0 || logouts != 0 {
		t.Fatalf("Close should disconnect without logout: disconnects=%d logouts=%d", disconnects, logouts)
	}
}

func TestResumeStoredDevice(t *testing.T) {
	cli := newFakeClient()
	cont := &fakeContainer{devices: map[string]*store.Device{testJID.String(): {}}}
	c := connect(t, newTestFactory(t, cli, cont), recordFor(t, testJID))

	if requested, _, _ := cli.stats(); requested {
		t.Fatalf("stored device must not request a pairing channel")
	}
	cli.dispatch(&events.Connected{})
	if u := nextUpdate(t, c); u.State != protocol.StateOpen {
		t.Fatalf("want open, got %+v", u)
	}
	if got := c.Identity(); got != testJID.User {
		t.Fatalf("Identity() = %q", got)
	}
}

func TestMissingDevicePairsAgain(t *testing.T) {
	cli := newFakeClient()
	cont := &fakeContainer{}
	connect(t, newTestFactory(t, cli, cont), recordFor(t, testJID))

	if requested, _, _ := cli.stats(); !requested {
		t.Fatalf("unknown device should fall back to pairing")
	}
	if cont.created != 1 {
		t.Fatalf("want a new device, created=%d", cont.created)
	}
}

func TestCorruptCredentials(t *testing.T) {
	f := newTestFactory(t, newFakeClient(), nil)
	_, err := f.NewConnection(context.Background(), &authstate.Credentials{Data: []byte("{")}, testVersion)
	if err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestConnectFailure(t *testing.T) {
	cli := newFakeClient()
	cli.connectErr = errors.New("dial failed")
	f := newTestFactory(t, cli, nil)
	if _, err := f.NewConnection(context.Background(), nil, testVersion); err == nil {
		t.Fatalf("expected connect error")
	}
	if _, err := f.NewConnection(context.Background(), nil, protocol.Version{}); err == nil {
		t.Fatalf("expected error for zero version")
	}
}

func TestDisconnectIsNotTerminal(t *testing.T) {
	cli := newFakeClient()
	cont := &fakeContainer{devices: map[string]*store.Device{testJID.String(): {}}}
	c := connect(t, newTestFactory(t, cli, cont), recordFor(t, testJID))

	cli.dispatch(&events.Connected{})
	nextUpdate(t, c)
	cli.dispatch(&events.Disconnected{})
	if u := nextUpdate(t, c); u.State != protocol.StateClosed || u.Err != nil {
		t.Fatalf("want plain closed, got %+v", u)
	}
	if c.Identity() != "" {
		t.Fatalf("identity should clear while disconnected")
	}
	cli.dispatch(&events.Connected{})
	if u := nextUpdate(t, c); u.State != protocol.StateOpen {
		t.Fatalf("want open after reconnect, got %+v", u)
	}
}

func TestTerminalEvents(t *testing.T) {
	tests := []struct {
		name  string
		evt   any
		want  error
		wiped bool
	}{
		{"logged out", &events.LoggedOut{Reason: events.ConnectFailureLoggedOut}, ErrLoggedOut, true},
		{"stream replaced", &events.StreamReplaced{}, ErrStreamReplaced, false},
		{"client outdated", &events.ClientOutdated{}, ErrClientOutdated, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli := newFakeClient()
			cont := &fakeContainer{devices: map[string]*store.Device{testJID.String(): {}}}
			c := connect(t, newTestFactory(t, cli, cont), recordFor(t, testJID))

			cli.dispatch(tt.evt)
			u := drainClosed(t, c)
			if u.State != protocol.StateClosed || !errors.Is(u.Err, tt.want) {
				t.Fatalf("last update = %+v, want closed with %v", u, tt.want)
			}
			waitDone(t, c)

			var wiped bool
			for cr := range c.CredentialUpdates() {
				wiped = wiped || cr.IsZero()
			}
			if wiped != tt.wiped {
				t.Fatalf("wiped = %v, want %v", wiped, tt.wiped)
			}
		})
	}
}

func TestPairingTimeoutEnds(t *testing.T) {
	cli := newFakeClient()
	c := connect(t, newTestFactory(t, cli, nil), nil)

	cli.qr <- whatsmeow.QRChannelTimeout
	u := drainClosed(t, c)
	if u.State != protocol.StateClosed || u.Err == nil {
		t.Fatalf("want closed with error, got %+v", u)
	}
	waitDone(t, c)
	if _, disconnects, _ := cli.stats(); disconnects == 0 {
		t.Fatalf("timeout should disconnect")
	}
}

func TestLogoutWipesCredentials(t *testing.T) {
	cli := newFakeClient()
	cont := &fakeContainer{devices: map[string]*store.Device{testJID.String(): {}}}
	c := connect(t, newTestFactory(t, cli, cont), recordFor(t, testJID))

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() failed: %v", err)
	}
	waitDone(t, c)
	cr, ok := <-c.CredentialUpdates()
	if !ok || !cr.IsZero() {
		t.Fatalf("want wiped credentials, got %v %v", cr, ok)
	}
	if err := c.Logout(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Logout() = %v, want ErrClosed", err)
	}
}

func TestLogoutFailureStillEnds(t *testing.T) {
	cli := newFakeClient()
	cli.logoutErr = errors.New("iq timeout")
	cont := &fakeContainer{devices: map[string]*store.Device{testJID.String(): {}}}
	c := connect(t, newTestFactory(t, cli, cont), recordFor(t, testJID))

	if err := c.Logout(context.Background()); err == nil {
		t.Fatalf("expected logout error")
	}
	waitDone(t, c)
	for cr := range c.CredentialUpdates() {
		if cr.IsZero() {
			t.Fatalf("failed logout must keep credentials")
		}
	}
	if _, disconnects, _ := cli.stats(); disconnects == 0 {
		t.Fatalf("failed logout should still disconnect")
	}
}

func TestLatestVersionCaching(t *testing.T) {
	f := newTestFactory(t, newFakeClient(), nil)
	now := time.Unix(1700000000, 0)
	f.now = func() time.Time { return now }

	calls := 0
	var fetchErr error
	f.fetchVersion = func(ctx context.Context, hc *http.Client) (*store.WAVersionContainer, error) {
		calls++
		if fetchErr != nil {
			return nil, fetchErr
		}
		return &store.WAVersionContainer{2, 3000, uint32(calls)}, nil
	}

	v, err := f.LatestVersion(context.Background())
	if err != nil || v != (protocol.Version{Major: 2, Minor: 3000, Patch: 1}) {
		t.Fatalf("LatestVersion() = %v, %v", v, err)
	}
	if _, _ = f.LatestVersion(context.Background()); calls != 1 {
		t.Fatalf("cached version should be reused, calls=%d", calls)
	}

	now = now.Add(2 * defaultVersionTTL)
	fetchErr = errors.New("offline")
	v, err = f.LatestVersion(context.Background())
	if err != nil || v.Patch != 1 {
		t.Fatalf("failed refresh should serve the stale version, got %v, %v", v, err)
	}

	empty := newTestFactory(t, newFakeClient(), nil)
	empty.fetchVersion = f.fetchVersion
	if _, err := empty.LatestVersion(context.Background()); err == nil {
		t.Fatalf("expected error with nothing cached")
	}
}

func TestDeviceLabel(t *testing.T) {
	if got := parseVersion("1.2"); got != [3]uint32{1, 2, 0} {
		t.Fatalf("parseVersion(1.2) = %v", got)
	}
	if got := parseVersion("x.7.9"); got != [3]uint32{0, 7, 9} {
		t.Fatalf("parseVersion(x.7.9) = %v", got)
	}
	cases := map[string]string{"Chrome": "CHROME", "firefox": "FIREFOX", "Lynx": "UNKNOWN"}
	for in, want := range cases {
		if got := platformType(in).String(); got != want {
			t.Errorf("platformType(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestOpenCreatesDeviceStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "devices.db")
	f, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer f.Close()

	dev, jid, err := f.device(context.Background(), recordFor(t, testJID))
	if err != nil {
		t.Fatalf("device() failed: %v", err)
	}
	if dev == nil || !jid.IsEmpty() {
		t.Fatalf("unknown jid should yield a fresh device, got %v %v", dev, jid)
	}

	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
