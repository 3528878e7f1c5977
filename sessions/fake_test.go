package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/wa-gateway-go/authstate"
	"github.com/ggoodman/wa-gateway-go/authstate/memorystate"
	"github.com/ggoodman/wa-gateway-go/protocol"
)

// fakeConn is a scripted protocol.Conn. Tests push events with emit and
// emitCreds; both are dropped once the conn is finished.
type fakeConn struct {
	updates chan protocol.ConnectionUpdate
	creds   chan *authstate.Credentials

	mu        sync.Mutex
	identity  string
	finished  bool
	logouts   int
	closes    int
	logoutErr error
	initial   *authstate.Credentials
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		updates: make(chan protocol.ConnectionUpdate, 16),
		creds:   make(chan *authstate.Credentials, 16),
	}
}

func (c *fakeConn) ConnectionUpdates() <-chan protocol.ConnectionUpdate { return c.updates }
func (c *fakeConn) CredentialUpdates() <-chan *authstate.Credentials    { return c.creds }

func (c *fakeConn) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *fakeConn) setIdentity(id string) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

func (c *fakeConn) emit(u protocol.ConnectionUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finished {
		c.updates <- u
	}
}

func (c *fakeConn) emitCreds(creds *authstate.Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finished {
		c.creds <- creds
	}
}

func (c *fakeConn) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.finished = true
	c.identity = ""
	close(c.updates)
	close(c.creds)
}

func (c *fakeConn) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.logouts++
	err := c.logoutErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.emitCreds(&authstate.Credentials{})
	c.finish()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.finish()
	return nil
}

func (c *fakeConn) counts() (logouts, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logouts, c.closes
}

// fakeFactory hands out fakeConns and runs script on each before returning it.
type fakeFactory struct {
	script     func(*fakeConn)
	versionErr error
	connectErr error

	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeFactory) LatestVersion(ctx context.Context) (protocol.Version, error) {
	if f.versionErr != nil {
		return protocol.Version{}, f.versionErr
	}
	return protocol.Version{Major: 2, Minor: 3000, Patch: 1}, nil
}

func (f *fakeFactory) NewConnection(ctx context.Context, creds *authstate.Credentials, version protocol.Version) (protocol.Conn, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	conn := newFakeConn()
	conn.initial = creds
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	if f.script != nil {
		f.script(conn)
	}
	return conn, nil
}

func (f *fakeFactory) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

type fakeEncoder struct{ err error }

func (e fakeEncoder) Encode(ctx context.Context, payload string) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	return "data:" + payload, nil
}

type failingStore struct {
	authstate.Store
	loadErr error
}

func (s failingStore) Load(ctx context.Context, userID string) (*authstate.Credentials, error) {
	return nil, s.loadErr
}

// blockingStore holds Load until release is closed, signalling entered first.
type blockingStore struct {
	authstate.Store
	entered chan struct{}
	release chan struct{}
}

func (s blockingStore) Load(ctx context.Context, userID string) (*authstate.Credentials, error) {
	close(s.entered)
	<-s.release
	return s.Store.Load(ctx, userID)
}

var errBoom = errors.New("boom")

func newMemoryStore(t *testing.T) *memorystate.Store {
	t.Helper()
	s, err := memorystate.New(0)
	if err != nil {
		t.Fatalf("memorystate.New() failed: %v", err)
	}
	return s
}

func newTestController(t *testing.T, store authstate.Store, factory protocol.Factory, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{WithEncoder(fakeEncoder{})}, opts...)
	c, err := NewController(store, factory, opts...)
	if err != nil {
		t.Fatalf("NewController() failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// eventually polls cond until it holds or a second elapses.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
