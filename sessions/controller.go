package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/wa-gateway-go/authstate"
	"github.com/ggoodman/wa-gateway-go/internal/logctx"
	"github.com/ggoodman/wa-gateway-go/internal/qrdata"
	"github.com/ggoodman/wa-gateway-go/protocol"
	"github.com/google/uuid"
)

const (
	DefaultTimeout       = 20 * time.Second
	DefaultLogoutTimeout = 10 * time.Second
	defaultSaveTimeout   = 10 * time.Second
)

// PairingEncoder renders a raw pairing payload into something a user can
// display, typically an image data URL.
type PairingEncoder interface {
	Encode(ctx context.Context, payload string) (string, error)
}

// StartResult describes a successful StartSession.
type StartResult struct {
	AttemptID string
	Outcome   Outcome
	// DataURL is the rendered pairing code for OutcomePairingCode.
	DataURL string
	// Phone is the account identity for OutcomeConnected, when the
	// connection already knows it.
	Phone string
}

// Status is the answer to a status query.
type Status struct {
	Connected bool
	Phone     string
}

// Option configures a Controller.
type Option func(*Controller)

// WithRegistry shares an existing registry instead of creating a new one.
func WithRegistry(r *Registry) Option {
	return func(c *Controller) { c.registry = r }
}

// WithEncoder overrides how pairing codes are rendered.
func WithEncoder(e PairingEncoder) Option {
	return func(c *Controller) { c.encoder = e }
}

// WithTimeout sets the pairing attempt deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

// WithLogoutTimeout bounds how long Logout waits on the connection.
func WithLogoutTimeout(d time.Duration) Option {
	return func(c *Controller) { c.logoutTimeout = d }
}

// WithPurgeOnLogout also deletes stored credentials when a user logs out.
func WithPurgeOnLogout(purge bool) Option {
	return func(c *Controller) { c.purgeOnLogout = purge }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// Controller runs session lifecycle operations against a Registry.
type Controller struct {
	store    authstate.Store
	factory  protocol.Factory
	registry *Registry
	encoder  PairingEncoder
	log      *slog.Logger

	timeout       time.Duration
	logoutTimeout time.Duration
	saveTimeout   time.Duration
	purgeOnLogout bool

	// wg tracks background goroutines so Close can wait for them.
	wg sync.WaitGroup

	// mu guards closed and orders registration against Close.
	mu     sync.Mutex
	closed bool
}

// NewController builds a Controller. store and factory are required.
func NewController(store authstate.Store, factory protocol.Factory, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("protocol factory is required")
	}

	c := &Controller{
		store:         store,
		factory:       factory,
		timeout:       DefaultTimeout,
		logoutTimeout: DefaultLogoutTimeout,
		saveTimeout:   defaultSaveTimeout,
		log:           slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", c.timeout)
	}
	if c.logoutTimeout <= 0 {
		c.logoutTimeout = DefaultLogoutTimeout
	}
	if c.registry == nil {
		c.registry = NewRegistry()
	}
	if c.encoder == nil {
		c.encoder = qrdata.New(qrdata.DefaultSize)
	}
	c.log = slog.New(logctx.Handler{Handler: c.log.Handler()})

	return c, nil
}

// Registry exposes the registry the controller maintains.
func (c *Controller) Registry() *Registry { return c.registry }

// StartSession creates a connection for userID and waits for the first of a
// pairing code, an open connection, a closed connection or the deadline.
//
// Errors match ErrValidation, ErrDependencyUnavailable, ErrTimeout,
// ErrConnectionClosed or ErrInternal. The connection stays registered whatever
// the result.
func (c *Controller) StartSession(ctx context.Context, userID string) (*StartResult, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "userId", Reason: "missing userId"}
	}
	if err := authstate.ValidateUserID(userID); err != nil {
		return nil, &ValidationError{Field: "userId", Reason: "invalid userId"}
	}

	if c.isClosed() {
		return nil, errControllerClosed
	}

	start := time.Now()
	att := newAttempt(uuid.NewString(), userID, start.Add(c.timeout))
	sd := &logctx.SessionData{UserID: userID, AttemptID: att.ID}
	ctx = logctx.WithSessionData(ctx, sd)

	creds, err := c.store.Load(ctx, userID)
	if err != nil {
		c.log.ErrorContext(ctx, "session.creds.load.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: load credentials: %v", ErrDependencyUnavailable, err)
	}

	version, err := c.factory.LatestVersion(ctx)
	if err != nil {
		c.log.ErrorContext(ctx, "session.version.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: negotiate version: %v", ErrDependencyUnavailable, err)
	}

	conn, err := c.factory.NewConnection(ctx, creds, version)
	if err != nil {
		c.log.ErrorContext(ctx, "session.connect.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: create connection: %v", ErrDependencyUnavailable, err)
	}

	sess := &Session{
		UserID:    userID,
		Conn:      conn,
		AttemptID: att.ID,
		CreatedAt: start,
		credsDone: make(chan struct{}),
	}
	if !c.register(sess) {
		_ = conn.Close()
		c.log.WarnContext(ctx, "session.start.closed")
		return nil, errControllerClosed
	}
	c.log.InfoContext(ctx, "session.registered", slog.String("version", version.String()), slog.Bool("had_credentials", !creds.IsZero()))

	res, err := c.race(ctx, att, sess)
	sd.Outcome = string(att.Outcome())
	if err != nil {
		c.log.WarnContext(ctx, "session.start.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return nil, err
	}
	c.log.InfoContext(ctx, "session.start.ok", slog.Duration("dur", time.Since(start)))
	return res, nil
}

var errControllerClosed = fmt.Errorf("%w: controller closed", ErrDependencyUnavailable)

// register publishes sess and starts its background work, unless Close has
// begun. A replaced connection is retired.
func (c *Controller) register(sess *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	prev := c.registry.Upsert(sess.UserID, sess)
	c.goBackground(func() { c.forwardCredentials(sess) })
	if prev != nil && prev.Conn != sess.Conn {
		c.goBackground(func() { c.retire(prev) })
	}
	return true
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// race consumes connection updates until one commits the attempt, the
// deadline fires, or ctx ends. Whatever remains on the stream afterwards is
// handed to observe.
func (c *Controller) race(ctx context.Context, att *Attempt, sess *Session) (*StartResult, error) {
	timer := time.NewTimer(time.Until(att.Deadline))
	defer timer.Stop()

	updates := sess.Conn.ConnectionUpdates()
	handoff := func() { c.goBackground(func() { c.observe(att, sess, updates) }) }

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				// The driver gave up without a closed event.
				att.Commit(OutcomeClosed)
				return nil, ErrConnectionClosed
			}
			o, terminal := outcomeFor(u)
			if !terminal {
				c.log.DebugContext(ctx, "session.attempt.update", slog.String("state", string(u.State)))
				continue
			}
			if !att.Commit(o) {
				continue
			}
			handoff()
			return c.respond(ctx, att, sess, u)

		case <-timer.C:
			if att.Commit(OutcomeTimedOut) {
				handoff()
				return nil, ErrTimeout
			}

		case <-ctx.Done():
			// The caller went away; the connection keeps running.
			handoff()
			return nil, ctx.Err()
		}
	}
}

// respond converts the committed update into the attempt's single result.
func (c *Controller) respond(ctx context.Context, att *Attempt, sess *Session, u protocol.ConnectionUpdate) (*StartResult, error) {
	switch att.Outcome() {
	case OutcomePairingCode:
		dataURL, err := c.encoder.Encode(ctx, u.PairingCode)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		return &StartResult{AttemptID: att.ID, Outcome: OutcomePairingCode, DataURL: dataURL}, nil
	case OutcomeConnected:
		return &StartResult{AttemptID: att.ID, Outcome: OutcomeConnected, Phone: sess.Identity()}, nil
	case OutcomeClosed:
		if u.Err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, u.Err)
		}
		return nil, ErrConnectionClosed
	}
	return nil, fmt.Errorf("%w: unexpected outcome %q", ErrInternal, att.Outcome())
}

// observe drains connection updates that arrive after the attempt resolved.
// They are logged and otherwise ignored.
func (c *Controller) observe(att *Attempt, sess *Session, updates <-chan protocol.ConnectionUpdate) {
	ctx := logctx.WithSessionData(context.Background(), &logctx.SessionData{
		UserID:    sess.UserID,
		AttemptID: att.ID,
		Outcome:   string(att.Outcome()),
	})
	for u := range updates {
		if o, terminal := outcomeFor(u); terminal && !att.Commit(o) {
			c.log.DebugContext(ctx, "session.attempt.late_event", slog.String("event", string(o)))
		}
		if u.State == protocol.StateClosed {
			c.log.InfoContext(ctx, "session.conn.closed")
		}
	}
}

// forwardCredentials persists every credential snapshot the connection
// produces until its stream closes. Snapshots from a connection that a newer
// StartSession replaced are dropped so they cannot overwrite fresher state.
func (c *Controller) forwardCredentials(sess *Session) {
	defer close(sess.credsDone)
	ctx := logctx.WithSessionData(context.Background(), &logctx.SessionData{UserID: sess.UserID, AttemptID: sess.AttemptID})

	for creds := range sess.Conn.CredentialUpdates() {
		if !c.registry.isCurrent(sess) {
			c.log.DebugContext(ctx, "session.creds.stale")
			continue
		}
		saveCtx, cancel := context.WithTimeout(ctx, c.saveTimeout)
		err := c.store.Save(saveCtx, sess.UserID, creds)
		cancel()
		if err != nil {
			c.log.ErrorContext(ctx, "session.creds.save.fail", slog.String("err", err.Error()))
			continue
		}
		c.log.DebugContext(ctx, "session.creds.save.ok")
	}
}

// retire disconnects a superseded connection. Close rather than Logout keeps
// the credential material the replacement connection was built from valid.
func (c *Controller) retire(prev *Session) {
	ctx := logctx.WithSessionData(context.Background(), &logctx.SessionData{UserID: prev.UserID, AttemptID: prev.AttemptID})
	if err := prev.Conn.Close(); err != nil {
		c.log.WarnContext(ctx, "session.superseded.close.fail", slog.String("err", err.Error()))
		return
	}
	c.log.InfoContext(ctx, "session.superseded")
}

// Status reports whether userID has a registered connection with a known
// identity. It never fails; unknown and empty ids are disconnected.
func (c *Controller) Status(userID string) Status {
	sess, ok := c.registry.Get(userID)
	if !ok {
		return Status{}
	}
	if phone := sess.Identity(); phone != "" {
		return Status{Connected: true, Phone: phone}
	}
	return Status{}
}

// Logout terminates userID's connection on a best-effort basis. A failing
// logout is logged, never returned, and the registry entry is removed either
// way.
func (c *Controller) Logout(ctx context.Context, userID string) {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{UserID: userID})

	sess, ok := c.registry.Get(userID)
	if ok {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.logoutTimeout)
		err := sess.Conn.Logout(lctx)
		cancel()
		if err != nil {
			c.log.WarnContext(ctx, "session.logout.fail", slog.String("err", err.Error()))
		} else {
			c.log.InfoContext(ctx, "session.logout.ok")
		}
	}
	c.registry.Remove(userID)

	if !c.purgeOnLogout || authstate.ValidateUserID(userID) != nil {
		return
	}
	if ok {
		// Let the wiped snapshot from the logout land before deleting, so it
		// cannot recreate what we are about to remove.
		select {
		case <-sess.credsDone:
		case <-time.After(c.logoutTimeout):
		}
	}
	if err := c.store.Delete(context.WithoutCancel(ctx), userID); err != nil {
		c.log.WarnContext(ctx, "session.creds.purge.fail", slog.String("err", err.Error()))
	}
}

// Close disconnects every registered connection without logging out, then
// waits for background work to drain. Credentials remain valid for the next
// process. StartSession calls that have not registered yet fail with
// ErrDependencyUnavailable.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	var errs []error
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, sess := range c.registry.Snapshot() {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			if err := sess.Conn.Close(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("close %s: %w", sess.UserID, err))
				mu.Unlock()
			}
		}(sess)
		c.registry.Remove(sess.UserID)
	}
	wg.Wait()
	c.wg.Wait()
	return errors.Join(errs...)
}

func (c *Controller) goBackground(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}
