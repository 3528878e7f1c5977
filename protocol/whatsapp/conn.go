package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/ggoodman/wa-gateway-go/authstate"
	"github.com/ggoodman/wa-gateway-go/protocol"
)

// Conn is a whatsmeow-backed protocol.Conn. A single goroutine owns both
// outgoing streams; whatsmeow callbacks feed it through events.
type Conn struct {
	cli client
	log *slog.Logger

	// jid is only touched by run.
	jid types.JID

	mu       sync.RWMutex
	identity string

	updates     chan protocol.ConnectionUpdate
	credUpdates chan *authstate.Credentials
	events      chan any

	stopOnce   sync.Once
	stopReason stopReason
	stop       chan struct{}
	done       chan struct{}
	cancel     context.CancelFunc
}

type stopReason int

const (
	stopClose stopReason = iota
	stopLogout
)

func (c *Conn) ConnectionUpdates() <-chan protocol.ConnectionUpdate { return c.updates }

func (c *Conn) CredentialUpdates() <-chan *authstate.Credentials { return c.credUpdates }

func (c *Conn) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Logout unlinks the device. When the platform refuses, the connection is
// still torn down and the error returned; the stored device stays intact.
func (c *Conn) Logout(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	err := c.cli.Logout(ctx)
	reason := stopLogout
	if err != nil {
		c.cli.Disconnect()
		reason = stopClose
	}
	c.requestStop(reason)
	select {
	case <-c.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (c *Conn) Close() error {
	c.cli.Disconnect()
	c.requestStop(stopClose)
	<-c.done
	return nil
}

// Done is closed once the connection has fully ended.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) requestStop(reason stopReason) {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopReason = reason
		c.mu.Unlock()
		close(c.stop)
	})
}

// handleEvent is registered with whatsmeow. It blocks the dispatching
// goroutine only until run picks the event up.
func (c *Conn) handleEvent(evt any) {
	select {
	case c.events <- evt:
	case <-c.stop:
	}
}

func (c *Conn) run(qr <-chan whatsmeow.QRChannelItem) {
	defer close(c.done)
	defer close(c.credUpdates)
	defer close(c.updates)
	defer c.cancel()

	for {
		select {
		case <-c.stop:
			c.finish(nil)
			return

		case item, ok := <-qr:
			if !ok {
				qr = nil
				continue
			}
			if !c.handleQR(item) {
				return
			}

		case evt := <-c.events:
			if !c.handle(evt) {
				return
			}
		}
	}
}

// handleQR reports whether the connection continues.
func (c *Conn) handleQR(item whatsmeow.QRChannelItem) bool {
	switch item.Event {
	case whatsmeow.QRChannelEventCode:
		c.log.Debug("whatsapp.pairing_code", slog.Duration("valid_for", item.Timeout))
		return c.sendUpdate(protocol.ConnectionUpdate{PairingCode: item.Code})
	case whatsmeow.QRChannelSuccess.Event:
		c.log.Info("whatsapp.pair.ok")
		return true
	}
	err := item.Error
	if err == nil {
		err = fmt.Errorf("whatsapp: pairing ended: %s", item.Event)
	}
	c.log.Warn("whatsapp.pair.fail", slog.String("err", err.Error()))
	c.end(err)
	return false
}

// handle maps one whatsmeow event and reports whether the connection
// continues.
func (c *Conn) handle(evt any) bool {
	switch v := evt.(type) {
	case *events.PairSuccess:
		c.jid = v.ID
		return c.sendCreds()

	case *events.Connected:
		if c.jid.IsEmpty() {
			c.log.Warn("whatsapp.connected.no_jid")
		}
		c.setIdentity(c.jid.User)
		c.log.Info("whatsapp.connected")
		return c.sendUpdate(protocol.ConnectionUpdate{State: protocol.StateOpen})

	case *events.Disconnected:
		c.setIdentity("")
		c.log.Info("whatsapp.disconnected")
		return c.sendUpdate(protocol.ConnectionUpdate{State: protocol.StateClosed})

	case *events.LoggedOut:
		c.log.Warn("whatsapp.logged_out", slog.String("reason", v.Reason.String()))
		c.wipe()
		c.end(fmt.Errorf("%w: %s", ErrLoggedOut, v.Reason))
		return false

	case *events.StreamReplaced:
		c.end(ErrStreamReplaced)
		return false

	case *events.TemporaryBan:
		c.end(fmt.Errorf("whatsapp: temporary ban: %s", v.String()))
		return false

	case *events.ConnectFailure:
		c.end(fmt.Errorf("whatsapp: connect failure: %s %s", v.Reason, v.Message))
		return false

	case *events.ClientOutdated:
		c.end(ErrClientOutdated)
		return false
	}
	return true
}

// end disconnects after a terminal event and emits the closing update.
func (c *Conn) end(err error) {
	c.cli.Disconnect()
	c.requestStop(stopClose)
	c.finish(err)
}

// finish emits the terminal events without blocking; both channels are
// buffered and closed right after.
func (c *Conn) finish(err error) {
	c.setIdentity("")
	c.mu.RLock()
	reason := c.stopReason
	c.mu.RUnlock()

	if reason == stopLogout {
		c.wipe()
	}
	select {
	case c.updates <- protocol.ConnectionUpdate{State: protocol.StateClosed, Err: err}:
	default:
	}
}

// wipe announces that the device's credentials are gone.
func (c *Conn) wipe() {
	select {
	case c.credUpdates <- &authstate.Credentials{UpdatedAt: time.Now()}:
	default:
	}
}

func (c *Conn) setIdentity(id string) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

func (c *Conn) sendUpdate(u protocol.ConnectionUpdate) bool {
	select {
	case c.updates <- u:
		return true
	case <-c.stop:
		c.finish(nil)
		return false
	}
}

func (c *Conn) sendCreds() bool {
	raw, err := json.Marshal(deviceRecord{JID: c.jid.String()})
	if err != nil {
		return true
	}
	select {
	case c.credUpdates <- &authstate.Credentials{Data: raw, UpdatedAt: time.Now()}:
		return true
	case <-c.stop:
		c.finish(nil)
		return false
	}
}

// logAdapter forwards whatsmeow's printf-style logging to slog.
type logAdapter struct {
	log *slog.Logger
}

func newLogAdapter(l *slog.Logger, module string) waLog.Logger {
	return logAdapter{log: l.With(slog.String("module", module))}
}

func (a logAdapter) Errorf(msg string, args ...any) { a.log.Error(fmt.Sprintf(msg, args...)) }
func (a logAdapter) Warnf(msg string, args ...any)  { a.log.Warn(fmt.Sprintf(msg, args...)) }
func (a logAdapter) Infof(msg string, args ...any)  { a.log.Info(fmt.Sprintf(msg, args...)) }
func (a logAdapter) Debugf(msg string, args ...any) { a.log.Debug(fmt.Sprintf(msg, args...)) }

func (a logAdapter) Sub(module string) waLog.Logger {
	return logAdapter{log: a.log.With(slog.String("sub", module))}
}
