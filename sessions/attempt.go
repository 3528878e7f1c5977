package sessions

import (
	"sync"
	"time"

	"github.com/ggoodman/wa-gateway-go/protocol"
)

// Outcome is the state of an Attempt. OutcomeIdle is the only non-terminal
// state.
type Outcome string

const (
	OutcomeIdle        Outcome = "idle"
	OutcomePairingCode Outcome = "qr"
	OutcomeConnected   Outcome = "connected"
	OutcomeClosed      Outcome = "closed"
	OutcomeTimedOut    Outcome = "timeout"
)

// Terminal reports whether o ends an attempt.
func (o Outcome) Terminal() bool { return o != OutcomeIdle && o != "" }

// Attempt is a single StartSession call. It moves from OutcomeIdle to exactly
// one terminal outcome; Commit ignores every later transition.
type Attempt struct {
	ID       string
	UserID   string
	Deadline time.Time

	mu      sync.Mutex
	outcome Outcome
}

func newAttempt(id, userID string, deadline time.Time) *Attempt {
	return &Attempt{ID: id, UserID: userID, Deadline: deadline, outcome: OutcomeIdle}
}

// Commit records o if the attempt is still idle and reports whether it did.
func (a *Attempt) Commit(o Outcome) bool {
	if !o.Terminal() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outcome.Terminal() {
		return false
	}
	a.outcome = o
	return true
}

func (a *Attempt) Outcome() Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outcome
}

func (a *Attempt) Resolved() bool { return a.Outcome().Terminal() }

// outcomeFor maps a connection update to the outcome it would commit. The
// second result is false for updates that do not resolve an attempt, such as
// the connecting state.
func outcomeFor(u protocol.ConnectionUpdate) (Outcome, bool) {
	if u.IsPairingCode() {
		return OutcomePairingCode, true
	}
	switch u.State {
	case protocol.StateOpen:
		return OutcomeConnected, true
	case protocol.StateClosed:
		return OutcomeClosed, true
	}
	return OutcomeIdle, false
}
