package sessions

import "errors"

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrTimeout indicates the deadline elapsed before a pairing code or an
	// open/close transition arrived.
	ErrTimeout = errors.New("timeout waiting QR/connection")

	// ErrConnectionClosed indicates the connection closed before reaching a
	// usable state.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrDependencyUnavailable wraps failures of the credential store or the
	// protocol factory before a connection exists.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrInternal wraps unexpected failures while reacting to an event, such as
	// rendering the pairing code.
	ErrInternal = errors.New("internal failure")
)

// ValidationError describes a rejected input. Its message is safe to show to
// callers verbatim.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Is makes errors.Is(err, ErrValidation) hold for every ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
