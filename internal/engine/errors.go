package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned by engine operations once Run has returned.
	ErrStopped = errors.New("engine stopped")

	// ErrStaleEvent means a progress event did not belong to the active
	// scanning session and was discarded.
	ErrStaleEvent = errors.New("event does not match the active scan")

	// ErrIndexOutOfRange is returned when removing a ledger position that no
	// longer exists.
	ErrIndexOutOfRange = errors.New("ledger index out of range")

	// ErrActionNotFound is returned when removing an unknown action ID.
	ErrActionNotFound = errors.New("staged action not found")

	// ErrActionInFlight is returned when removing an action that is part of
	// an outstanding commit batch.
	ErrActionInFlight = errors.New("staged action is being committed")

	// ErrCommitInFlight is returned when a commit is requested while another
	// batch is still outstanding.
	ErrCommitInFlight = errors.New("a commit is already in flight")

	// ErrInvalidAction is returned by AddAction for unusable input.
	ErrInvalidAction = errors.New("invalid staged action")
)

// ParseError reports a backend payload that could not be decoded.
type ParseError struct {
	Kind    EventKind
	Payload string
	Err     error
}

func (e *ParseError) Error() string {
	payload := e.Payload
	if len(payload) > 64 {
		payload = payload[:64] + "..."
	}
	return fmt.Sprintf("malformed %s payload %q: %v", e.Kind, payload, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
