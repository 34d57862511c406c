package deposit

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a watch or unwatch is attempted with no
	// live feed connection.
	ErrNotConnected = errors.New("deposit: feed not connected")

	// ErrTransferFailed wraps any submission or confirmation error from the
	// chain. The record stays non-completed so the sweep retries it.
	ErrTransferFailed = errors.New("deposit: transfer failed")

	ErrMalformedMessage = errors.New("deposit: malformed feed message")
	ErrRecordNotFound   = errors.New("deposit: record not found")

	ErrInvalidTransition = errors.New("deposit: invalid status transition")
	ErrAlreadyExists     = errors.New("deposit: record already exists")
)

// TransitionError describes a rejected status write.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("deposit %s: %s -> %s not allowed", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
