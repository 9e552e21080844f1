package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the engine and its collaborators.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrTransient indicates a network or store hiccup that is safe to retry.
	ErrTransient = errors.New("transient network error")

	// ErrValidation indicates input that was rejected locally and never sent.
	ErrValidation = errors.New("validation error")

	// ErrAuthExpired indicates the session credentials are no longer accepted.
	// Sends stay blocked until the caller re-authenticates.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrConflict indicates a duplicate id or correlation id was observed.
	ErrConflict = errors.New("reconciliation conflict")

	// ErrAssignment indicates no agent could be assigned.
	ErrAssignment = errors.New("no agent available")

	// ErrTicketClosed indicates a transition attempted on a closed ticket.
	ErrTicketClosed = errors.New("ticket closed")

	// ErrNotFound indicates the requested ticket or message does not exist.
	ErrNotFound = errors.New("not found")
)

// SendError is returned when a message could not be persisted. Draft holds
// the compose-box content so the caller can restore it.
type SendError struct {
	CorrelationID string
	Draft         string
	Attachment    *Attachment
	Err           error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.CorrelationID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the user can retry the send as-is.
func (e *SendError) Retryable() bool {
	return !errors.Is(e.Err, ErrValidation) && !errors.Is(e.Err, ErrAuthExpired) && !errors.Is(e.Err, ErrTicketClosed)
}

// UserFacing reports whether err should be surfaced to the UI layer.
// Conflicts, transient errors and assignment failures are recovered locally.
func UserFacing(err error) bool {
	if err == nil {
		return false
	}
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return true
	}
	return errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrValidation) || errors.Is(err, ErrTicketClosed)
}
