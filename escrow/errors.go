package escrow

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound covers unknown ids and sessions past their expiry.
var ErrSessionNotFound = errors.New("escrow: session not found")

// AuthError rejects an actor that lacks the role an operation requires.
// The session is never touched when one is returned.
type AuthError struct {
	Op     string
	Pubkey string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("escrow: %s not authorized for %s", e.Pubkey, e.Op)
}

// PhaseError rejects an operation invoked outside its legal source phases.
type PhaseError struct {
	Current   Phase
	Attempted string
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("escrow: invalid phase transition (%s -> %s)", e.Current, e.Attempted)
}

// ValidationError rejects malformed input before any wallet call is made.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "escrow: " + e.Reason
}

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotReadyError rejects a coordinator advance while participants are still
// pending for the current round.
type NotReadyError struct {
	Op      string
	Pending []string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("escrow: participants still pending %s info (%d outstanding)", e.Op, len(e.Pending))
}
