package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a decision targets an unknown or already resolved id
	ErrNotFound = errors.New("not found")

	// ErrProtectedIdentity is returned when a sanction targets the root admin
	ErrProtectedIdentity = errors.New("identity is protected from sanctions")

	// ErrNotAuthenticated is returned for socket events sent before authenticate
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrAlreadyAuthenticated is returned when a socket tries to rebind its identity
	ErrAlreadyAuthenticated = errors.New("already authenticated")

	// ErrNotParticipant is returned when a user is not one of the conversation's participants
	ErrNotParticipant = errors.New("not a participant of this chat")

	// ErrTransport marks outbound delivery failures
	ErrTransport = errors.New("transport failure")
)

// PolicyError is a rejection by access control, rate limiting or input
// validation. Reason is safe to show to the caller.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return "rejected by policy: " + e.Reason
}

// Rejected builds a PolicyError
func Rejected(format string, args ...interface{}) error {
	return &PolicyError{Reason: fmt.Sprintf(format, args...)}
}

// BackendError wraps a content backend failure. Its detail is logged and never
// shown to the caller.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("content backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func backendErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Op: op, Err: err}
}

// Error kinds used as log fields and metric labels
const (
	KindPolicy    = "policy"
	KindNotFound  = "not_found"
	KindTransport = "transport"
	KindBackend   = "backend"
	KindFatal     = "fatal"
)

// ErrorKind classifies err into the moderation error taxonomy
func ErrorKind(err error) string {
	var pe *PolicyError
	var be *BackendError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe),
		errors.Is(err, ErrProtectedIdentity),
		errors.Is(err, ErrNotAuthenticated),
		errors.Is(err, ErrAlreadyAuthenticated),
		errors.Is(err, ErrNotParticipant):
		return KindPolicy
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.As(err, &be):
		return KindBackend
	default:
		return KindFatal
	}
}

// GenericFailureMessage is the only text callers see for backend, transport
// and internal failures
const GenericFailureMessage = "Something went wrong. Please try again later."
