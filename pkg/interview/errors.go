package interview

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound covers unknown and expired sessions.
	ErrNotFound = errors.New("interview session not found")
	// ErrFinalized is returned when appending to a finished or reported
	// session. It matches ErrNotFound under IsNotFound.
	ErrFinalized = errors.New("interview session already finalized")
	// ErrCaptureDenied means the microphone could not be opened.
	ErrCaptureDenied = errors.New("audio capture denied")
	// ErrTransportFailure wraps network and upstream engine failures.
	ErrTransportFailure = errors.New("transport failure")
	// ErrValidation rejects bad start parameters.
	ErrValidation = errors.New("validation failure")
	// ErrTurnInFlight rejects a second submission while one is running.
	ErrTurnInFlight = errors.New("a turn submission is already in flight")
	// ErrNotReportable is returned when a report is requested for a session
	// that is neither finished nor ended early.
	ErrNotReportable = errors.New("interview session is still running")
)

// ValidationError carries the user facing reason for a rejected start request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failure: " + e.Reason
	}
	return "validation failure: " + e.Field + ": " + e.Reason
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Is works through pkg/errors wrapping, which predates Unwrap on some paths.
func Is(err, target error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, target) {
		return true
	}
	return stderrors.Is(errors.Cause(err), target)
}

func IsNotFound(err error) bool {
	return Is(err, ErrNotFound) || Is(err, ErrFinalized)
}

func IsValidation(err error) bool { return Is(err, ErrValidation) }

func IsTransport(err error) bool { return Is(err, ErrTransportFailure) }

// TransportError marks err as a transport failure while keeping its message.
func TransportError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &transportError{msg: msg, err: err}
}

type transportError struct {
	msg string
	err error
}

func (e *transportError) Error() string { return e.msg + ": " + e.err.Error() }

func (e *transportError) Unwrap() []error { return []error{ErrTransportFailure, e.err} }
