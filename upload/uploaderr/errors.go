// Package uploaderr defines the error kinds reported by the resumable upload engine.
// Every error returned by the engine matches exactly one of the sentinels below via errors.Is.
package uploaderr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration is returned for bad part sizes, bad source files or bad inputs.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrNotFound is returned when no persisted upload state exists.
	ErrNotFound = errors.New("upload state not found")
	// ErrCorruptState is returned when the persisted upload state can't be parsed.
	ErrCorruptState = errors.New("corrupt upload state")
	// ErrStateMismatch is returned when the persisted state belongs to a different source file or destination.
	ErrStateMismatch = errors.New("upload state does not match source")
	// ErrTransientTransport marks retriable network failures.
	ErrTransientTransport = errors.New("transient transport error")
	// ErrRejected marks non-retriable remote rejections.
	ErrRejected = errors.New("rejected by remote")
	// ErrDestinationExpired is a rejection caused by an expired destination reference.
	// It also matches ErrRejected.
	ErrDestinationExpired = errors.New("destination reference expired")
	// ErrIncompleteUpload is returned when finalize is attempted with outstanding parts.
	ErrIncompleteUpload = errors.New("incomplete upload")
)

// TransportError is a retriable network level failure (timeout, connection reset, 5xx).
type TransportError struct {
	StatusCode int
	Err        error
}

// Transient wraps err as a TransportError. statusCode is 0 when no response was received.
func Transient(statusCode int, err error) error {
	return &TransportError{StatusCode: statusCode, Err: err}
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", ErrTransientTransport, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", ErrTransientTransport, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is ...
func (e *TransportError) Is(target error) bool {
	return target == ErrTransientTransport
}

// RejectedError is a non-retriable remote rejection.
type RejectedError struct {
	StatusCode int
	Message    string
	Expired    bool
}

// Rejected creates a RejectedError.
func Rejected(statusCode int, message string) error {
	return &RejectedError{StatusCode: statusCode, Message: message}
}

// Expired creates a RejectedError caused by an expired destination reference.
func Expired(statusCode int, message string) error {
	return &RejectedError{StatusCode: statusCode, Message: message, Expired: true}
}

func (e *RejectedError) Error() string {
	kind := ErrRejected
	if e.Expired {
		kind = ErrDestinationExpired
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", kind, e.Message)
}

// Is ...
func (e *RejectedError) Is(target error) bool {
	if target == ErrRejected {
		return true
	}
	return e.Expired && target == ErrDestinationExpired
}

// StepError adds the failing step and part to an error.
type StepError struct {
	Step       string
	PartNumber int
	Err        error
}

// AtStep wraps err with the step it happened at. partNumber is 0 for session level steps.
func AtStep(step string, partNumber int, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Step: step, PartNumber: partNumber, Err: err}
}

func (e *StepError) Error() string {
	if e.PartNumber > 0 {
		return fmt.Sprintf("%s (part %d): %v", e.Step, e.PartNumber, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// IsRetriable reports whether err is worth retrying locally.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransientTransport)
}

// Invalid returns an ErrInvalidConfiguration error with a formatted reason.
func Invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}
