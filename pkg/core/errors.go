package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// The rollover components never surface raw platform errors. Every failure
// is classified as exactly one of the kinds below so the orchestrator can
// decide between retrying, aborting before the switch and aborting after it.

type transientError struct {
	reason string
}

func (e *transientError) Error() string {
	return e.reason
}

// NewTransientError marks a platform or network failure that is safe to
// retry with backoff.
func NewTransientError(format string, args ...interface{}) error {
	return &transientError{reason: fmt.Sprintf(format, args...)}
}

func IsTransientError(err error) bool {
	switch errors.Cause(err).(type) {
	case *transientError:
		return true
	default:
		return false
	}
}

type invalidRequestError struct {
	reason string
}

func (e *invalidRequestError) Error() string {
	return e.reason
}

// NewInvalidRequestError marks a malformed request or spec. Fatal, never
// retried.
func NewInvalidRequestError(format string, args ...interface{}) error {
	return &invalidRequestError{reason: fmt.Sprintf(format, args...)}
}

func IsInvalidRequestError(err error) bool {
	switch errors.Cause(err).(type) {
	case *invalidRequestError:
		return true
	default:
		return false
	}
}

type healthGateError struct {
	reason string
}

func (e *healthGateError) Error() string {
	return e.reason
}

// NewHealthGateError marks a candidate that never became healthy within the
// health-check budget. The candidate is left running for inspection and
// traffic stays untouched.
func NewHealthGateError(format string, args ...interface{}) error {
	return &healthGateError{reason: fmt.Sprintf(format, args...)}
}

func IsHealthGateError(err error) bool {
	switch errors.Cause(err).(type) {
	case *healthGateError:
		return true
	default:
		return false
	}
}

type concurrentModificationError struct {
	reason string
}

func (e *concurrentModificationError) Error() string {
	return e.reason
}

// NewConcurrentModificationError marks a router write that lost against
// another writer. The caller must re-evaluate its intent before retrying.
func NewConcurrentModificationError(format string, args ...interface{}) error {
	return &concurrentModificationError{reason: fmt.Sprintf(format, args...)}
}

func IsConcurrentModificationError(err error) bool {
	switch errors.Cause(err).(type) {
	case *concurrentModificationError:
		return true
	default:
		return false
	}
}

type cancelledError struct {
	reason string
}

func (e *cancelledError) Error() string {
	return e.reason
}

// NewCancelledError marks a caller-initiated abort of the current blocking
// step.
func NewCancelledError(format string, args ...interface{}) error {
	return &cancelledError{reason: fmt.Sprintf(format, args...)}
}

func IsCancelledError(err error) bool {
	switch errors.Cause(err).(type) {
	case *cancelledError:
		return true
	default:
		return false
	}
}

// Stable labels for the error kinds, used in results, events and metrics.
const (
	ReasonTransient              = "transient"
	ReasonInvalidRequest         = "invalid-request"
	ReasonHealthGateFailed       = "health-gate-failed"
	ReasonConcurrentModification = "concurrent-modification"
	ReasonCancelled              = "cancelled"
	ReasonUnknown                = "unknown"
)

// ErrorReason returns the stable label for the error kind.
func ErrorReason(err error) string {
	switch {
	case err == nil:
		return ""
	case IsTransientError(err):
		return ReasonTransient
	case IsInvalidRequestError(err):
		return ReasonInvalidRequest
	case IsHealthGateError(err):
		return ReasonHealthGateFailed
	case IsConcurrentModificationError(err):
		return ReasonConcurrentModification
	case IsCancelledError(err):
		return ReasonCancelled
	default:
		return ReasonUnknown
	}
}
