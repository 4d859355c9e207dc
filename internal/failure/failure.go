// Package failure is the error taxonomy shared by the chat and quotes
// clients. Callers branch on Kind instead of inspecting error text.
package failure

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Timeout           Kind = "timeout"
	NetworkFailure    Kind = "network_failure"
	MalformedResponse Kind = "malformed_response"
	Unauthorized      Kind = "unauthorized"
	QuotaExceeded     Kind = "quota_exceeded"
	ValidationFailure Kind = "validation_failure"
	ServerError       Kind = "server_error"
)

// Op names the operation that failed.
type Op string

const (
	OpChat   Op = "chat"
	OpCommit Op = "commit"
)

type Error struct {
	Kind   Kind
	Op     Op
	Status int    // HTTP status when the upstream answered
	Detail string // user-facing detail for validation failures
	Err    error
}

func New(op Op, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func Validation(op Op, detail string) *Error {
	return &Error{Op: op, Kind: ValidationFailure, Detail: detail}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the user may simply resend or resave.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case Timeout, NetworkFailure, ServerError:
		return true
	default:
		return false
	}
}

// UserMessage is the human-readable notice shown for this failure.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case Timeout:
		if e.Op == OpCommit {
			return "Saving the quote timed out. Your draft is still here, please try again."
		}
		return "The assistant took too long to respond. Please try again."
	case NetworkFailure:
		return "Network error. Please check your connection and try again."
	case MalformedResponse:
		if e.Op == OpCommit {
			return "The quote service returned an invalid response. It may still be initializing; please try again in a moment."
		}
		return "Received a malformed response from the assistant. Please try again."
	case Unauthorized:
		return "Authorization failed. Please sign in again."
	case QuotaExceeded:
		return "You've reached the quote limit for your plan. Upgrade to keep creating quotes."
	case ValidationFailure:
		if e.Detail != "" {
			return e.Detail
		}
		return "The request is incomplete."
	default:
		return "The server encountered an error. Please try again."
	}
}

// KindOf returns the Kind carried by err, or "" when err is not a *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Message returns the user message for err, falling back to a generic one.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.UserMessage()
	}
	return "Something went wrong. Please try again."
}
