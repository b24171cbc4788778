package gateway

import (
	"errors"
	"fmt"
)

// Wire codes carried by private error events.
const (
	CodeForbidden         = "forbidden"
	CodePersistenceFailed = "persistence_failed"
	CodeAlreadyReacted    = "already_reacted"
	CodeNotFound          = "not_found"
	CodeRateLimited       = "rate_limited"
	CodeUnknownEvent      = "unknown_event"
	CodeUnsupportedEvent  = "unsupported_event"
	CodeInvalidEvent      = "invalid_event"
	CodeUnavailable       = "unavailable"
)

var (
	// ErrUnauthenticated means the credential was missing, malformed, forged or expired.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden means the identity may not join or act in the scope.
	ErrForbidden = errors.New("forbidden")

	// ErrUnavailable means an authorization lookup failed, so no verdict could be reached.
	ErrUnavailable = errors.New("authorization unavailable")

	errSessionClosed = errors.New("session closed")
)

// EventError rejects a single inbound event with a wire code. The connection
// stays open.
type EventError struct {
	Code   string
	Detail string
	Err    error
}

func (e *EventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Err)
	}
	if e.Detail != "" {
		return e.Code + ": " + e.Detail
	}
	return e.Code
}

func (e *EventError) Unwrap() error {
	return e.Err
}

func eventErr(code, detail string) *EventError {
	return &EventError{Code: code, Detail: detail}
}

func wrapEventErr(code, detail string, err error) *EventError {
	return &EventError{Code: code, Detail: detail, Err: err}
}
