package core

import (
	"fmt"

	"pkt.systems/cursorwin/schema"
)

// RemoteErrorKind classifies failures of a remote cursor transport.
type RemoteErrorKind string

const (
	// RemoteErrorUnknown is an uncategorized remote failure.
	RemoteErrorUnknown RemoteErrorKind = "unknown"
	// RemoteErrorUnavailable indicates the cursor server is unreachable.
	RemoteErrorUnavailable RemoteErrorKind = "unavailable"
	// RemoteErrorTimeout indicates the call timed out.
	RemoteErrorTimeout RemoteErrorKind = "timeout"
	// RemoteErrorCanceled indicates the call was canceled.
	RemoteErrorCanceled RemoteErrorKind = "canceled"
	// RemoteErrorSessionNotFound indicates the server no longer knows the session.
	RemoteErrorSessionNotFound RemoteErrorKind = "session_not_found"
	// RemoteErrorSourceNotFound indicates the server has no such source.
	RemoteErrorSourceNotFound RemoteErrorKind = "source_not_found"
	// RemoteErrorInvalidArgument indicates the server rejected the request.
	RemoteErrorInvalidArgument RemoteErrorKind = "invalid_argument"
	// RemoteErrorCursor indicates the server-side cursor reported a failure.
	RemoteErrorCursor RemoteErrorKind = "cursor"
)

// RemoteError wraps remote cursor failures with a stable classification.
type RemoteError struct {
	Kind    RemoteErrorKind
	Op      string
	Message string
	Err     error
}

// NewRemoteError constructs a classified remote error.
func NewRemoteError(kind RemoteErrorKind, op string, err error) *RemoteError {
	return &RemoteError{Kind: kind, Op: op, Err: err}
}

func (e *RemoteError) Error() string {
	if e == nil {
		return "remote cursor error"
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("remote cursor %s failed", e.Op)
	}
	return "remote cursor error"
}

func (e *RemoteError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the schema sentinels for session and source lookups.
func (e *RemoteError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case RemoteErrorSessionNotFound:
		return target == schema.ErrSessionNotFound
	case RemoteErrorSourceNotFound:
		return target == schema.ErrSourceNotFound
	}
	return false
}
