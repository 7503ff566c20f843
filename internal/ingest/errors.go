package ingest

import (
	"errors"
	"fmt"
)

// Kind classifies a save-cast failure.
type Kind int

const (
	// KindInvalidRequest is missing or malformed input.
	KindInvalidRequest Kind = iota + 1
	// KindConfiguration is a missing server-side credential.
	KindConfiguration
	// KindUpstream is a failed or malformed content API response.
	KindUpstream
	// KindConflict is a repeat save of the same cast by the same user.
	KindConflict
	// KindStorage is any database failure.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "InvalidRequest"
	case KindConfiguration:
		return "ConfigurationError"
	case KindUpstream:
		return "UpstreamError"
	case KindConflict:
		return "Conflict"
	case KindStorage:
		return "StorageError"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the error type returned by Service.SaveCast. Msg is safe to
// show to clients.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg == "" && e.Err != nil:
		return e.Err.Error()
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func invalid(msg string) *Error {
	return &Error{Kind: KindInvalidRequest, Msg: msg}
}
