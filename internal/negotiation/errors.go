package negotiation

import (
	"errors"
	"fmt"
)

// Kind classifies errors by how callers must react to them.
type Kind string

const (
	// KindValidation errors are reported to the sender only and never broadcast.
	KindValidation Kind = "validation"
	// KindState errors reject an action that is illegal in the current state.
	KindState Kind = "state"
	// KindTransport errors are recoverable through replay.
	KindTransport Kind = "transport"
	// KindExternal errors come from the AI collaborator.
	KindExternal Kind = "external"
)

// Error is a classified negotiation error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors with the same code so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func sentinel(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

var (
	ErrInvalidEvent   = sentinel(KindValidation, "invalid_event")
	ErrInvalidMessage = sentinel(KindValidation, "invalid_message")
	ErrUnknownSection = sentinel(KindValidation, "unknown_section")
	ErrUnknownParty   = sentinel(KindValidation, "unknown_party")
	ErrStaleProposal  = sentinel(KindValidation, "stale_proposal")
	ErrDuplicateEvent = sentinel(KindValidation, "duplicate_event")
	ErrSeatTaken      = sentinel(KindValidation, "seat_taken")
	ErrAlreadySigned  = sentinel(KindValidation, "already_signed")
	ErrCrossSection   = sentinel(KindValidation, "cross_section_turn")

	ErrSectionNotActive   = sentinel(KindState, "section_not_active")
	ErrSessionClosed      = sentinel(KindState, "session_closed")
	ErrPartyMissing       = sentinel(KindState, "party_missing")
	ErrOutOfRange         = sentinel(KindState, "out_of_range")
	ErrAlreadyInitialized = sentinel(KindState, "already_initialized")
	ErrNotInitialized     = sentinel(KindState, "not_initialized")
	ErrBoundElsewhere     = sentinel(KindState, "bound_elsewhere")
	ErrNotCompleting      = sentinel(KindState, "not_completing")

	ErrTransport     = sentinel(KindTransport, "transport_error")
	ErrPersistence   = sentinel(KindTransport, "persistence_error")
	ErrAIUnavailable = sentinel(KindExternal, "ai_unavailable")
)

// newError derives a detailed error from a sentinel.
func newError(base *Error, format string, args ...any) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: fmt.Sprintf(format, args...)}
}

// wrapError attaches a cause to a sentinel.
func wrapError(base *Error, err error, format string, args ...any) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or "" if it is not a negotiation error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the machine-readable code of err, or "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}
