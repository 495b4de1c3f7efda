package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes errors surfaced by the scheduler and its interfaces.
type Kind string

const (
	// KindValidation marks a bad intent payload. Never stored.
	KindValidation Kind = "VALIDATION"

	// KindStoreUnavailable marks a transient backing store failure.
	KindStoreUnavailable Kind = "STORE_UNAVAILABLE"

	// KindConflict marks a lost compare-and-swap.
	KindConflict Kind = "CONFLICT"

	// KindInvalidClass marks a travel class the resolver cannot map.
	KindInvalidClass Kind = "INVALID_CLASS"

	// KindExternalUnavailable marks an exhausted external booking endpoint.
	KindExternalUnavailable Kind = "EXTERNAL_UNAVAILABLE"

	// KindAlreadyAttempting rejects cancellation once an attempt has begun.
	KindAlreadyAttempting Kind = "ALREADY_ATTEMPTING"

	// KindNotFound marks a missing intent, or one owned by someone else.
	KindNotFound Kind = "NOT_FOUND"
)

// Error carries a Kind plus enough context to report it.
type Error struct {
	Kind     Kind
	Message  string
	IntentID string

	// Fields lists per-field problems for KindValidation.
	Fields []string

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if len(e.Fields) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(e.Fields, "; "))
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.IntentID != "" {
		return fmt.Sprintf("%s: %s (intent=%s)", e.Kind, msg, e.IntentID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

func NewValidationError(fields ...string) *Error {
	return &Error{Kind: KindValidation, Message: "invalid booking intent", Fields: fields}
}

func NewConflict(id string, from State) *Error {
	return &Error{
		Kind:     KindConflict,
		Message:  fmt.Sprintf("state is no longer %s", from),
		IntentID: id,
	}
}

func NewNotFound(id string) *Error {
	return &Error{Kind: KindNotFound, Message: "intent not found", IntentID: id}
}

func NewStoreUnavailable(op string, err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Message: op, Err: err}
}

func NewInvalidClass(class string) *Error {
	return &Error{Kind: KindInvalidClass, Message: fmt.Sprintf("unknown travel class %q", class)}
}

func NewAlreadyAttempting(id string, s State) *Error {
	return &Error{
		Kind:     KindAlreadyAttempting,
		Message:  fmt.Sprintf("intent is %s", s),
		IntentID: id,
	}
}

// ErrIllegalTransition is returned by stores for edges outside the state machine
// or mutators that touch fields they may not.
var ErrIllegalTransition = errors.New("illegal intent transition")
