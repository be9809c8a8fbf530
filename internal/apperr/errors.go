package apperr

import (
	"errors"
	"fmt"
)

// Kind discriminates failures surfaced by the core.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindIllegalState
	KindStaleState
	KindDuplicate
	KindChainTransient
	KindChainPermanent
	KindAuthorization
)

var kindNames = map[Kind]string{
	KindUnknown:        "internal",
	KindValidation:     "validation",
	KindNotFound:       "not_found",
	KindIllegalState:   "illegal_state",
	KindStaleState:     "stale_state",
	KindDuplicate:      "duplicate",
	KindChainTransient: "chain_transient",
	KindChainPermanent: "chain_permanent",
	KindAuthorization:  "authorization",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "internal"
}

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error   { return newf(KindValidation, format, args...) }
func NotFound(format string, args ...any) *Error     { return newf(KindNotFound, format, args...) }
func IllegalState(format string, args ...any) *Error { return newf(KindIllegalState, format, args...) }
func StaleState(format string, args ...any) *Error   { return newf(KindStaleState, format, args...) }
func Duplicate(format string, args ...any) *Error    { return newf(KindDuplicate, format, args...) }
func Authorization(format string, args ...any) *Error {
	return newf(KindAuthorization, format, args...)
}

// ChainTransient wraps an upstream chain failure that is safe to retry on a later tick.
func ChainTransient(err error, format string, args ...any) *Error {
	e := newf(KindChainTransient, format, args...)
	e.Err = err
	return e
}

// ChainPermanent wraps a rejected broadcast; it needs an operator.
func ChainPermanent(err error, format string, args ...any) *Error {
	e := newf(KindChainPermanent, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the user-facing message of the first *Error in err's chain.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
