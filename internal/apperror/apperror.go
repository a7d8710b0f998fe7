// Package apperror provides the typed failure taxonomy shared by the workflow
// services. Every service operation returns either data or an *Error whose
// Kind the caller can branch on.
package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies a failure
type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindNotFound        Kind = "not_found"
	KindValidation      Kind = "validation"
	KindConflict        Kind = "conflict"
	KindExpired         Kind = "expired"
	KindProvider        Kind = "provider"
	KindInternal        Kind = "internal"
)

// Error is a classified failure with operation context
type Error struct {
	Kind    Kind
	Op      string
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s)", msg, e.Err.Error())
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, apperror.ErrNotFound) works
// for any not-found failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Kind == e.Kind
}

// Kind sentinels for errors.Is
var (
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrExpired         = &Error{Kind: KindExpired}
	ErrProvider        = &Error{Kind: KindProvider}
)

func Unauthenticated(op string) *Error {
	return &Error{Kind: KindUnauthenticated, Op: op, Message: "authentication required"}
}

// NotFound never says whether the entity exists outside the caller's scope.
func NotFound(op, entity string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: entity + " not found"}
}

func Validation(op, field, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Field: field, Message: message}
}

func Conflict(op, message string) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: message}
}

func Expired(op, message string) *Error {
	return &Error{Kind: KindExpired, Op: op, Message: message}
}

func Provider(op string, err error) *Error {
	return &Error{Kind: KindProvider, Op: op, Message: "external provider failure", Err: err}
}

func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Message: "internal error", Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
