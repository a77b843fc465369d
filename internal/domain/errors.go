package domain

import (
	"errors"
	"fmt"
)

// ErrKind classifies ledger failures for callers. Every error returned by a
// ledger operation carries exactly one kind.
type ErrKind string

const (
	KindValidation    ErrKind = "validation"
	KindNotFound      ErrKind = "not_found"
	KindStateConflict ErrKind = "state_conflict"
	KindAuthorization ErrKind = "authorization"
	KindTransfer      ErrKind = "transfer_failure"
)

// Error is a classified ledger error. Operations reject before mutating, so
// a returned Error always means the ledger is unchanged by the call.
type Error struct {
	Kind ErrKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a classified error, or empty for anything else.
func KindOf(err error) ErrKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindStateConflict, Msg: fmt.Sprintf(format, args...)}
}

func Unauthorizedf(format string, args ...any) error {
	return &Error{Kind: KindAuthorization, Msg: fmt.Sprintf(format, args...)}
}

// TransferFailed wraps a collaborator transfer error. The surrounding
// operation rolls back entirely, so the failure is never partially applied.
func TransferFailed(err error, format string, args ...any) error {
	return &Error{Kind: KindTransfer, Msg: fmt.Sprintf(format, args...), Err: err}
}
