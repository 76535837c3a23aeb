// Package apperr defines the error taxonomy shared by every signer-core
// component. Errors are classified by Kind rather than by Go type so that
// callers can branch on errors.Is against a small sentinel set instead of
// type-asserting across package boundaries.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the named error categories a component can raise.
type Kind string

const (
	KindInvalidKey        Kind = "InvalidKey"
	KindVersionConflict    Kind = "VersionConflict"
	KindInconsistentState  Kind = "InconsistentState"
	KindBitcoinValidation  Kind = "BitcoinValidation"
	KindInvalidAmount      Kind = "InvalidAmount"
	KindBitcoinTxMissing   Kind = "BitcoinTxMissing"
	KindMissingBlock       Kind = "MissingBlock"
	KindJSONParse          Kind = "JsonParse"
	KindSignerConfig       Kind = "SignerConfig"
	KindShutdown           Kind = "Shutdown"
	KindSqlxQuery          Kind = "SqlxQuery"
	KindInternalServer     Kind = "InternalServer"
)

// Sentinel errors for errors.Is comparisons. Wrap these with fmt.Errorf("...: %w", ...)
// to add context while keeping the Kind classifiable.
var (
	ErrInvalidKey       = New(KindInvalidKey, "invalid key material")
	ErrVersionConflict  = New(KindVersionConflict, "optimistic version conflict")
	ErrInconsistentState = New(KindInconsistentState, "inconsistent chainstate transition")
	ErrBitcoinValidation = New(KindBitcoinValidation, "bitcoin validation failed")
	ErrInvalidAmount    = New(KindInvalidAmount, "package output sum exceeds input sum")
	ErrBitcoinTxMissing = New(KindBitcoinTxMissing, "referenced bitcoin transaction not found locally")
	ErrMissingBlock     = New(KindMissingBlock, "referenced block not found locally")
	ErrJSONParse        = New(KindJSONParse, "malformed payload")
	ErrSignerConfig     = New(KindSignerConfig, "invalid signer configuration")
	ErrShutdown         = New(KindShutdown, "shutdown requested")
	ErrSqlxQuery        = New(KindSqlxQuery, "transient storage error")
	ErrInternalServer   = New(KindInternalServer, "internal server error")
)

// Error is a classified, wrappable error.
type Error struct {
	kind Kind
	msg  string
	err  error
}

// New creates a bare sentinel error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Wrap attaches a Kind to an arbitrary underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{kind: kind, msg: msg, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the classified error kind.
func (e *Error) Kind() Kind { return e.kind }

// Is allows errors.Is(err, apperr.ErrVersionConflict) style comparisons that
// match on Kind rather than pointer identity, so a wrapped instance still
// compares equal to the sentinel.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.kind == other.kind
	}
	return false
}

// KindOf extracts the Kind of err if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.kind, true
	}
	return "", false
}

// Transient reports whether err should be retried by the caller — the
// signer's webhook handler uses this to decide between HTTP 200 and 500,
// and the reorg executor's per-entry retry loops use it to decide whether a
// retry is worthwhile at all.
func Transient(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindSqlxQuery, KindVersionConflict:
		return true
	default:
		return false
	}
}
