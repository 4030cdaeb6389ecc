package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindConflict   ErrorKind = "conflict"
	KindLedger     ErrorKind = "ledger"
	KindKeyVault   ErrorKind = "keyvault"
	KindInternal   ErrorKind = "internal"
)

// Sentinels for errors.Is. Any *Error matches the sentinel of its Kind.
var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("state conflict")
	ErrLedger     = errors.New("ledger failure")
	ErrKeyVault   = errors.New("key vault failure")
	ErrInternal   = errors.New("internal failure")
)

// Error is the typed failure shared by every coordinator operation.
// TrxHash is set whenever a transaction was signed before the failure.
type Error struct {
	Kind          ErrorKind `json:"kind"`
	Message       string    `json:"message"`
	TrxHash       string    `json:"trx_hash,omitempty"`
	Indeterminate bool      `json:"indeterminate,omitempty"`
	Cause         error     `json:"-"`
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.Indeterminate {
		msg += " (indeterminate)"
	}
	if e.TrxHash != "" {
		msg += " [tx " + e.TrxHash + "]"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrLedger:
		return e.Kind == KindLedger
	case ErrKeyVault:
		return e.Kind == KindKeyVault
	case ErrInternal:
		return e.Kind == KindInternal
	}
	return false
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func Internal(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Cause: cause}
}

func KeyVault(msg string, cause error) *Error {
	return &Error{Kind: KindKeyVault, Message: msg, Cause: cause}
}

// Ledger builds a ledger failure. txHash may be empty when nothing was signed.
func Ledger(msg, txHash string, indeterminate bool, cause error) *Error {
	return &Error{Kind: KindLedger, Message: msg, TrxHash: txHash, Indeterminate: indeterminate, Cause: cause}
}

// AsError extracts a *Error from err, wrapping unknown errors as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("unexpected failure", err)
}
