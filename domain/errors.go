package domain

import (
	"errors"
	"fmt"
)

// ErrorCode represents a semantic classification shared across transport layers.
type ErrorCode string

const (
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeInvalid      ErrorCode = "INVALID"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeLedger       ErrorCode = "LEDGER"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodePersistence  ErrorCode = "PERSISTENCE"
	ErrCodeInternal     ErrorCode = "INTERNAL"
)

// Error represents a domain-level error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError builds a domain error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError wraps an existing error with a domain classification.
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Invalidf builds a validation error. Validation errors are raised before any
// ledger call is attempted.
func Invalidf(format string, args ...interface{}) *Error {
	return NewError(ErrCodeInvalid, fmt.Sprintf(format, args...))
}

// Common domain errors.
var (
	ErrEscrowNotFound  = NewError(ErrCodeNotFound, "escrow not found")
	ErrDisputeNotFound = NewError(ErrCodeNotFound, "dispute not found")
	ErrOutboxNotFound  = NewError(ErrCodeNotFound, "outbox entry not found")
	ErrDisputeActive   = NewError(ErrCodeConflict, "escrow already has an open dispute")
	ErrEscrowExists    = NewError(ErrCodeConflict, "escrow already exists")
	ErrVersionConflict = NewError(ErrCodeConflict, "escrow was modified concurrently")
	ErrTerminal        = NewError(ErrCodeInvalid, "escrow is already released or resolved")
	ErrUnauthorized    = NewError(ErrCodeUnauthorized, "unauthorized")
	ErrInvalidPayload  = NewError(ErrCodeInvalid, "invalid payload")
)

// LedgerFailure carries the raw rejection reported by the ledger.
type LedgerFailure struct {
	Code    string
	Message string
	TxHash  string
}

func (f *LedgerFailure) Error() string {
	if f.Code != "" && f.Message != "" {
		return fmt.Sprintf("%s (%s)", f.Message, f.Code)
	}
	if f.Message != "" {
		return f.Message
	}
	return f.Code
}

// NewLedgerError classifies a ledger rejection. Known codes get a business
// hint as the message; unknown codes fall back to the raw ledger message.
func NewLedgerError(code, message, txHash string) *Error {
	failure := &LedgerFailure{Code: code, Message: message, TxHash: txHash}
	summary := LedgerHint(code)
	if summary == "" {
		summary = "ledger rejected the operation"
	}
	return WrapError(ErrCodeLedger, summary, failure)
}

// ConfirmationTimeout describes a ledger transaction whose outcome is unknown.
type ConfirmationTimeout struct {
	TxHash   string
	Attempts int
}

func (t *ConfirmationTimeout) Error() string {
	return fmt.Sprintf("transaction %s still pending after %d status checks", t.TxHash, t.Attempts)
}

// NewTimeoutError reports that confirmation polling gave up. The transaction
// may still settle on-ledger.
func NewTimeoutError(txHash string, attempts int) *Error {
	return WrapError(ErrCodeTimeout,
		"ledger confirmation timed out; the operation may still complete and will be reconciled",
		&ConfirmationTimeout{TxHash: txHash, Attempts: attempts})
}

// PersistenceFailure records the context needed to reconcile an escrow whose
// ledger operation succeeded but whose record could not be written.
type PersistenceFailure struct {
	EscrowID string
	Command  Command
	OutboxID string
	Result   SubmitResult
	Err      error
}

func (f *PersistenceFailure) Error() string {
	return fmt.Sprintf("escrow %s %s: %v", f.EscrowID, f.Command, f.Err)
}

func (f *PersistenceFailure) Unwrap() error {
	return f.Err
}

// NewPersistenceError wraps a repository failure that happened after the
// ledger accepted the operation.
func NewPersistenceError(escrowID string, command Command, result SubmitResult, outboxID string, err error) *Error {
	return WrapError(ErrCodePersistence,
		fmt.Sprintf("ledger operation %s succeeded but the escrow record could not be saved; it will be reconciled", result.Hash),
		&PersistenceFailure{
			EscrowID: escrowID,
			Command:  command,
			OutboxID: outboxID,
			Result:   result,
			Err:      err,
		})
}

// IsDomainError helps checking error codes.
func IsDomainError(err error, code ErrorCode) bool {
	var dErr *Error
	if errors.As(err, &dErr) {
		return dErr.Code == code
	}
	return false
}

func IsValidation(err error) bool { return IsDomainError(err, ErrCodeInvalid) }
func IsConflict(err error) bool { return IsDomainError(err, ErrCodeConflict) }
func IsLedger(err error) bool { return IsDomainError(err, ErrCodeLedger) }
func IsTimeout(err error) bool { return IsDomainError(err, ErrCodeTimeout) }
func IsPersistence(err error) bool { return IsDomainError(err, ErrCodePersistence) }
func IsNotFound(err error) bool { return IsDomainError(err, ErrCodeNotFound) }

// CodeOf returns the code of the outermost domain error, or INTERNAL.
func CodeOf(err error) ErrorCode {
	var dErr *Error
	if errors.As(err, &dErr) {
		return dErr.Code
	}
	return ErrCodeInternal
}
