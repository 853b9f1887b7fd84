package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable tag integrators switch on. The message next to it is
// for humans and may change.
type ErrorKind string

// Batch-critical kinds abort the request before any order is processed.
const (
	KindMalformedPayload      ErrorKind = "MalformedPayload"
	KindUnauthorized          ErrorKind = "Unauthorized"
	KindInvalidOverride       ErrorKind = "InvalidOverride"
	KindBatchTooLarge         ErrorKind = "BatchTooLarge"
	KindIdempotencyInProgress ErrorKind = "IdempotencyInProgress"
	KindIdempotencyKeyReused  ErrorKind = "IdempotencyKeyReused"
	KindRequestAborted        ErrorKind = "RequestAborted"
	KindInternal              ErrorKind = "InternalError"
)

// Order-level kinds fail one order; the batch continues.
const (
	KindValidation            ErrorKind = "ValidationError"
	KindDuplicateOrder        ErrorKind = "DuplicateOrder"
	KindInvalidStatus         ErrorKind = "InvalidStatus"
	KindNoSession             ErrorKind = "NoSession"
	KindProductNotFound       ErrorKind = "ProductNotFound"
	KindProductRejected       ErrorKind = "ProductRejected"
	KindPaymentMethodNotFound ErrorKind = "PaymentMethodNotFound"
	KindDataInconsistency     ErrorKind = "DataInconsistency"
	KindPaymentFailed         ErrorKind = "PaymentFailed"
	KindCommitFailed          ErrorKind = "CommitFailed"
)

type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error, keeping it reachable through
// errors.Is / errors.As.
func Wrap(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// AsError converts any error into a *Error. Untagged errors become InternalError
// and keep their message out of the integrator-facing text.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged
	}
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return AsError(err).Kind
}
