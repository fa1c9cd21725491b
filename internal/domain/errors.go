package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different request")
	ErrMarketClosed        = errors.New("market closed")
	ErrHubClosed           = errors.New("hub closed")
	ErrQueueFull           = errors.New("outbound queue full")
)

// ErrorKind is the closed broker error taxonomy. Every venue-specific failure
// is translated into one of these at the adapter boundary.
type ErrorKind string

const (
	KindConnection        ErrorKind = "Connection"
	KindAuthentication    ErrorKind = "Authentication"
	KindValidation        ErrorKind = "Validation"
	KindRateLimit         ErrorKind = "RateLimit"
	KindOrderNotFound     ErrorKind = "OrderNotFound"
	KindInsufficientFunds ErrorKind = "InsufficientFunds"
	KindInvalidTransition ErrorKind = "InvalidTransition"
	KindInternal          ErrorKind = "Internal"
)

// Retryable reports whether an error of this kind may be retried with
// backoff. Only transient kinds qualify.
func (k ErrorKind) Retryable() bool {
	return k == KindConnection || k == KindRateLimit
}

// BrokerError is a classified failure from a broker adapter or the order
// plane. It wraps an optional cause and carries venue data for diagnostics.
type BrokerError struct {
	Kind       ErrorKind
	Message    string
	BrokerData map[string]string
	Err        error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// NewBrokerError builds a classified error with no cause.
func NewBrokerError(kind ErrorKind, msg string) *BrokerError {
	return &BrokerError{Kind: kind, Message: msg}
}

// WrapBrokerError classifies an underlying cause.
func WrapBrokerError(kind ErrorKind, msg string, err error) *BrokerError {
	return &BrokerError{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the taxonomy kind from err. Unclassified errors are
// Internal; nil returns the empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}
