package ioterr

import (
	"errors"
	"fmt"
)

// Kind classifies client errors into the closed set the retry policy and
// callers dispatch on.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindNotConnected
	KindConnectionDropped
	KindConnectionFailed
	KindTimeout
	KindInternalService
	KindQuotaExceeded
	KindThrottled
	KindServiceUnavailable
	KindUnauthorized
	KindProtocol
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotConnected:
		return "not_connected"
	case KindConnectionDropped:
		return "connection_dropped"
	case KindConnectionFailed:
		return "connection_failed"
	case KindTimeout:
		return "timeout"
	case KindInternalService:
		return "internal_service_error"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindThrottled:
		return "throttled"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindUnauthorized:
		return "unauthorized"
	case KindProtocol:
		return "protocol_error"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is the error type surfaced by operation completions.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a kind.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain. Errors that do not carry a
// kind report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the error is transient per the retry taxonomy.
// Unauthorized, invalid arguments, protocol violations and cancellations are
// terminal.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConnectionDropped, KindConnectionFailed, KindTimeout,
		KindInternalService, KindQuotaExceeded, KindThrottled, KindServiceUnavailable:
		return true
	default:
		return false
	}
}

// FromHTTPStatus maps a non-2xx HTTP status to an error kind.
func FromHTTPStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindUnauthorized
	case status == 429:
		return KindThrottled
	case status == 503:
		return KindServiceUnavailable
	case status >= 500:
		return KindInternalService
	case status >= 400:
		return KindInvalidArgument
	default:
		return KindProtocol
	}
}
