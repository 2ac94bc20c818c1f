package telephony

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies provider failures for retry decisions.
type ErrorKind int

const (
	// KindTransient covers network errors, timeouts, 5xx and throttling.
	// Retrying the same request may succeed.
	KindTransient ErrorKind = iota
	// KindRejected is a definitive refusal (invalid number, blocked recipient).
	KindRejected
)

func (k ErrorKind) String() string {
	if k == KindRejected {
		return "rejected"
	}
	return "transient"
}

// ProviderError carries the provider's own reason verbatim.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s): %s", e.Provider, e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func rejected(provider string, status int, code, msg string) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindRejected, StatusCode: status, Code: code, Message: msg}
}

func transient(provider string, status int, code, msg string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindTransient, StatusCode: status, Code: code, Message: msg, Err: err}
}

// NewRejected builds a definitive provider refusal. Adapters outside this
// package (email) use it to report through the same taxonomy.
func NewRejected(provider, code, msg string) *ProviderError {
	return rejected(provider, 0, code, msg)
}

// NewTransient wraps a retryable failure.
func NewTransient(provider, msg string, err error) *ProviderError {
	return transient(provider, 0, "", msg, err)
}

// IsRejected reports whether err is a definitive provider refusal.
// Everything else, including unclassified errors, is treated as transient.
func IsRejected(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == KindRejected
}

// IsTimeout reports whether err came from a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ErrorCode returns the provider error code, if any.
func ErrorCode(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Reason returns the provider's message verbatim when available.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return err.Error()
}
