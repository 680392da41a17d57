package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// Code identifies a failure class in the error taxonomy.
type Code string

// Failure classes. Only blocked, timeout, network and internal are retryable.
const (
	CodeValidation            Code = "validation"
	CodeSourceNotSupported    Code = "source_not_supported"
	CodeOperationNotSupported Code = "operation_not_supported"
	CodeSourceBlocked         Code = "source_blocked"
	CodeCircuitOpen           Code = "circuit_open"
	CodeQuarantined           Code = "quarantined"
	CodeTimeout               Code = "timeout"
	CodeNetwork               Code = "network"
	CodeInternal              Code = "internal"
	CodeNonRetryable          Code = "non_retryable"
	CodeQueueFull             Code = "queue_full"
)

// Retryable reports whether the class is eligible for another attempt.
func (c Code) Retryable() bool {
	switch c {
	case CodeSourceBlocked, CodeTimeout, CodeNetwork, CodeInternal:
		return true
	default:
		return false
	}
}

// Error is the single structured form every failure is normalized to before
// leaving the executor.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsRetryable reports whether the error's class allows another attempt.
func (e *Error) IsRetryable() bool {
	return e.Code.Retryable()
}

// MarshalJSON includes the derived retryable flag in the wire form.
func (e *Error) MarshalJSON() ([]byte, error) {
	type wire struct {
		Code      Code           `json:"code"`
		Message   string         `json:"message"`
		Retryable bool           `json:"retryable"`
		Details   map[string]any `json:"details,omitempty"`
	}
	return json.Marshal(wire{Code: e.Code, Message: e.Message, Retryable: e.IsRetryable(), Details: e.Details})
}

// NewError builds a structured error for the given class.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a key/value pair to the error's details.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Classify normalizes an arbitrary error into a structured Error. Context
// deadline and net timeouts map to timeout, other net errors to network,
// anything unrecognized to internal.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeTimeout, "%s", err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return NewError(CodeNonRetryable, "%s", err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewError(CodeTimeout, "%s", err.Error())
		}
		return NewError(CodeNetwork, "%s", err.Error())
	}
	return NewError(CodeInternal, "%s", err.Error())
}

// CodeOf returns the failure class of an error, classifying it first.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return Classify(err).Code
}
