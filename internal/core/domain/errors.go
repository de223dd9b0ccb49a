package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on failure
// mode without parsing messages.
type Kind string

const (
	KindInvalidFormat      Kind = "invalid_format"
	KindRuleCompile        Kind = "rule_compile"
	KindAdapterUnavailable Kind = "adapter_unavailable"
	KindAdapterTimeout     Kind = "adapter_timeout"
	KindStorageTransient   Kind = "storage_transient"
	KindStoragePermanent   Kind = "storage_permanent"
	KindTenantIsolation    Kind = "tenant_isolation"
	KindCancelled          Kind = "cancelled"
	KindConfig             Kind = "config"
	KindNotFound           Kind = "not_found"
)

// Error is the structured error type used across the pipeline.
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

// E creates a new Error with the given kind and message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr wraps an underlying error with a kind and message.
func WrapErr(err error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsKind reports whether err (or anything it wraps) is an Error of the
// given kind.
func IsKind(err error, kind Kind) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

// Retryable reports whether the error is worth retrying.
func Retryable(err error) bool {
	return IsKind(err, KindStorageTransient)
}
