// Package errors provides structured error handling for the memory search
// index. Every failure that crosses a package boundary carries a stable Kind
// so callers can branch on the failure class without string matching.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error. Kinds are stable strings; they appear in logs and
// are matched by callers via Is/KindOf.
type Kind string

const (
	// KindConfigInvalid indicates missing or contradictory configuration.
	KindConfigInvalid Kind = "config_invalid"
	// KindPathDenied indicates a path gate rejection.
	KindPathDenied Kind = "path_denied"
	// KindIO indicates a filesystem failure.
	KindIO Kind = "io_error"
	// KindStoreCorrupt indicates a schema mismatch or checksum failure that
	// migration cannot fix.
	KindStoreCorrupt Kind = "store_corrupt"
	// KindProviderAuthMissing indicates a required API key was not supplied.
	KindProviderAuthMissing Kind = "provider_auth_missing"
	// KindProviderHTTP indicates a non-retryable HTTP status from a provider.
	KindProviderHTTP Kind = "provider_http_error"
	// KindProviderRequestFailed indicates transport failure after exhausting
	// retries.
	KindProviderRequestFailed Kind = "provider_request_failed"
	// KindProviderDimMismatch indicates a returned vector's length disagrees
	// with the prevailing dimension for this sync.
	KindProviderDimMismatch Kind = "provider_dim_mismatch"
	// KindEmbeddingQueryFailed is a soft signal consumed by the query
	// planner; it never surfaces to facade callers.
	KindEmbeddingQueryFailed Kind = "embedding_query_failed"
	// KindCancelled indicates the operation was cancelled by its context.
	KindCancelled Kind = "cancelled"
	// KindInternal indicates an unexpected internal failure.
	KindInternal Kind = "internal"
)

// Error is the structured error type used across the index.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by Kind, enabling errors.Is(err, &Error{Kind: ...}).
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a new Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error. Returns nil when
// err is nil. Context cancellation is reclassified as KindCancelled so the
// taxonomy stays faithful regardless of where the cancellation surfaced.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = KindCancelled
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// KindInternal; nil reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error class is worth retrying at the
// transport layer. Only provider transport failures qualify.
func Retryable(err error) bool {
	return IsKind(err, KindProviderRequestFailed)
}
