// Package apperrors defines the error kinds shared by the catalog client,
// the cache and the sync layer.
//
// Every error returned by the library carries one kind sentinel that can be
// checked with errors.Is:
//
//	if errors.Is(err, apperrors.ErrNotFound) {
//	    // unknown resource identifier
//	}
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is returned for a missing or invalid API key and any other
	// invalid setting. Only a key rejected by the remote API (HTTP 401/403)
	// is detected after a request.
	ErrConfig = errors.New("configuration error")

	// ErrNetwork is returned when a request could not complete: timeouts,
	// refused connections, DNS failures, cancelled contexts.
	// Callers may retry.
	ErrNetwork = errors.New("network error")

	// ErrRemoteAPI is returned for non-2xx responses and undecodable bodies.
	ErrRemoteAPI = errors.New("remote API error")

	// ErrNotFound is returned when a resource identifier is unknown, either to
	// the remote API or to the local cache.
	ErrNotFound = errors.New("not found")

	// ErrCache is returned when the local database cannot be opened, read or
	// written.
	ErrCache = errors.New("cache error")

	// ErrInvalidFilter is returned for unrecognized search filter fields and
	// malformed filter expressions. It is a configuration error.
	ErrInvalidFilter = fmt.Errorf("%w: invalid filter", ErrConfig)
)

// Error is a kinded error annotated with the operation that failed.
type Error struct {
	// Kind is one of the sentinels of this package.
	Kind error
	// Op names the failing operation, e.g. "api.GetPage".
	Op string
	// StatusCode is the HTTP status for remote errors, 0 otherwise.
	StatusCode int
	// Err is the underlying cause, may be nil.
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// E builds a kinded error.
func E(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error with a formatted cause.
func Errorf(kind error, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// HTTP builds a remote error carrying the response status code.
func HTTP(kind error, op string, status int, err error) error {
	return &Error{Kind: kind, Op: op, StatusCode: status, Err: err}
}

// KindOf returns the kind sentinel carried by err, or nil when err is nil or
// was not produced by this package.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrInvalidFilter, ErrConfig, ErrNetwork, ErrRemoteAPI, ErrNotFound, ErrCache} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// IsRetryable reports whether err is a transient failure a caller may retry.
// Only network errors qualify; remote rejections and cache failures do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNetwork)
}

// StatusCode returns the HTTP status attached to err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}
