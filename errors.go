package syncache

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrCacheCleared settles pending mutations when Clear wipes the cache
// underneath them.
var ErrCacheCleared = errors.New("syncache: cache cleared")

// ValidationError reports a malformed request before any network call:
// missing required field, bad id, non-primitive query value. Never retried
// and never applied optimistically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// ConflictError is a uniqueness/constraint violation reported by the backend.
// Terminal for the call that caused it.
type ConflictError struct {
	Resource string
	Msg      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Msg)
}

// NotFoundError: the record no longer exists server-side.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: not found", e.Resource)
	}
	return fmt.Sprintf("%s %q: not found", e.Resource, e.ID)
}

// AuthError marks a failed or expired session. Any fetch surfacing one makes
// the cache clear every entry and hand off to session recovery.
type AuthError struct {
	Status int
	Msg    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failure (status %d): %s", e.Status, e.Msg)
}

// NetworkError wraps a transport-level failure (connection refused, timeout,
// 5xx). Transient: background revalidation may retry it, mutations never do.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the underlying failure was a timeout.
func (e *NetworkError) Timeout() bool {
	var nerr net.Error
	return errors.As(e.Err, &nerr) && nerr.Timeout()
}

// Classify maps an HTTP status plus the backend's error message to the error
// taxonomy. Unknown 4xx statuses fall back to ValidationError; 5xx and
// transport-level conditions are NetworkError.
func Classify(status int, msg string) error {
	switch {
	case status == 401 || status == 403 || looksLikeAuth(msg):
		return &AuthError{Status: status, Msg: msg}
	case status == 404:
		return &NotFoundError{Resource: msg}
	case status == 409 || looksLikeConflict(msg):
		return &ConflictError{Msg: msg}
	case status >= 500:
		return &NetworkError{Op: "request", Err: fmt.Errorf("server error (status %d): %s", status, msg)}
	case status >= 400:
		return &ValidationError{Reason: msg}
	default:
		return nil
	}
}

func looksLikeAuth(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "unauthorized") || strings.Contains(m, "session expired")
}

func looksLikeConflict(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "already exists") || strings.Contains(m, "duplicate")
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

// IsTransient reports whether err is worth retrying on a background
// revalidation pass. Only network-level failures qualify.
func IsTransient(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
