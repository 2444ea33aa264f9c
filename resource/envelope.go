package resource

import (
	"errors"

	"github.com/unkn0wn-root/syncache"
)

// Envelope is the uniform {success, data?, error?} contract every backend
// call returns. Success=false implies Data is absent and Error carries a
// human-readable message.
type Envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`

	status int
	cause  error
}

// Status is the HTTP status of the underlying response; 0 when the request
// never reached the wire.
func (e Envelope[T]) Status() int { return e.status }

// Err maps a failed envelope to the error taxonomy (ValidationError,
// ConflictError, NotFoundError, AuthError, NetworkError). Nil on success.
func (e Envelope[T]) Err() error {
	if e.Success {
		return nil
	}
	if e.cause != nil {
		return e.cause
	}
	if err := syncache.Classify(e.status, e.Error); err != nil {
		return err
	}
	if e.Error != "" {
		return errors.New(e.Error)
	}
	return errors.New("resource: request failed")
}

func failed[T any](cause error) Envelope[T] {
	var e Envelope[T]
	e.Success = false
	e.Error = cause.Error()
	e.cause = cause
	return e
}
