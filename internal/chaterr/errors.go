// Package chaterr defines the error vocabulary shared across the client
// core. Callers branch on sentinels with errors.Is and on the transient
// class with IsTransient; everything else is context wrapping.
package chaterr

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited means a local rate window rejected the action, or the
	// server answered 429. The action was not performed.
	ErrRateLimited = errors.New("rate limited")

	// ErrPermissionDenied means a required capability was refused, such as
	// microphone access.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound means the referenced session or message does not exist.
	ErrNotFound = errors.New("not found")
)

// TransientError marks a failure worth retrying: the network hiccuped, the
// server answered 5xx, or the live channel was down.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure of op.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether any error in the chain is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ProtocolError records a frame the remote sent that we could not make
// sense of. Malformed frames are logged and dropped, never fatal.
type ProtocolError struct {
	Kind string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s frame: %v", e.Kind, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
