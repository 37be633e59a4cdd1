package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Sentinel errors used with errors.Is to classify provider failures.
var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrTransient indicates a network or transport failure that is worth
	// retrying later: connection failures, timeouts and 5xx/429 responses.
	ErrTransient = errors.New("transient transport failure")
)

// Error describes a failed provider operation.
type Error struct {
	// Op is the operation that failed (e.g. "list", "fetch", "put").
	Op string

	// Container is the bucket or container name, if applicable.
	Container string

	// Key is the object key, if applicable.
	Key string

	// Kind is ErrNotFound, ErrTransient or nil for anything else.
	Kind error

	// Err is the underlying error from the SDK.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Container != "" && e.Key != "":
		return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Container, e.Key, e.Err)
	case e.Container != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Container, e.Err)
	case e.Key != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the classification and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Kind == nil {
		return []error{e.Err}
	}
	return []error{e.Kind, e.Err}
}

func newError(op, container, key string, kind, err error) *Error {
	return &Error{Op: op, Container: container, Key: key, Kind: kind, Err: err}
}

// IsNotFound reports whether err means the object is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// transientStatus reports whether an HTTP status is a mid-tier failure.
func transientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// isTransportError recognises failures below the HTTP response layer.
// Cancellation of the caller's context is never transient.
func isTransportError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
