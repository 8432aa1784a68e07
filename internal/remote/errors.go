package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthenticated is returned before any I/O when no credential is available.
	ErrUnauthenticated = errors.New("remote: unauthenticated")
	// ErrNotFound matches a ServerError with status 404.
	ErrNotFound = errors.New("remote: not found")
)

// NetworkError wraps timeouts and transport failures. Always retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("remote %s: network failure: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Retryable() bool { return true }

// ServerError is a non-2xx answer from the remote store.
type ServerError struct {
	Op     string
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote %s: http %d", e.Op, e.Status)
	}
	return fmt.Sprintf("remote %s: http %d: %s", e.Op, e.Status, e.Body)
}

// Permanent reports a client error that will not succeed as-is on retry.
func (e *ServerError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 &&
		e.Status != http.StatusRequestTimeout && e.Status != http.StatusTooManyRequests
}

func (e *ServerError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// IsPermanent reports whether err is a permanent server rejection.
func IsPermanent(err error) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Permanent()
}

// IsRetryable reports whether err is a network failure or a transient rejection.
func IsRetryable(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var se *ServerError
	return errors.As(err, &se) && !se.Permanent()
}
