package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransientError marks an error as safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err so that IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// RemoteError is an explicit rejection by the remote service (a non-2xx
// response). It is never retried.
type RemoteError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote rejected %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("remote rejected %s: HTTP %d: %s", e.URL, e.StatusCode, e.Body)
}

// IsTransient reports whether err is explicitly marked transient or is a
// connection-establishment or timeout failure. Otherwise context cancellation,
// deadline expiry and RemoteError are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var marked *TransientError
	if errors.As(err, &marked) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
