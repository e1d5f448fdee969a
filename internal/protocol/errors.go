package protocol

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"syscall"
)

// ErrNotFound is returned by Stat/Open/Delete when the path does not exist.
var ErrNotFound = errors.New("file not found")

// ConnectionError marks a transient transport failure. The reconnect
// manager retries these with backoff.
type ConnectionError struct {
	Backend string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection error: %v", e.Backend, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError marks an authentication or permission failure. Never retried.
type AuthError struct {
	Backend string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: auth error: %v", e.Backend, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ProtocolError marks an operation-specific failure on one path. The engine
// logs it and skips the file without aborting the cycle.
type ProtocolError struct {
	Backend string
	Op      string
	Path    string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", e.Backend, e.Op, e.Path, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient failure worth retrying
// with backoff. Auth and not-found errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return false
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}
