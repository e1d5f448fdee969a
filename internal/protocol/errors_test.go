package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection error", &ConnectionError{Backend: "smb", Err: errors.New("reset")}, true},
		{"wrapped connection error", fmt.Errorf("upload: %w", &ConnectionError{Backend: "ftp", Err: errors.New("x")}), true},
		{"auth error", &AuthError{Backend: "ftp", Err: errors.New("denied")}, false},
		{"not found", ErrNotFound, false},
		{"wrapped not found", fmt.Errorf("stat: %w", ErrNotFound), false},
		{"permission", os.ErrPermission, false},
		{"protocol error", &ProtocolError{Backend: "webdav", Op: "put", Path: "a", Err: errors.New("409")}, false},
		{"econnreset", syscall.ECONNRESET, true},
		{"econnrefused", syscall.ECONNREFUSED, true},
		{"epipe", syscall.EPIPE, true},
		{"etimedout", syscall.ETIMEDOUT, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("unreachable")}, true},
		{"plain error", errors.New("something else"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestErrorUnwrapping(t *testing.T) {
	cause := syscall.ECONNRESET

	connErr := &ConnectionError{Backend: "smb", Err: cause}
	assert.ErrorIs(t, connErr, syscall.ECONNRESET)

	protoErr := &ProtocolError{Backend: "ftp", Op: "stor", Path: "a.txt", Err: ErrNotFound}
	assert.ErrorIs(t, protoErr, ErrNotFound)

	authErr := &AuthError{Backend: "webdav", Err: cause}
	assert.ErrorIs(t, authErr, syscall.ECONNRESET)
}
