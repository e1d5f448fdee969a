package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nasync/nasync/internal/config"
)

func TestSMBWinPathMapping(t *testing.T) {
	tests := []struct {
		base string
		rel  string
		want string
	}{
		{"", "a.txt", `a.txt`},
		{"", "dir/sub/file.bin", `dir\sub\file.bin`},
		{"backups", "a.txt", `backups\a.txt`},
		{"/backups/", "dir/a.txt", `backups\dir\a.txt`},
		{"", "", ``},
	}
	for _, tt := range tests {
		a := NewSMBAdapter(&config.SMBConfig{Server: "nas", Share: "media", BasePath: tt.base})
		assert.Equal(t, tt.want, a.win(tt.rel), "base=%q rel=%q", tt.base, tt.rel)
	}
}

// Session teardown races against in-flight operations when the reconnect
// path fires mid-transfer; every access must go through the session lock.
func TestSMBConcurrentDisconnectIsSafe(t *testing.T) {
	a := NewSMBAdapter(&config.SMBConfig{Server: "nas", Share: "media"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := a.Stat(context.Background(), "file.txt")
				var connErr *ConnectionError
				assert.True(t, errors.As(err, &connErr))
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, a.Disconnect())
			}
		}()
	}
	wg.Wait()
}
