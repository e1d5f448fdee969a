package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/nasync/nasync/internal/protocol"
)

type fakeFile struct {
	data  []byte
	mtime time.Time
}

// fakeAdapter is an in-memory backend for engine tests. Setting down makes
// every call fail with a ConnectionError; corruptWrites truncates the next
// n writes so verification sees a size mismatch.
type fakeAdapter struct {
	mu            sync.Mutex
	files         map[string]fakeFile
	down          bool
	corruptWrites int

	connects int
	writes   int
	deletes  int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{files: make(map[string]fakeFile)}
}

func (f *fakeAdapter) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeAdapter) put(p string, data []byte, mtime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[p] = fakeFile{data: data, mtime: mtime}
}

func (f *fakeAdapter) get(p string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff, ok := f.files[p]
	return ff.data, ok
}

func (f *fakeAdapter) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *fakeAdapter) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes
}

func (f *fakeAdapter) connErr() error {
	return &protocol.ConnectionError{Backend: "fake", Err: errors.New("backend down")}
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return f.connErr()
	}
	f.connects++
	return nil
}

func (f *fakeAdapter) Disconnect() error { return nil }

func (f *fakeAdapter) List(ctx context.Context, dir string) ([]*protocol.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, f.connErr()
	}

	seen := make(map[string]bool)
	var records []*protocol.FileRecord
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}

	for p, ff := range f.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if idx := strings.Index(rest, "/"); idx >= 0 {
			// an intermediate directory
			sub := path.Join(dir, rest[:idx])
			if !seen[sub] {
				seen[sub] = true
				records = append(records, &protocol.FileRecord{Path: sub, IsDir: true})
			}
			continue
		}
		records = append(records, &protocol.FileRecord{
			Path:    p,
			Size:    int64(len(ff.data)),
			ModTime: ff.mtime,
		})
	}
	return records, nil
}

func (f *fakeAdapter) Stat(ctx context.Context, p string) (*protocol.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, f.connErr()
	}

	ff, ok := f.files[p]
	if !ok {
		return nil, protocol.ErrNotFound
	}
	return &protocol.FileRecord{
		Path:    p,
		Size:    int64(len(ff.data)),
		ModTime: ff.mtime,
	}, nil
}

func (f *fakeAdapter) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, f.connErr()
	}

	ff, ok := f.files[p]
	if !ok {
		return nil, protocol.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(ff.data)), nil
}

func (f *fakeAdapter) Write(ctx context.Context, p string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return f.connErr()
	}

	f.writes++
	if f.corruptWrites > 0 {
		f.corruptWrites--
		data = data[:len(data)/2]
	}
	f.files[p] = fakeFile{data: data, mtime: time.Now()}
	return nil
}

func (f *fakeAdapter) Delete(ctx context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return f.connErr()
	}

	if _, ok := f.files[p]; !ok {
		return protocol.ErrNotFound
	}
	f.deletes++
	delete(f.files, p)
	return nil
}

func (f *fakeAdapter) Exists(ctx context.Context, p string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false, f.connErr()
	}
	_, ok := f.files[p]
	return ok, nil
}
