package protocol

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nasync/nasync/internal/config"
	"github.com/nasync/nasync/internal/utils"
)

// NFSAdapter talks to an NFS export through its local mount point, so every
// operation is a plain filesystem call. The export must already be mounted.
type NFSAdapter struct {
	root string
}

func NewNFSAdapter(cfg *config.NFSConfig) *NFSAdapter {
	return &NFSAdapter{
		root: filepath.Join(cfg.MountPoint, filepath.FromSlash(cfg.BasePath)),
	}
}

func (a *NFSAdapter) Name() string { return "nfs" }

func (a *NFSAdapter) Connect(ctx context.Context) error {
	if !utils.DirExists(a.root) {
		return &ConnectionError{Backend: a.Name(), Err: fmt.Errorf("mount point not available: %s", a.root)}
	}
	return nil
}

func (a *NFSAdapter) Disconnect() error { return nil }

// abs maps a normalized relative path onto the mount point. Escaping the
// mount root via ".." is rejected.
func (a *NFSAdapter) abs(path string) (string, error) {
	full := filepath.Join(a.root, filepath.FromSlash(path))
	if full != a.root && !strings.HasPrefix(full, a.root+string(filepath.Separator)) {
		return "", &ProtocolError{Backend: a.Name(), Op: "resolve", Path: path, Err: fmt.Errorf("path escapes sync root")}
	}
	return full, nil
}

func (a *NFSAdapter) List(ctx context.Context, dir string) ([]*FileRecord, error) {
	full, err := a.abs(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, &ProtocolError{Backend: a.Name(), Op: "list", Path: dir, Err: err}
	}

	records := make([]*FileRecord, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue // vanished between readdir and stat
		}
		rel := joinSlash(dir, entry.Name())
		rec := &FileRecord{
			Path:    rel,
			IsDir:   entry.IsDir(),
			ModTime: info.ModTime(),
		}
		if !entry.IsDir() {
			rec.Size = info.Size()
		}
		records = append(records, rec)
	}
	return records, nil
}

func (a *NFSAdapter) Stat(ctx context.Context, path string) (*FileRecord, error) {
	full, err := a.abs(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, &ProtocolError{Backend: a.Name(), Op: "stat", Path: path, Err: err}
	}

	return &FileRecord{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}

func (a *NFSAdapter) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	full, err := a.abs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, &ProtocolError{Backend: a.Name(), Op: "open", Path: path, Err: err}
	}
	return f, nil
}

func (a *NFSAdapter) Write(ctx context.Context, path string, r io.Reader, size int64) error {
	full, err := a.abs(path)
	if err != nil {
		return err
	}

	if _, err := utils.AtomicWriteReader(full, r, 0o644); err != nil {
		return &ProtocolError{Backend: a.Name(), Op: "write", Path: path, Err: err}
	}
	return nil
}

func (a *NFSAdapter) Delete(ctx context.Context, path string) error {
	full, err := a.abs(path)
	if err != nil {
		return err
	}

	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return &ProtocolError{Backend: a.Name(), Op: "delete", Path: path, Err: err}
	}
	return nil
}

func (a *NFSAdapter) Exists(ctx context.Context, path string) (bool, error) {
	_, err := a.Stat(ctx, path)
	if err == nil {
		return true, nil
	}
	if err == ErrNotFound {
		return false, nil
	}
	return false, err
}

// joinSlash joins normalized slash-separated path segments.
func joinSlash(dir, name string) string {
	if dir == "" {
		return name
	}
	return strings.TrimSuffix(dir, "/") + "/" + name
}
