package utils

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// AtomicWriteFile writes data to a temporary file in the same directory and
// renames it over path, so a reader never observes a partial file.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	if err := EnsureParent(path); err != nil {
		return err
	}

	tmp := TempSibling(path)
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// AtomicWriteReader streams r to a temporary file next to path and renames it
// into place. Returns the number of bytes written.
func AtomicWriteReader(path string, r io.Reader, perm os.FileMode) (int64, error) {
	if err := EnsureParent(path); err != nil {
		return 0, err
	}

	tmp := TempSibling(path)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return n, err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return n, err
	}
	return n, nil
}

// TempSibling returns a unique temporary name in the same directory as path.
// Same-directory matters: rename(2) is only atomic within a filesystem.
func TempSibling(path string) string {
	return filepath.Join(filepath.Dir(path), TempPrefix+uuid.NewString()[:8])
}

// TempPrefix marks the engine's own scratch files so watchers and pollers
// can filter them out.
const TempPrefix = ".nasync-tmp-"
