package utils

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAtomicWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.txt")

	if err := AtomicWriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("AtomicWriteFile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q, want %q", data, "hello")
	}

	// no temp file left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1", len(entries))
	}
}

func TestAtomicWriteReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	content := []byte("streamed content")

	n, err := AtomicWriteReader(path, bytes.NewReader(content), 0o644)
	if err != nil {
		t.Fatalf("AtomicWriteReader() error = %v", err)
	}
	if n != int64(len(content)) {
		t.Errorf("wrote %d bytes, want %d", n, len(content))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("content mismatch")
	}
}

func TestTempSibling(t *testing.T) {
	path := "/some/dir/file.txt"

	a := TempSibling(path)
	b := TempSibling(path)

	if filepath.Dir(a) != "/some/dir" {
		t.Errorf("temp sibling %q not in same directory", a)
	}
	if !strings.HasPrefix(filepath.Base(a), TempPrefix) {
		t.Errorf("temp sibling %q missing prefix %q", a, TempPrefix)
	}
	if a == b {
		t.Error("temp siblings must be unique")
	}
}
