package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nasync/nasync/internal/config"
	"github.com/nasync/nasync/internal/utils"
)

const sshConnectTimeout = 10

// RsyncAdapter shells out to rsync over ssh. Metadata operations run plain
// ssh commands; transfers go through rsync so partial files never land under
// the final name (--partial-dir plus a temp-name rename).
type RsyncAdapter struct {
	cfg *config.RsyncConfig
}

func NewRsyncAdapter(cfg *config.RsyncConfig) *RsyncAdapter {
	return &RsyncAdapter{cfg: cfg}
}

func (a *RsyncAdapter) Name() string { return "rsync" }

func (a *RsyncAdapter) target() string {
	if a.cfg.Username != "" {
		return a.cfg.Username + "@" + a.cfg.Host
	}
	return a.cfg.Host
}

func (a *RsyncAdapter) remote(rel string) string {
	base := a.cfg.BasePath
	if base == "" {
		base = "/"
	}
	return path.Join("/", base, rel)
}

// sshArgs are the option flags shared by every ssh invocation, including the
// one rsync spawns through -e.
func (a *RsyncAdapter) sshArgs() []string {
	return []string{
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", sshConnectTimeout),
		"-p", strconv.Itoa(a.cfg.Port),
	}
}

func (a *RsyncAdapter) runSSH(ctx context.Context, command string) (string, error) {
	args := append(a.sshArgs(), a.target(), command)
	cmd := exec.CommandContext(ctx, "ssh", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("ssh %q: %w: %s", command, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (a *RsyncAdapter) Connect(ctx context.Context) error {
	if _, err := a.runSSH(ctx, "true"); err != nil {
		return a.mapErr("connect", "", err)
	}
	return nil
}

func (a *RsyncAdapter) Disconnect() error { return nil }

func (a *RsyncAdapter) List(ctx context.Context, dir string) ([]*FileRecord, error) {
	remote := a.remote(dir)
	// one line per entry: type, epoch mtime, size, path
	command := fmt.Sprintf("find %s -mindepth 1 -maxdepth 1 -printf '%%y\\t%%T@\\t%%s\\t%%f\\n'", shellQuote(remote))

	out, err := a.runSSH(ctx, command)
	if err != nil {
		return nil, a.mapErr("list", dir, err)
	}

	var records []*FileRecord
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 4)
		if len(fields) != 4 {
			continue
		}

		mtime, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			continue
		}

		rec := &FileRecord{
			Path:    joinSlash(dir, fields[3]),
			IsDir:   fields[0] == "d",
			ModTime: time.Unix(int64(mtime), 0),
		}
		if !rec.IsDir {
			rec.Size = size
		}
		records = append(records, rec)
	}
	return records, nil
}

func (a *RsyncAdapter) Stat(ctx context.Context, p string) (*FileRecord, error) {
	remote := a.remote(p)
	out, err := a.runSSH(ctx, fmt.Sprintf("stat -c '%%F\\t%%Y\\t%%s' %s", shellQuote(remote)))
	if err != nil {
		return nil, a.mapErr("stat", p, err)
	}

	fields := strings.SplitN(strings.TrimSpace(out), "\t", 3)
	if len(fields) != 3 {
		return nil, &ProtocolError{Backend: a.Name(), Op: "stat", Path: p, Err: fmt.Errorf("unexpected stat output: %q", out)}
	}

	mtime, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, &ProtocolError{Backend: a.Name(), Op: "stat", Path: p, Err: err}
	}
	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, &ProtocolError{Backend: a.Name(), Op: "stat", Path: p, Err: err}
	}

	return &FileRecord{
		Path:    p,
		Size:    size,
		ModTime: time.Unix(mtime, 0),
		IsDir:   strings.Contains(fields[0], "directory"),
	}, nil
}

func (a *RsyncAdapter) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	tmp, err := os.CreateTemp("", "nasync-rsync-*")
	if err != nil {
		return nil, &ProtocolError{Backend: a.Name(), Op: "open", Path: p, Err: err}
	}
	tmp.Close()

	src := fmt.Sprintf("%s:%s", a.target(), a.remote(p))
	if err := a.runRsync(ctx, src, tmp.Name()); err != nil {
		os.Remove(tmp.Name())
		return nil, a.mapErr("open", p, err)
	}

	f, err := os.Open(tmp.Name())
	if err != nil {
		os.Remove(tmp.Name())
		return nil, &ProtocolError{Backend: a.Name(), Op: "open", Path: p, Err: err}
	}
	return &rsyncReader{File: f, path: tmp.Name()}, nil
}

func (a *RsyncAdapter) Write(ctx context.Context, p string, r io.Reader, size int64) error {
	local, err := os.CreateTemp("", "nasync-rsync-*")
	if err != nil {
		return &ProtocolError{Backend: a.Name(), Op: "write", Path: p, Err: err}
	}
	defer os.Remove(local.Name())

	if _, err := io.Copy(local, r); err != nil {
		local.Close()
		return &ProtocolError{Backend: a.Name(), Op: "write", Path: p, Err: err}
	}
	if err := local.Close(); err != nil {
		return &ProtocolError{Backend: a.Name(), Op: "write", Path: p, Err: err}
	}

	remote := a.remote(p)
	remoteDir := path.Dir(remote)
	if _, err := a.runSSH(ctx, fmt.Sprintf("mkdir -p %s", shellQuote(remoteDir))); err != nil {
		return a.mapErr("write", p, err)
	}

	// transfer to a temp name, then rename into place on the remote side
	remoteTmp := path.Join(remoteDir, utils.TempPrefix+uuid.NewString())
	dst := fmt.Sprintf("%s:%s", a.target(), remoteTmp)
	if err := a.runRsync(ctx, local.Name(), dst); err != nil {
		a.runSSH(ctx, fmt.Sprintf("rm -f %s", shellQuote(remoteTmp)))
		return a.mapErr("write", p, err)
	}

	command := fmt.Sprintf("mv -f %s %s", shellQuote(remoteTmp), shellQuote(remote))
	if _, err := a.runSSH(ctx, command); err != nil {
		a.runSSH(ctx, fmt.Sprintf("rm -f %s", shellQuote(remoteTmp)))
		return a.mapErr("write", p, err)
	}
	return nil
}

func (a *RsyncAdapter) Delete(ctx context.Context, p string) error {
	remote := a.remote(p)

	exists, err := a.Exists(ctx, p)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}

	if _, err := a.runSSH(ctx, fmt.Sprintf("rm -f %s", shellQuote(remote))); err != nil {
		return a.mapErr("delete", p, err)
	}
	return nil
}

func (a *RsyncAdapter) Exists(ctx context.Context, p string) (bool, error) {
	command := fmt.Sprintf("test -e %s && echo yes || echo no", shellQuote(a.remote(p)))
	out, err := a.runSSH(ctx, command)
	if err != nil {
		return false, a.mapErr("exists", p, err)
	}
	return strings.TrimSpace(out) == "yes", nil
}

func (a *RsyncAdapter) runRsync(ctx context.Context, src, dst string) error {
	args := []string{
		"-t", "--partial",
		"-e", "ssh " + strings.Join(a.sshArgs(), " "),
		src, dst,
	}
	cmd := exec.CommandContext(ctx, "rsync", args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rsync %s -> %s: %w: %s", src, dst, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (a *RsyncAdapter) mapErr(op, p string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "No such file or directory"):
		return ErrNotFound
	case strings.Contains(msg, "Permission denied") || strings.Contains(msg, "Host key verification failed"):
		return &AuthError{Backend: a.Name(), Err: err}
	case strings.Contains(msg, "Connection refused") ||
		strings.Contains(msg, "Connection timed out") ||
		strings.Contains(msg, "Could not resolve hostname") ||
		strings.Contains(msg, "Connection closed") ||
		errors.Is(err, context.DeadlineExceeded):
		return &ConnectionError{Backend: a.Name(), Err: err}
	default:
		return &ProtocolError{Backend: a.Name(), Op: op, Path: p, Err: err}
	}
}

// rsyncReader deletes the staged local copy once the caller is done with it.
type rsyncReader struct {
	*os.File
	path string
}

func (r *rsyncReader) Close() error {
	err := r.File.Close()
	os.Remove(r.path)
	return err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
