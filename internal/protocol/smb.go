package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/hirochachacha/go-smb2"

	"github.com/nasync/nasync/internal/config"
	"github.com/nasync/nasync/internal/utils"
)

const smbDialTimeout = 10 * time.Second

// SMBAdapter mounts one share of an SMB server for the lifetime of a
// connection session. Operations hold the session read-locked so a
// concurrent reconnect cannot tear the share down under them; Connect and
// Disconnect take the write lock and wait for in-flight calls to finish.
type SMBAdapter struct {
	cfg *config.SMBConfig

	mu      sync.RWMutex
	tcpConn net.Conn
	session *smb2.Session
	share   *smb2.Share
}

func NewSMBAdapter(cfg *config.SMBConfig) *SMBAdapter {
	return &SMBAdapter{cfg: cfg}
}

func (a *SMBAdapter) Name() string { return "smb" }

func (a *SMBAdapter) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Server, a.cfg.Port)
	tcpConn, err := net.DialTimeout("tcp", addr, smbDialTimeout)
	if err != nil {
		return &ConnectionError{Backend: a.Name(), Err: err}
	}

	dialer := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     a.cfg.Username,
			Password: a.cfg.Password,
		},
	}

	session, err := dialer.DialContext(ctx, tcpConn)
	if err != nil {
		tcpConn.Close()
		return &AuthError{Backend: a.Name(), Err: err}
	}

	share, err := session.Mount(a.cfg.Share)
	if err != nil {
		session.Logoff()
		tcpConn.Close()
		return &AuthError{Backend: a.Name(), Err: fmt.Errorf("mount %s: %w", a.cfg.Share, err)}
	}

	a.mu.Lock()
	a.tcpConn = tcpConn
	a.session = session
	a.share = share
	a.mu.Unlock()
	return nil
}

func (a *SMBAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.share != nil {
		a.share.Umount()
		a.share = nil
	}
	if a.session != nil {
		a.session.Logoff()
		a.session = nil
	}
	if a.tcpConn != nil {
		a.tcpConn.Close()
		a.tcpConn = nil
	}
	return nil
}

// acquire read-locks the session and returns the mounted share plus the
// unlock. The caller must invoke release exactly once.
func (a *SMBAdapter) acquire() (*smb2.Share, func(), error) {
	a.mu.RLock()
	if a.share == nil {
		a.mu.RUnlock()
		return nil, nil, &ConnectionError{Backend: a.Name(), Err: errors.New("not connected")}
	}
	return a.share, a.mu.RUnlock, nil
}

// win maps a normalized relative path to the share's backslash form.
func (a *SMBAdapter) win(rel string) string {
	p := path.Join(a.cfg.BasePath, rel)
	p = strings.Trim(p, "/")
	return strings.ReplaceAll(p, "/", `\`)
}

func (a *SMBAdapter) List(ctx context.Context, dir string) ([]*FileRecord, error) {
	share, release, err := a.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	target := a.win(dir)
	if target == "" {
		target = "."
	}

	infos, err := share.ReadDir(target)
	if err != nil {
		return nil, a.mapErr("list", dir, err)
	}

	records := make([]*FileRecord, 0, len(infos))
	for _, info := range infos {
		rec := &FileRecord{
			Path:    joinSlash(dir, info.Name()),
			IsDir:   info.IsDir(),
			ModTime: info.ModTime(),
		}
		if !info.IsDir() {
			rec.Size = info.Size()
		}
		records = append(records, rec)
	}
	return records, nil
}

func (a *SMBAdapter) Stat(ctx context.Context, p string) (*FileRecord, error) {
	share, release, err := a.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	info, err := share.Stat(a.win(p))
	if err != nil {
		return nil, a.mapErr("stat", p, err)
	}

	return &FileRecord{
		Path:    p,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}

func (a *SMBAdapter) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	share, release, err := a.acquire()
	if err != nil {
		return nil, err
	}

	f, err := share.Open(a.win(p))
	if err != nil {
		release()
		return nil, a.mapErr("open", p, err)
	}
	return &smbReader{file: f, release: release}, nil
}

func (a *SMBAdapter) Write(ctx context.Context, p string, r io.Reader, size int64) error {
	share, release, err := a.acquire()
	if err != nil {
		return err
	}
	defer release()

	target := a.win(p)
	if dir := path.Dir(path.Join(a.cfg.BasePath, p)); dir != "." && dir != "/" {
		winDir := strings.ReplaceAll(strings.Trim(dir, "/"), "/", `\`)
		if err := share.MkdirAll(winDir, 0o755); err != nil && !os.IsExist(err) {
			return a.mapErr("mkdir", p, err)
		}
	}

	tmp := a.win(path.Join(path.Dir(p), utils.TempPrefix+path.Base(p)))
	f, err := share.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return a.mapErr("write", p, err)
	}

	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		share.Remove(tmp)
		return a.mapErr("write", p, err)
	}

	// SMB rename fails on an existing target
	share.Remove(target)
	if err := share.Rename(tmp, target); err != nil {
		share.Remove(tmp)
		return a.mapErr("write", p, err)
	}
	return nil
}

func (a *SMBAdapter) Delete(ctx context.Context, p string) error {
	share, release, err := a.acquire()
	if err != nil {
		return err
	}
	defer release()

	if err := share.Remove(a.win(p)); err != nil {
		return a.mapErr("delete", p, err)
	}
	return nil
}

func (a *SMBAdapter) Exists(ctx context.Context, p string) (bool, error) {
	_, err := a.Stat(ctx, p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (a *SMBAdapter) mapErr(op, p string, err error) error {
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if os.IsPermission(err) {
		return &AuthError{Backend: a.Name(), Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &ConnectionError{Backend: a.Name(), Err: fmt.Errorf("%s %s: %w", op, p, err)}
	}

	return &ProtocolError{Backend: a.Name(), Op: op, Path: p, Err: err}
}

// smbReader keeps the session read-locked until the file is closed, so a
// reconnect cannot unmount the share mid-download.
type smbReader struct {
	file    *smb2.File
	release func()
	once    sync.Once
}

func (r *smbReader) Read(p []byte) (int, error) {
	return r.file.Read(p)
}

func (r *smbReader) Close() error {
	err := r.file.Close()
	r.once.Do(r.release)
	return err
}
