package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/nasync/nasync/internal/config"
	"github.com/nasync/nasync/internal/utils"
)

const ftpDialTimeout = 10 * time.Second

// FTPAdapter drives a single FTP control connection. FTP cannot multiplex
// commands on one connection, so every operation holds the adapter mutex;
// a reader returned by Open keeps it held until Close.
type FTPAdapter struct {
	cfg  *config.FTPConfig
	mu   sync.Mutex
	conn *ftp.ServerConn
}

func NewFTPAdapter(cfg *config.FTPConfig) *FTPAdapter {
	return &FTPAdapter{cfg: cfg}
}

func (a *FTPAdapter) Name() string { return "ftp" }

func (a *FTPAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(ftpDialTimeout))
	if err != nil {
		return &ConnectionError{Backend: a.Name(), Err: err}
	}

	user, pass := a.cfg.Username, a.cfg.Password
	if user == "" {
		user, pass = "anonymous", "anonymous"
	}
	if err := conn.Login(user, pass); err != nil {
		conn.Quit()
		return a.mapErr("login", "", err)
	}

	a.conn = conn
	return nil
}

func (a *FTPAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return nil
	}
	err := a.conn.Quit()
	a.conn = nil
	return err
}

func (a *FTPAdapter) remote(rel string) string {
	base := a.cfg.BasePath
	if base == "" {
		base = "/"
	}
	return path.Join("/", base, rel)
}

func (a *FTPAdapter) List(ctx context.Context, dir string) ([]*FileRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return nil, &ConnectionError{Backend: a.Name(), Err: errors.New("not connected")}
	}

	entries, err := a.conn.List(a.remote(dir))
	if err != nil {
		return nil, a.mapErr("list", dir, err)
	}

	records := make([]*FileRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		rec := &FileRecord{
			Path:    joinSlash(dir, entry.Name),
			IsDir:   entry.Type == ftp.EntryTypeFolder,
			ModTime: entry.Time.Truncate(time.Second),
		}
		if !rec.IsDir {
			rec.Size = int64(entry.Size)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (a *FTPAdapter) Stat(ctx context.Context, p string) (*FileRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return nil, &ConnectionError{Backend: a.Name(), Err: errors.New("not connected")}
	}

	remote := a.remote(p)
	size, err := a.conn.FileSize(remote)
	if err != nil {
		return nil, a.mapErr("stat", p, err)
	}

	// MDTM is second-granular; all FTP mtimes are truncated accordingly.
	mtime, err := a.conn.GetTime(remote)
	if err != nil {
		return nil, a.mapErr("stat", p, err)
	}

	return &FileRecord{
		Path:    p,
		Size:    size,
		ModTime: mtime.Truncate(time.Second),
	}, nil
}

func (a *FTPAdapter) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	a.mu.Lock()

	if a.conn == nil {
		a.mu.Unlock()
		return nil, &ConnectionError{Backend: a.Name(), Err: errors.New("not connected")}
	}

	resp, err := a.conn.Retr(a.remote(p))
	if err != nil {
		a.mu.Unlock()
		return nil, a.mapErr("open", p, err)
	}

	return &ftpReader{resp: resp, mu: &a.mu}, nil
}

func (a *FTPAdapter) Write(ctx context.Context, p string, r io.Reader, size int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return &ConnectionError{Backend: a.Name(), Err: errors.New("not connected")}
	}

	remote := a.remote(p)
	a.ensureDirLocked(path.Dir(remote))

	tmp := path.Join(path.Dir(remote), utils.TempPrefix+path.Base(remote))
	if err := a.conn.Stor(tmp, r); err != nil {
		a.conn.Delete(tmp)
		return a.mapErr("write", p, err)
	}

	// some servers refuse RNTO onto an existing name
	a.conn.Delete(remote)
	if err := a.conn.Rename(tmp, remote); err != nil {
		a.conn.Delete(tmp)
		return a.mapErr("write", p, err)
	}
	return nil
}

func (a *FTPAdapter) Delete(ctx context.Context, p string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return &ConnectionError{Backend: a.Name(), Err: errors.New("not connected")}
	}

	if err := a.conn.Delete(a.remote(p)); err != nil {
		return a.mapErr("delete", p, err)
	}
	return nil
}

func (a *FTPAdapter) Exists(ctx context.Context, p string) (bool, error) {
	_, err := a.Stat(ctx, p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// ensureDirLocked creates dir and its parents, one MKD per level. Failures
// are ignored: the directory usually exists already and the following STOR
// reports the real error if it doesn't.
func (a *FTPAdapter) ensureDirLocked(dir string) {
	if dir == "/" || dir == "." || dir == "" {
		return
	}

	parts := strings.Split(strings.Trim(dir, "/"), "/")
	current := ""
	for _, part := range parts {
		current += "/" + part
		a.conn.MakeDir(current)
	}
}

func (a *FTPAdapter) mapErr(op, p string, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch {
		case tpErr.Code == ftp.StatusFileUnavailable:
			return ErrNotFound
		case tpErr.Code == ftp.StatusNotLoggedIn || tpErr.Code == ftp.StatusBadArguments:
			return &AuthError{Backend: a.Name(), Err: err}
		default:
			return &ProtocolError{Backend: a.Name(), Op: op, Path: p, Err: err}
		}
	}

	// anything below the FTP reply layer is a transport problem
	return &ConnectionError{Backend: a.Name(), Err: fmt.Errorf("%s %s: %w", op, p, err)}
}

// ftpReader releases the adapter mutex once the data connection is drained.
type ftpReader struct {
	resp *ftp.Response
	mu   *sync.Mutex
	once sync.Once
}

func (r *ftpReader) Read(p []byte) (int, error) {
	return r.resp.Read(p)
}

func (r *ftpReader) Close() error {
	err := r.resp.Close()
	r.once.Do(r.mu.Unlock)
	return err
}
