package protocol

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/imroc/req/v3"

	"github.com/nasync/nasync/internal/config"
	"github.com/nasync/nasync/internal/utils"
)

const webdavTimeout = 30 * time.Second

// WebDAVAdapter speaks RFC 4918 over HTTP. Directory listings are Depth:1
// PROPFINDs; uploads PUT to a temp name and MOVE into place.
type WebDAVAdapter struct {
	cfg    *config.WebDAVConfig
	client *req.Client
	base   *url.URL
}

func NewWebDAVAdapter(cfg *config.WebDAVConfig) (*WebDAVAdapter, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse webdav url: %w", err)
	}

	client := req.C().
		SetTimeout(webdavTimeout).
		DisableAutoReadResponse()

	switch cfg.AuthType {
	case "digest":
		client.SetCommonDigestAuth(cfg.Username, cfg.Password)
	default:
		if cfg.Username != "" {
			client.SetCommonBasicAuth(cfg.Username, cfg.Password)
		}
	}

	return &WebDAVAdapter{cfg: cfg, client: client, base: base}, nil
}

func (a *WebDAVAdapter) Name() string { return "webdav" }

// href maps a normalized relative path to its absolute URL. The path is set
// unescaped; URL.String() percent-encodes it exactly once.
func (a *WebDAVAdapter) href(rel string) string {
	u := *a.base
	u.Path = path.Join("/", a.base.Path, a.cfg.BasePath, rel)
	u.RawPath = ""
	return u.String()
}

// relOf inverts href for a multistatus response entry.
func (a *WebDAVAdapter) relOf(href string) (string, bool) {
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	p := strings.TrimSuffix(u.Path, "/")
	root := strings.TrimSuffix(path.Join("/", a.base.Path, a.cfg.BasePath), "/")
	if p == root {
		return "", false
	}
	if !strings.HasPrefix(p, root+"/") {
		return "", false
	}
	return strings.TrimPrefix(p, root+"/"), true
}

func (a *WebDAVAdapter) Connect(ctx context.Context) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Depth", "0").
		Send("PROPFIND", a.href(""))
	if err != nil {
		return &ConnectionError{Backend: a.Name(), Err: err}
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusMultiStatus, http.StatusNotFound:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Backend: a.Name(), Err: fmt.Errorf("server returned %s", resp.Status)}
	default:
		return &ProtocolError{Backend: a.Name(), Op: "connect", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
}

func (a *WebDAVAdapter) Disconnect() error { return nil }

type multistatus struct {
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href  string `xml:"href"`
	Props davProps
}

type davProps struct {
	ContentLength string   `xml:"getcontentlength"`
	LastModified  string   `xml:"getlastmodified"`
	ETag          string   `xml:"getetag"`
	Collection    *xml.Name
}

// UnmarshalXML flattens the propstat layers; only the 200 OK propstat
// carries values we care about and servers put it first in practice.
func (r *davResponse) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw struct {
		Href      string `xml:"href"`
		Propstats []struct {
			Prop struct {
				ContentLength string `xml:"getcontentlength"`
				LastModified  string `xml:"getlastmodified"`
				ETag          string `xml:"getetag"`
				ResourceType  struct {
					Collection *xml.Name `xml:"collection"`
				} `xml:"resourcetype"`
			} `xml:"prop"`
		} `xml:"propstat"`
	}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}

	r.Href = raw.Href
	for _, ps := range raw.Propstats {
		if ps.Prop.ContentLength != "" || ps.Prop.LastModified != "" || ps.Prop.ResourceType.Collection != nil {
			r.Props = davProps{
				ContentLength: ps.Prop.ContentLength,
				LastModified:  ps.Prop.LastModified,
				ETag:          ps.Prop.ETag,
				Collection:    ps.Prop.ResourceType.Collection,
			}
			break
		}
	}
	return nil
}

func parseMultistatus(r io.Reader) (*multistatus, error) {
	var ms multistatus
	if err := xml.NewDecoder(r).Decode(&ms); err != nil {
		return nil, fmt.Errorf("parse multistatus: %w", err)
	}
	return &ms, nil
}

func (a *WebDAVAdapter) propfind(ctx context.Context, rel, depth string) (*multistatus, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Depth", depth).
		Send("PROPFIND", a.href(rel))
	if err != nil {
		return nil, &ConnectionError{Backend: a.Name(), Err: err}
	}
	defer drain(resp)

	if err := a.checkStatus("propfind", rel, resp); err != nil {
		return nil, err
	}
	return parseMultistatus(resp.Body)
}

func (a *WebDAVAdapter) List(ctx context.Context, dir string) ([]*FileRecord, error) {
	ms, err := a.propfind(ctx, dir, "1")
	if err != nil {
		return nil, err
	}

	var records []*FileRecord
	for _, entry := range ms.Responses {
		rel, ok := a.relOf(entry.Href)
		if !ok || rel == dir {
			continue
		}
		records = append(records, recordFromProps(rel, entry.Props))
	}
	return records, nil
}

func (a *WebDAVAdapter) Stat(ctx context.Context, p string) (*FileRecord, error) {
	ms, err := a.propfind(ctx, p, "0")
	if err != nil {
		return nil, err
	}
	if len(ms.Responses) == 0 {
		return nil, ErrNotFound
	}
	return recordFromProps(p, ms.Responses[0].Props), nil
}

func recordFromProps(rel string, props davProps) *FileRecord {
	rec := &FileRecord{
		Path:  rel,
		IsDir: props.Collection != nil,
		ETag:  strings.Trim(props.ETag, `"`),
	}
	if size, err := strconv.ParseInt(props.ContentLength, 10, 64); err == nil {
		rec.Size = size
	}
	if mtime, err := http.ParseTime(props.LastModified); err == nil {
		rec.ModTime = mtime
	}
	return rec
}

func (a *WebDAVAdapter) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		Send(http.MethodGet, a.href(p))
	if err != nil {
		return nil, &ConnectionError{Backend: a.Name(), Err: err}
	}

	if err := a.checkStatus("open", p, resp); err != nil {
		drain(resp)
		return nil, err
	}
	return resp.Body, nil
}

func (a *WebDAVAdapter) Write(ctx context.Context, p string, r io.Reader, size int64) error {
	if err := a.mkcolAll(ctx, path.Dir(p)); err != nil {
		return err
	}

	tmp := path.Join(path.Dir(p), utils.TempPrefix+path.Base(p))
	putReq := a.client.R().SetContext(ctx).SetBody(r)
	if size >= 0 {
		putReq.SetContentType("application/octet-stream")
	}

	resp, err := putReq.Send(http.MethodPut, a.href(tmp))
	if err != nil {
		return &ConnectionError{Backend: a.Name(), Err: err}
	}
	drain(resp)
	if err := a.checkStatus("write", p, resp); err != nil {
		return err
	}

	resp, err = a.client.R().
		SetContext(ctx).
		SetHeader("Destination", a.href(p)).
		SetHeader("Overwrite", "T").
		Send("MOVE", a.href(tmp))
	if err != nil {
		return &ConnectionError{Backend: a.Name(), Err: err}
	}
	drain(resp)
	if err := a.checkStatus("write", p, resp); err != nil {
		a.Delete(ctx, tmp)
		return err
	}
	return nil
}

// mkcolAll creates dir and its parents. 405 means the collection already
// exists, which is the common case.
func (a *WebDAVAdapter) mkcolAll(ctx context.Context, dir string) error {
	if dir == "." || dir == "/" || dir == "" {
		return nil
	}

	parts := strings.Split(strings.Trim(dir, "/"), "/")
	current := ""
	for _, part := range parts {
		current = joinSlash(current, part)
		resp, err := a.client.R().
			SetContext(ctx).
			Send("MKCOL", a.href(current))
		if err != nil {
			return &ConnectionError{Backend: a.Name(), Err: err}
		}
		drain(resp)

		switch resp.StatusCode {
		case http.StatusCreated, http.StatusMethodNotAllowed:
		case http.StatusUnauthorized, http.StatusForbidden:
			return &AuthError{Backend: a.Name(), Err: fmt.Errorf("mkcol %s: %s", current, resp.Status)}
		default:
			if resp.StatusCode >= 500 {
				return &ProtocolError{Backend: a.Name(), Op: "mkcol", Path: current, Err: fmt.Errorf("status %s", resp.Status)}
			}
		}
	}
	return nil
}

func (a *WebDAVAdapter) Delete(ctx context.Context, p string) error {
	resp, err := a.client.R().
		SetContext(ctx).
		Send(http.MethodDelete, a.href(p))
	if err != nil {
		return &ConnectionError{Backend: a.Name(), Err: err}
	}
	drain(resp)
	return a.checkStatus("delete", p, resp)
}

func (a *WebDAVAdapter) Exists(ctx context.Context, p string) (bool, error) {
	_, err := a.Stat(ctx, p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (a *WebDAVAdapter) checkStatus(op, p string, resp *req.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Backend: a.Name(), Err: fmt.Errorf("%s %s: %s", op, p, resp.Status)}
	case resp.StatusCode >= 500:
		return &ConnectionError{Backend: a.Name(), Err: fmt.Errorf("%s %s: %s", op, p, resp.Status)}
	default:
		return &ProtocolError{Backend: a.Name(), Op: op, Path: p, Err: fmt.Errorf("status %s", resp.Status)}
	}
}

// drain discards an unread response body so the connection can be reused.
func drain(resp *req.Response) {
	if resp != nil && resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}
