package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasync/nasync/internal/config"
)

const sampleMultistatus = `<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:">
  <D:response>
    <D:href>/dav/share/</D:href>
    <D:propstat>
      <D:prop>
        <D:resourcetype><D:collection/></D:resourcetype>
        <D:getlastmodified>Mon, 02 Jan 2006 15:04:05 GMT</D:getlastmodified>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
  <D:response>
    <D:href>/dav/share/report.pdf</D:href>
    <D:propstat>
      <D:prop>
        <D:resourcetype/>
        <D:getcontentlength>52417</D:getcontentlength>
        <D:getlastmodified>Tue, 03 Jan 2006 10:00:00 GMT</D:getlastmodified>
        <D:getetag>"abc-123"</D:getetag>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
  <D:response>
    <D:href>/dav/share/photos/</D:href>
    <D:propstat>
      <D:prop>
        <D:resourcetype><D:collection/></D:resourcetype>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`

func TestParseMultistatus(t *testing.T) {
	ms, err := parseMultistatus(strings.NewReader(sampleMultistatus))
	require.NoError(t, err)
	require.Len(t, ms.Responses, 3)

	root := ms.Responses[0]
	assert.Equal(t, "/dav/share/", root.Href)
	assert.NotNil(t, root.Props.Collection)

	file := ms.Responses[1]
	assert.Equal(t, "/dav/share/report.pdf", file.Href)
	assert.Nil(t, file.Props.Collection)
	assert.Equal(t, "52417", file.Props.ContentLength)
	assert.Equal(t, `"abc-123"`, file.Props.ETag)

	photos := ms.Responses[2]
	assert.NotNil(t, photos.Props.Collection)
}

func TestRecordFromProps(t *testing.T) {
	ms, err := parseMultistatus(strings.NewReader(sampleMultistatus))
	require.NoError(t, err)

	rec := recordFromProps("report.pdf", ms.Responses[1].Props)
	assert.Equal(t, "report.pdf", rec.Path)
	assert.Equal(t, int64(52417), rec.Size)
	assert.Equal(t, "abc-123", rec.ETag, "etag quotes are stripped")
	assert.False(t, rec.IsDir)

	want := time.Date(2006, time.January, 3, 10, 0, 0, 0, time.UTC)
	assert.True(t, rec.ModTime.Equal(want))
}

func newTestWebDAV(t *testing.T) *WebDAVAdapter {
	t.Helper()
	a, err := NewWebDAVAdapter(&config.WebDAVConfig{
		URL:      "https://nas.example.com/dav",
		BasePath: "share",
		Username: "user",
		Password: "secret",
	})
	require.NoError(t, err)
	return a
}

func TestWebDAVHref(t *testing.T) {
	a := newTestWebDAV(t)

	tests := []struct {
		rel  string
		want string
	}{
		{"", "https://nas.example.com/dav/share"},
		{"a.txt", "https://nas.example.com/dav/share/a.txt"},
		{"dir/sub/file.bin", "https://nas.example.com/dav/share/dir/sub/file.bin"},
		{"with space.txt", "https://nas.example.com/dav/share/with%20space.txt"},
		{"100% done.txt", "https://nas.example.com/dav/share/100%25%20done.txt"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, a.href(tt.rel), "rel=%q", tt.rel)
	}
}

func TestWebDAVRelOf(t *testing.T) {
	a := newTestWebDAV(t)

	tests := []struct {
		href   string
		want   string
		wantOK bool
	}{
		{"/dav/share/report.pdf", "report.pdf", true},
		{"/dav/share/photos/", "photos", true},
		{"/dav/share/a/b/c.txt", "a/b/c.txt", true},
		{"/dav/share/", "", false},
		{"/dav/share", "", false},
		{"/dav/other/file.txt", "", false},
	}
	for _, tt := range tests {
		got, ok := a.relOf(tt.href)
		assert.Equal(t, tt.wantOK, ok, "href=%q", tt.href)
		if tt.wantOK {
			assert.Equal(t, tt.want, got, "href=%q", tt.href)
		}
	}
}

func TestWebDAVRejectsBadURL(t *testing.T) {
	_, err := NewWebDAVAdapter(&config.WebDAVConfig{URL: "://not-a-url"})
	assert.Error(t, err)
}
