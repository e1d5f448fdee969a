package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIgnorerDefaults(t *testing.T) {
	ig := NewIgnorer()

	tests := []struct {
		path    string
		ignored bool
	}{
		{"docs/report.txt", false},
		{"music/track.mp3", false},
		{".DS_Store", true},
		{"photos/.DS_Store", true},
		{"a/.nasync-tmp-4f2a91c0", true},
		{"build/output.tmp", true},
		{"notes.txt~", true},
		{".git/HEAD", true},
		{"state.json", true},
		{"app.log", true},
		{"logfile.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.ignored, ig.Ignored(tt.path))
		})
	}
}

func TestIgnorerExtraPatterns(t *testing.T) {
	ig := NewIgnorer("*.iso", "cache/")

	assert.True(t, ig.Ignored("downloads/disc.iso"))
	assert.True(t, ig.Ignored("cache/page.html"))
	assert.False(t, ig.Ignored("downloads/file.zip"))
}
