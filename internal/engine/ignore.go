package engine

import (
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/nasync/nasync/internal/utils"
)

// defaultIgnorePatterns covers our own temp files plus the usual editor and
// OS noise that must never cross the wire.
var defaultIgnorePatterns = []string{
	utils.TempPrefix + "*",
	"*.tmp",
	"*.swp",
	"*.swx",
	"*~",
	".DS_Store",
	"._*",
	"Thumbs.db",
	"desktop.ini",
	".git/",
	"state.json",
	"history.db",
	"*.log",
}

// Ignorer filters paths that must not take part in sync.
type Ignorer struct {
	matcher *ignore.GitIgnore
}

// NewIgnorer compiles the default patterns plus any user extras.
func NewIgnorer(extra ...string) *Ignorer {
	lines := append([]string{}, defaultIgnorePatterns...)
	lines = append(lines, extra...)
	return &Ignorer{matcher: ignore.CompileIgnoreLines(lines...)}
}

// Ignored reports whether rel (slash-separated, relative to the sync root)
// is excluded from sync.
func (i *Ignorer) Ignored(rel string) bool {
	return i.matcher.MatchesPath(rel)
}
