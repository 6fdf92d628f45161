// Package reconcile merges the same title reported by several servers into
// one canonical item and finds an episode's copies on other servers.
package reconcile

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"mediahub-go/internal/types"
)

// KeyKind says which identity a reconciliation key was derived from
type KeyKind string

const (
	KeyIMDb  KeyKind = "imdb"
	KeyTMDb  KeyKind = "tmdb"
	KeyTitle KeyKind = "title"
)

var (
	imdbPattern = regexp.MustCompile(`^tt\d+$`)
	tmdbPattern = regexp.MustCompile(`^\d+$`)
)

// Key is the grouping key deciding that two items are the same title
type Key struct {
	Kind  KeyKind
	Value string
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.Value
}

// KeyFor derives the key of an item: IMDb id, then TMDb id, then the
// normalized title and year. Malformed ids are ignored.
func KeyFor(item types.MediaItem) Key {
	if id := strings.ToLower(strings.TrimSpace(item.IMDbID)); imdbPattern.MatchString(id) {
		return Key{Kind: KeyIMDb, Value: id}
	}
	if id := strings.TrimSpace(item.TMDbID); tmdbPattern.MatchString(id) {
		return Key{Kind: KeyTMDb, Value: id}
	}
	return Key{Kind: KeyTitle, Value: fmt.Sprintf("%s|%d", NormalizeTitle(item.Title), item.Year)}
}

// NormalizeTitle lowercases, drops everything that is neither a letter, a
// digit nor a space, and trims
func NormalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// sharesExternalID reports whether two items carry the same IMDb or TMDb id
func sharesExternalID(a, b types.MediaItem) bool {
	if a.IMDbID != "" && strings.EqualFold(a.IMDbID, b.IMDbID) {
		return true
	}
	return a.TMDbID != "" && a.TMDbID == b.TMDbID
}
