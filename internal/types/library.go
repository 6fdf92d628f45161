package types

import (
	"strings"
	"time"
)

// ViewKey identifies one paginated view of a library: the
// (library, filter, sort) tuple. The library is qualified by its server.
type ViewKey struct {
	ServerID   string `json:"serverId"`
	LibraryKey string `json:"libraryKey"`
	Filter     string `json:"filter,omitempty"`
	Sort       string `json:"sort,omitempty"`
}

// Normalized maps "all"/"default" filter and sort values to empty, so that
// equivalent views share pagination state and send no parameter upstream.
func (v ViewKey) Normalized() ViewKey {
	v.Filter = NormalizeQueryValue(v.Filter)
	v.Sort = NormalizeQueryValue(v.Sort)
	return v
}

func (v ViewKey) String() string {
	n := v.Normalized()
	filter, sort := n.Filter, n.Sort
	if filter == "" {
		filter = "all"
	}
	if sort == "" {
		sort = "default"
	}
	return n.ServerID + "/" + n.LibraryKey + "?filter=" + filter + "&sort=" + sort
}

// NormalizeQueryValue returns "" for values that mean "no parameter"
func NormalizeQueryValue(v string) string {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "", "all", "default":
		return ""
	}
	return v
}

// PageLoadKey records how one fetched page of a view chains to its
// neighbours. A nil NextOffset means the end of the view was reached.
type PageLoadKey struct {
	View       ViewKey   `json:"view"`
	Offset     int       `json:"offset"`
	PrevOffset *int      `json:"prevOffset,omitempty"`
	NextOffset *int      `json:"nextOffset,omitempty"`
	FetchedAt  time.Time `json:"fetchedAt"`
}

// LocalMediaRow is the cached copy of a remote item within one view
type LocalMediaRow struct {
	View       ViewKey   `json:"view"`
	PageOffset int       `json:"pageOffset"`
	Item       MediaItem `json:"item"`
	CachedAt   time.Time `json:"cachedAt"`
}

// ConnectionHint is a persisted last-known-good base URL for a server
type ConnectionHint struct {
	ServerID  string    `json:"serverId"`
	URL       string    `json:"url"`
	UpdatedAt time.Time `json:"updatedAt"`
}
