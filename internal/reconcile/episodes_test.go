package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mediahub-go/internal/remote"
	"mediahub-go/internal/types"
)

// fakeLibrary serves search and children per server
type fakeLibrary struct {
	mu       sync.Mutex
	search   map[string][]types.MediaItem // serverID|type -> hits
	children map[string][]types.MediaItem // serverID|ratingKey -> children
	fail     map[string]error
	panics   map[string]bool
	delay    map[string]time.Duration
	queries  []string
}

func newFakeLibrary() *fakeLibrary {
	return &fakeLibrary{
		search:   map[string][]types.MediaItem{},
		children: map[string][]types.MediaItem{},
		fail:     map[string]error{},
		panics:   map[string]bool{},
		delay:    map[string]time.Duration{},
	}
}

func (f *fakeLibrary) before(ctx context.Context, serverID string) error {
	f.mu.Lock()
	delay, p, err := f.delay[serverID], f.panics[serverID], f.fail[serverID]
	f.mu.Unlock()
	if p {
		panic("broken server " + serverID)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeLibrary) Search(ctx context.Context, conn remote.Connection, query, itemType string) ([]types.MediaItem, error) {
	if err := f.before(ctx, conn.ServerID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, conn.ServerID+"|"+itemType+"|"+query)
	return f.search[conn.ServerID+"|"+itemType], nil
}

func (f *fakeLibrary) Children(ctx context.Context, conn remote.Connection, ratingKey string) ([]types.MediaItem, error) {
	if err := f.before(ctx, conn.ServerID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.children[conn.ServerID+"|"+ratingKey], nil
}

func (f *fakeLibrary) searched(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, q := range f.queries {
		if strings.HasPrefix(q, prefix) {
			out = append(out, q)
		}
	}
	return out
}

type fakeConnector struct {
	offline map[string]bool
}

func (c fakeConnector) Connection(_ context.Context, serverID string) (remote.Connection, error) {
	if c.offline[serverID] {
		return remote.Connection{}, fmt.Errorf("%w: %s", types.ErrNetworkUnreachable, serverID)
	}
	return remote.Connection{ServerID: serverID, BaseURL: "http://" + serverID, Token: "tok"}, nil
}

func expanseEpisode() types.MediaItem {
	return types.MediaItem{
		ServerID:         "srv-a",
		RatingKey:        "500",
		Type:             types.ItemTypeEpisode,
		Title:            "Dulcinea",
		GrandparentTitle: "The Expanse",
		ParentIndex:      intp(1),
		Index:            intp(1),
		IMDbID:           "tt4122068",
	}
}

func servers(ids ...string) []types.Server {
	out := make([]types.Server, 0, len(ids))
	for _, id := range ids {
		out = append(out, types.Server{ID: id})
	}
	return out
}

func newTestResolver(lib *fakeLibrary, conn fakeConnector) *EpisodeResolver {
	return NewEpisodeResolver(lib, conn, New(nil, nil, nil, Options{}, nil), zap.NewNop())
}

func TestResolveSources_IdentifierMatch(t *testing.T) {
	lib := newFakeLibrary()
	lib.search["srv-b|episode"] = []types.MediaItem{
		{ServerID: "srv-b", RatingKey: "9", Type: types.ItemTypeEpisode, Title: "Dulcinea", IMDbID: "tt0000001"},
		{ServerID: "srv-b", RatingKey: "10", Type: types.ItemTypeEpisode, Title: "Dulcinea", IMDbID: "tt4122068"},
	}

	sources := newTestResolver(lib, fakeConnector{}).ResolveSources(context.Background(), expanseEpisode(), servers("srv-a", "srv-b"))
	require.Len(t, sources, 2)
	assert.Equal(t, "srv-a", sources[0].ServerID)
	assert.Equal(t, "500", sources[0].RatingKey)
	assert.Equal(t, "srv-b", sources[1].ServerID)
	assert.Equal(t, "10", sources[1].RatingKey)

	assert.Empty(t, lib.searched("srv-a"), "the episode's own server is not searched")
	assert.Empty(t, lib.searched("srv-b|show"), "hierarchy is skipped after an id match")
}

func TestResolveSources_TitleAloneIsNotEnough(t *testing.T) {
	lib := newFakeLibrary()
	lib.search["srv-b|episode"] = []types.MediaItem{
		{ServerID: "srv-b", RatingKey: "9", Type: types.ItemTypeEpisode, Title: "Dulcinea"},
	}

	sources := newTestResolver(lib, fakeConnector{}).ResolveSources(context.Background(), expanseEpisode(), servers("srv-b"))
	assert.Len(t, sources, 1)
}

func TestResolveSources_HierarchyFallback(t *testing.T) {
	lib := newFakeLibrary()
	lib.search["srv-b|show"] = []types.MediaItem{
		{ServerID: "srv-b", RatingKey: "70", Type: types.ItemTypeShow, Title: "The Expanse Recap"},
		{ServerID: "srv-b", RatingKey: "71", Type: types.ItemTypeShow, Title: "the expanse"},
	}
	lib.children["srv-b|71"] = []types.MediaItem{
		{ServerID: "srv-b", RatingKey: "80", Type: types.ItemTypeSeason, Index: intp(0)},
		{ServerID: "srv-b", RatingKey: "81", Type: types.ItemTypeSeason, Index: intp(1)},
	}
	lib.children["srv-b|81"] = []types.MediaItem{
		{ServerID: "srv-b", RatingKey: "90", Type: types.ItemTypeEpisode, Index: intp(2)},
		{ServerID: "srv-b", RatingKey: "91", Type: types.ItemTypeEpisode, Index: intp(1)},
	}

	sources := newTestResolver(lib, fakeConnector{}).ResolveSources(context.Background(), expanseEpisode(), servers("srv-b"))
	require.Len(t, sources, 2)
	assert.Equal(t, "91", sources[1].RatingKey)
}

func TestResolveSources_MissingSeasonIsNoMatch(t *testing.T) {
	lib := newFakeLibrary()
	lib.search["srv-b|show"] = []types.MediaItem{{ServerID: "srv-b", RatingKey: "71", Type: types.ItemTypeShow, Title: "The Expanse"}}
	lib.children["srv-b|71"] = []types.MediaItem{{ServerID: "srv-b", RatingKey: "82", Index: intp(2)}}

	sources := newTestResolver(lib, fakeConnector{}).ResolveSources(context.Background(), expanseEpisode(), servers("srv-b"))
	assert.Len(t, sources, 1)
}

func TestResolveSources_FailuresAreIsolated(t *testing.T) {
	lib := newFakeLibrary()
	hit := []types.MediaItem{{ServerID: "", RatingKey: "10", Type: types.ItemTypeEpisode, IMDbID: "tt4122068"}}
	for _, id := range []string{"srv-b", "srv-c", "srv-d", "srv-e"} {
		h := append([]types.MediaItem(nil), hit...)
		h[0].ServerID = id
		lib.search[id+"|episode"] = h
	}
	lib.panics["srv-c"] = true
	lib.fail["srv-d"] = &types.RemoteStatusError{StatusCode: 500}
	lib.delay["srv-e"] = 30 * time.Millisecond

	conn := fakeConnector{offline: map[string]bool{"srv-f": true}}
	sources := newTestResolver(lib, conn).ResolveSources(context.Background(), expanseEpisode(), servers("srv-b", "srv-c", "srv-d", "srv-e", "srv-f"))

	require.Len(t, sources, 3)
	assert.Equal(t, "srv-a", sources[0].ServerID)
	got := []string{sources[1].ServerID, sources[2].ServerID}
	assert.ElementsMatch(t, []string{"srv-b", "srv-e"}, got)
}

func TestResolveSources_NoOtherServers(t *testing.T) {
	sources := newTestResolver(newFakeLibrary(), fakeConnector{}).ResolveSources(context.Background(), expanseEpisode(), nil)
	require.Len(t, sources, 1)
	assert.Equal(t, "srv-a", sources[0].ServerID)
}

func TestMatchByHierarchy_RequiresNumbering(t *testing.T) {
	ep := expanseEpisode()
	ep.ParentIndex = nil

	_, err := newTestResolver(newFakeLibrary(), fakeConnector{}).matchByHierarchy(context.Background(), remote.Connection{ServerID: "srv-b"}, ep)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}
