// Package catalog presents the cached libraries of every server as one
// reconciled catalog.
package catalog

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mediahub-go/internal/config"
	"mediahub-go/internal/index"
	"mediahub-go/internal/reconcile"
	"mediahub-go/internal/remote"
	"mediahub-go/internal/types"
)

// RowStore reads cached rows
type RowStore interface {
	ListRows(view types.ViewKey) ([]types.LocalMediaRow, error)
	GetRows(ids []string) ([]types.LocalMediaRow, error)
}

// Searcher runs a full-text query over cached rows
type Searcher interface {
	Search(query string, limit int) ([]index.SearchHit, error)
}

// Servers knows the configured servers and how to reach them
type Servers interface {
	Servers() []types.Server
	OwnedServerIDs() map[string]bool
	Connection(ctx context.Context, serverID string) (remote.Connection, error)
}

// MetadataFetcher loads a single item from a server
type MetadataFetcher interface {
	Metadata(ctx context.Context, conn remote.Connection, ratingKey string) (*types.MediaItem, error)
}

// Catalog reads the local cache and reconciles what it finds
type Catalog struct {
	store      RowStore
	search     Searcher
	servers    Servers
	metadata   MetadataFetcher
	reconciler *reconcile.Reconciler
	episodes   *reconcile.EpisodeResolver
	logger     *zap.Logger
}

// New creates a catalog. search and episodes may be nil when local search or
// alternate source lookup is not needed.
func New(store RowStore, search Searcher, servers Servers, metadata MetadataFetcher,
	reconciler *reconcile.Reconciler, episodes *reconcile.EpisodeResolver, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		store:      store,
		search:     search,
		servers:    servers,
		metadata:   metadata,
		reconciler: reconciler,
		episodes:   episodes,
		logger:     logger.Named("catalog"),
	}
}

// Unified reads every cached row of views and reconciles them across servers.
// The same remote item cached under several views counts once.
func (c *Catalog) Unified(views []types.ViewKey) ([]types.MediaItem, error) {
	var rows []types.LocalMediaRow
	for _, view := range views {
		viewRows, err := c.store.ListRows(view)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", view, err)
		}
		rows = append(rows, viewRows...)
	}
	return c.reconciler.Reconcile(uniqueItems(rows), c.servers.OwnedServerIDs()), nil
}

// Search finds cached rows matching query and reconciles them, best match first
func (c *Catalog) Search(query string, limit int) ([]types.MediaItem, error) {
	if c.search == nil {
		return nil, fmt.Errorf("local search is not enabled")
	}
	if limit <= 0 {
		limit = config.DefaultSearchLimit
	}

	hits, err := c.search.Search(query, limit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		ids = append(ids, hit.RowID)
	}
	rows, err := c.store.GetRows(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load matching rows: %w", err)
	}
	if len(rows) < len(ids) {
		c.logger.Debug("Index returned rows no longer cached",
			zap.Int("hits", len(ids)),
			zap.Int("rows", len(rows)))
	}

	return c.reconciler.Reconcile(uniqueItems(rows), c.servers.OwnedServerIDs()), nil
}

// AlternateSources fetches an episode from serverID and looks for it on every
// other configured server. The episode's own source comes first.
func (c *Catalog) AlternateSources(ctx context.Context, serverID, ratingKey string) ([]types.MediaSource, error) {
	if c.episodes == nil || c.metadata == nil {
		return nil, fmt.Errorf("alternate source lookup is not enabled")
	}

	conn, err := c.servers.Connection(ctx, serverID)
	if err != nil {
		return nil, err
	}
	item, err := c.metadata.Metadata(ctx, conn, ratingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s on %s: %w", ratingKey, serverID, err)
	}
	if item.Type != types.ItemTypeEpisode {
		return nil, fmt.Errorf("%w: %s on %s is a %s, not an episode",
			types.ErrDataInconsistency, ratingKey, serverID, item.Type)
	}

	var others []types.Server
	for _, server := range c.servers.Servers() {
		if server.ID != serverID {
			others = append(others, server)
		}
	}
	return c.episodes.ResolveSources(ctx, *item, others), nil
}

// uniqueItems keeps the first row of every (server, rating key) pair
func uniqueItems(rows []types.LocalMediaRow) []types.MediaItem {
	type itemID struct{ server, ratingKey string }
	seen := make(map[itemID]bool, len(rows))
	items := make([]types.MediaItem, 0, len(rows))
	for _, row := range rows {
		id := itemID{row.Item.ServerID, row.Item.RatingKey}
		if seen[id] {
			continue
		}
		seen[id] = true
		items = append(items, row.Item)
	}
	return items
}
