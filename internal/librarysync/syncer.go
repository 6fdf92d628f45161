// Package librarysync keeps a locally cached, paginated copy of a remote
// library view in step with the server, one page at a time.
package librarysync

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"mediahub-go/internal/config"
	"mediahub-go/internal/events"
	"mediahub-go/internal/metrics"
	"mediahub-go/internal/remote"
	"mediahub-go/internal/storage"
	"mediahub-go/internal/types"
)

// InitializeAction tells the caller whether cached rows can be shown first
type InitializeAction int

const (
	// ForceRefresh means nothing was ever fetched for the view
	ForceRefresh InitializeAction = iota
	// SkipRefresh means cached rows exist and may be served immediately
	SkipRefresh
)

func (a InitializeAction) String() string {
	if a == SkipRefresh {
		return "skip_refresh"
	}
	return "force_refresh"
}

// LoadType selects which end of the view a load extends
type LoadType int

const (
	Refresh LoadType = iota
	Prepend
	Append
)

func (t LoadType) String() string {
	switch t {
	case Refresh:
		return "refresh"
	case Prepend:
		return "prepend"
	case Append:
		return "append"
	default:
		return "unknown"
	}
}

// LoadParams describes one load. Anchor is the jump-to position of a Refresh,
// LastLoadedOffset the position of the last row the caller holds.
type LoadParams struct {
	Type             LoadType
	Anchor           *int
	LastLoadedOffset *int
}

// LoadResult is Success when Err is nil
type LoadResult struct {
	EndReached bool
	Offset     int
	Rows       int
	Err        error
}

// OK reports a successful load
func (r LoadResult) OK() bool {
	return r.Err == nil
}

// PageFetcher fetches one page of a library view
type PageFetcher interface {
	ListPage(ctx context.Context, conn remote.Connection, req remote.PageRequest) (*remote.Page, error)
}

// Connector resolves a server into a usable connection
type Connector interface {
	Connection(ctx context.Context, serverID string) (remote.Connection, error)
}

// Store is the local cache the syncer writes pages into
type Store interface {
	HasPageKeys(view types.ViewKey) (bool, error)
	PageKeyAtOrBefore(view types.ViewKey, offset int) (*types.PageLoadKey, error)
	ApplyPage(w storage.PageWrite) error
}

// Indexer mirrors committed rows into the search index
type Indexer interface {
	IndexRows(rows []types.LocalMediaRow) error
	DeleteView(view types.ViewKey) error
}

// ErrorReporter is told about fetch failures so a dead connection can be
// raced again
type ErrorReporter interface {
	ReportError(serverID string, err error)
}

// Options carries the optional collaborators of a Syncer
type Options struct {
	PageSize int
	Index    Indexer
	Reporter ErrorReporter
	Bus      *events.Bus
	Metrics  *metrics.Collectors
}

// Syncer runs the refresh/append state machine for one view. Loads on the
// same Syncer are serialized.
type Syncer struct {
	view     types.ViewKey
	pageSize int

	fetcher PageFetcher
	conns   Connector
	store   Store

	index    Indexer
	reporter ErrorReporter
	bus      *events.Bus
	metrics  *metrics.Collectors
	logger   *zap.Logger

	mu  sync.Mutex
	now func() time.Time
}

// New creates a syncer for view
func New(view types.ViewKey, fetcher PageFetcher, conns Connector, store Store, opts Options, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = config.DefaultPageSize
	}
	view = view.Normalized()
	return &Syncer{
		view:     view,
		pageSize: opts.PageSize,
		fetcher:  fetcher,
		conns:    conns,
		store:    store,
		index:    opts.Index,
		reporter: opts.Reporter,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		logger:   logger.Named("librarysync").With(zap.String("view", view.String())),
		now:      time.Now,
	}
}

// View returns the normalized view this syncer owns
func (s *Syncer) View() types.ViewKey {
	return s.view
}

// Initialize decides whether the view must be fetched before it can be shown
func (s *Syncer) Initialize() (InitializeAction, error) {
	has, err := s.store.HasPageKeys(s.view)
	if err != nil {
		return ForceRefresh, fmt.Errorf("failed to read page keys: %w", err)
	}
	if has {
		return SkipRefresh, nil
	}
	return ForceRefresh, nil
}

// Load fetches and commits one page. Prepend is always a successful no-op.
// A failed fetch or write leaves the cache untouched.
func (s *Syncer) Load(ctx context.Context, params LoadParams) LoadResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var offset int
	switch params.Type {
	case Prepend:
		return LoadResult{EndReached: true}
	case Refresh:
		if params.Anchor != nil && *params.Anchor > 0 {
			offset = *params.Anchor
		}
	case Append:
		next, ok, err := s.appendOffset(params.LastLoadedOffset)
		if err != nil {
			return s.fail(params.Type, 0, err)
		}
		if !ok {
			return LoadResult{EndReached: true}
		}
		offset = next
	default:
		return s.fail(params.Type, 0, fmt.Errorf("unknown load type %d", params.Type))
	}

	return s.fetchAndCommit(ctx, params.Type, offset)
}

// appendOffset finds the page holding the last loaded row and returns where
// the following page starts. false means the end of the view was reached.
func (s *Syncer) appendOffset(lastLoaded *int) (int, bool, error) {
	if lastLoaded == nil {
		return 0, false, nil
	}
	key, err := s.store.PageKeyAtOrBefore(s.view, *lastLoaded)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read page key: %w", err)
	}
	if key == nil || key.NextOffset == nil {
		return 0, false, nil
	}
	return *key.NextOffset, true, nil
}

func (s *Syncer) fetchAndCommit(ctx context.Context, loadType LoadType, offset int) LoadResult {
	conn, err := s.conns.Connection(ctx, s.view.ServerID)
	if err != nil {
		return s.fail(loadType, offset, err)
	}

	page, err := s.fetcher.ListPage(ctx, conn, remote.PageRequest{
		LibraryKey: s.view.LibraryKey,
		Offset:     offset,
		Size:       s.pageSize,
		Filter:     s.view.Filter,
		Sort:       s.view.Sort,
	})
	if err != nil {
		if s.reporter != nil {
			s.reporter.ReportError(s.view.ServerID, err)
		}
		return s.fail(loadType, offset, err)
	}

	now := s.now()
	rows := make([]types.LocalMediaRow, 0, len(page.Items))
	for i, item := range page.Items {
		rows = append(rows, types.LocalMediaRow{
			View:       s.view,
			PageOffset: offset + i,
			Item:       item,
			CachedAt:   now,
		})
	}

	key := types.PageLoadKey{
		View:       s.view,
		Offset:     offset,
		PrevOffset: prevOffset(offset, s.pageSize),
		NextOffset: nextOffset(offset, len(rows), s.pageSize),
		FetchedAt:  now,
	}
	refresh := loadType == Refresh
	if err := s.store.ApplyPage(storage.PageWrite{View: s.view, Refresh: refresh, Rows: rows, Key: key}); err != nil {
		return s.fail(loadType, offset, fmt.Errorf("failed to store page: %w", err))
	}

	s.updateIndex(refresh, rows)

	endReached := len(rows) == 0
	s.logger.Debug("Page synced",
		zap.String("load_type", loadType.String()),
		zap.Int("offset", offset),
		zap.Int("rows", len(rows)),
		zap.Bool("end_reached", endReached))
	s.metrics.ObservePageLoad(loadType.String(), "success", s.view.ServerID, len(rows))

	data := events.PageData{View: s.view.String(), Offset: offset, Rows: len(rows), EndReached: endReached}
	s.bus.Publish(events.Event{Type: events.LibraryPageSynced, ServerID: s.view.ServerID, Data: data})
	if refresh {
		s.bus.Publish(events.Event{Type: events.LibraryRefreshed, ServerID: s.view.ServerID, Data: data})
	}
	return LoadResult{EndReached: endReached, Offset: offset, Rows: len(rows)}
}

// updateIndex mirrors a committed page into the search index. The cache is
// authoritative, so index failures are only logged.
func (s *Syncer) updateIndex(refresh bool, rows []types.LocalMediaRow) {
	if s.index == nil {
		return
	}
	if refresh {
		if err := s.index.DeleteView(s.view); err != nil {
			s.logger.Warn("Failed to clear view from index", zap.Error(err))
		}
	}
	if err := s.index.IndexRows(rows); err != nil {
		s.logger.Warn("Failed to index rows", zap.Error(err))
	}
}

// SyncResult summarizes a full catch-up
type SyncResult struct {
	Pages      int
	Rows       int
	EndReached bool
}

// SyncAll refreshes the view from offset 0 and appends pages until the end
// is reached or maxPages pages were loaded. maxPages <= 0 means no limit.
func (s *Syncer) SyncAll(ctx context.Context, maxPages int) (SyncResult, error) {
	return s.drain(ctx, s.Load(ctx, LoadParams{Type: Refresh}), maxPages)
}

// CatchUp serves a cached view as is and only appends the pages after its
// last page key. A view without page keys is synced from offset 0.
func (s *Syncer) CatchUp(ctx context.Context, maxPages int) (SyncResult, error) {
	action, err := s.Initialize()
	if err != nil {
		return SyncResult{}, err
	}
	if action == ForceRefresh {
		return s.SyncAll(ctx, maxPages)
	}

	last, err := s.store.PageKeyAtOrBefore(s.view, math.MaxInt32)
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to read page key: %w", err)
	}
	if last == nil {
		return s.SyncAll(ctx, maxPages)
	}
	s.logger.Debug("Catching up cached view", zap.Int("last_page_offset", last.Offset))
	return s.drain(ctx, s.Load(ctx, LoadParams{Type: Append, LastLoadedOffset: &last.Offset}), maxPages)
}

// drain keeps appending after res until the end or maxPages
func (s *Syncer) drain(ctx context.Context, res LoadResult, maxPages int) (SyncResult, error) {
	var result SyncResult
	for {
		if !res.OK() {
			return result, res.Err
		}
		if res.Rows > 0 {
			result.Pages++
			result.Rows += res.Rows
		}
		if res.EndReached {
			result.EndReached = true
			return result, nil
		}
		if maxPages > 0 && result.Pages >= maxPages {
			return result, nil
		}
		last := res.Offset + res.Rows - 1
		res = s.Load(ctx, LoadParams{Type: Append, LastLoadedOffset: &last})
	}
}

func (s *Syncer) fail(loadType LoadType, offset int, err error) LoadResult {
	s.logger.Warn("Page load failed",
		zap.String("load_type", loadType.String()),
		zap.Int("offset", offset),
		zap.Error(err))
	s.metrics.ObservePageLoad(loadType.String(), "error", s.view.ServerID, 0)
	return LoadResult{Offset: offset, Err: err}
}

// prevOffset is nil for the first page and never negative
func prevOffset(offset, pageSize int) *int {
	if offset == 0 {
		return nil
	}
	prev := offset - pageSize
	if prev < 0 {
		prev = 0
	}
	return &prev
}

// nextOffset is nil once a page comes back short
func nextOffset(offset, fetched, pageSize int) *int {
	if fetched == 0 || fetched < pageSize {
		return nil
	}
	next := offset + fetched
	return &next
}
