package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"mediahub-go/internal/remote"
	"mediahub-go/internal/types"
)

// Library is the subset of the remote client the episode resolver needs
type Library interface {
	Search(ctx context.Context, conn remote.Connection, query, itemType string) ([]types.MediaItem, error)
	Children(ctx context.Context, conn remote.Connection, ratingKey string) ([]types.MediaItem, error)
}

// Connector resolves a server into a usable connection
type Connector interface {
	Connection(ctx context.Context, serverID string) (remote.Connection, error)
}

// EpisodeResolver finds copies of an episode on other servers
type EpisodeResolver struct {
	library    Library
	connector  Connector
	reconciler *Reconciler
	logger     *zap.Logger
}

// NewEpisodeResolver creates a resolver. Sources are described with
// reconciler so they match the ones produced by reconciliation.
func NewEpisodeResolver(library Library, connector Connector, reconciler *Reconciler, logger *zap.Logger) *EpisodeResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EpisodeResolver{
		library:    library,
		connector:  connector,
		reconciler: reconciler,
		logger:     logger.Named("episodes"),
	}
}

// ResolveSources returns the episode's own source followed by one source per
// other server that has the same episode, in completion order. Each server is
// searched independently; a failing server only loses its own result.
func (e *EpisodeResolver) ResolveSources(ctx context.Context, episode types.MediaItem, others []types.Server) []types.MediaSource {
	sources := []types.MediaSource{e.reconciler.SourceFor(episode)}

	found := make(chan types.MediaSource, len(others))
	var wg sync.WaitGroup
	for _, server := range others {
		if server.ID == episode.ServerID {
			continue
		}
		wg.Add(1)
		go func(server types.Server) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("Episode lookup panicked",
						zap.String("server", server.ID),
						zap.Any("panic", r))
				}
			}()

			match, err := e.findOn(ctx, episode, server.ID)
			if err != nil {
				if !errors.Is(err, types.ErrNotFound) {
					e.logger.Warn("Episode lookup failed",
						zap.String("server", server.ID),
						zap.String("episode", episode.Title),
						zap.Error(err))
				}
				return
			}
			found <- e.reconciler.SourceFor(*match)
		}(server)
	}
	wg.Wait()
	close(found)

	for src := range found {
		sources = append(sources, src)
	}
	return sources
}

// findOn tries an id match first and falls back to walking show, season and
// episode. ErrNotFound means the server simply does not have the episode.
func (e *EpisodeResolver) findOn(ctx context.Context, episode types.MediaItem, serverID string) (*types.MediaItem, error) {
	conn, err := e.connector.Connection(ctx, serverID)
	if err != nil {
		return nil, err
	}

	match, err := e.matchByID(ctx, conn, episode)
	if err == nil {
		return match, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		e.logger.Debug("Identifier search failed, trying hierarchy",
			zap.String("server", serverID),
			zap.Error(err))
	}
	return e.matchByHierarchy(ctx, conn, episode)
}

// matchByID accepts a search hit only when it shares an external id with the
// episode. Title similarity alone is never enough.
func (e *EpisodeResolver) matchByID(ctx context.Context, conn remote.Connection, episode types.MediaItem) (*types.MediaItem, error) {
	if episode.IMDbID == "" && episode.TMDbID == "" {
		return nil, types.ErrNotFound
	}
	hits, err := e.library.Search(ctx, conn, episode.Title, types.ItemTypeEpisode)
	if err != nil {
		return nil, err
	}
	for i := range hits {
		if sharesExternalID(episode, hits[i]) {
			return &hits[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no id match for %q on %s", types.ErrNotFound, episode.Title, conn.ServerID)
}

func (e *EpisodeResolver) matchByHierarchy(ctx context.Context, conn remote.Connection, episode types.MediaItem) (*types.MediaItem, error) {
	if episode.GrandparentTitle == "" || episode.ParentIndex == nil || episode.Index == nil {
		return nil, fmt.Errorf("%w: episode %q lacks show or numbering", types.ErrNotFound, episode.Title)
	}

	shows, err := e.library.Search(ctx, conn, episode.GrandparentTitle, types.ItemTypeShow)
	if err != nil {
		return nil, err
	}
	show := findItem(shows, func(it types.MediaItem) bool {
		return it.Type == types.ItemTypeShow && strings.EqualFold(it.Title, episode.GrandparentTitle)
	})
	if show == nil {
		return nil, fmt.Errorf("%w: show %q on %s", types.ErrNotFound, episode.GrandparentTitle, conn.ServerID)
	}

	seasons, err := e.library.Children(ctx, conn, show.RatingKey)
	if err != nil {
		return nil, err
	}
	season := findItem(seasons, func(it types.MediaItem) bool {
		return it.Index != nil && *it.Index == *episode.ParentIndex
	})
	if season == nil {
		return nil, fmt.Errorf("%w: season %d of %q on %s", types.ErrNotFound, *episode.ParentIndex, episode.GrandparentTitle, conn.ServerID)
	}

	episodes, err := e.library.Children(ctx, conn, season.RatingKey)
	if err != nil {
		return nil, err
	}
	match := findItem(episodes, func(it types.MediaItem) bool {
		return it.Index != nil && *it.Index == *episode.Index
	})
	if match == nil {
		return nil, fmt.Errorf("%w: episode %d of season %d on %s", types.ErrNotFound, *episode.Index, *episode.ParentIndex, conn.ServerID)
	}
	return match, nil
}

func findItem(items []types.MediaItem, pred func(types.MediaItem) bool) *types.MediaItem {
	for i := range items {
		if pred(items[i]) {
			return &items[i]
		}
	}
	return nil
}
