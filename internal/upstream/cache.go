package upstream

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"mediahub-go/internal/types"
)

// HintStore persists the last known good URL per server
type HintStore interface {
	SaveConnectionHint(hint types.ConnectionHint) error
}

type cachedConnection struct {
	url        string
	resolvedAt time.Time
}

type failureMarker struct {
	failedAt time.Time
	count    int
}

// CacheStats is a point-in-time view of the cache
type CacheStats struct {
	Cached int `json:"cached"`
	Fresh  int `json:"fresh"`
	Failed int `json:"failed"`
}

// ConnectionCache holds the resolved base URL per server and the set of
// servers whose last race exhausted every candidate. It is owned by the
// Manager and shared by every racer.
type ConnectionCache struct {
	mu      sync.RWMutex
	entries map[string]cachedConnection
	failed  map[string]failureMarker

	ttl      time.Duration
	cooldown time.Duration
	hints    HintStore
	logger   *zap.Logger

	now func() time.Time
}

// NewConnectionCache creates a cache. hints may be nil.
func NewConnectionCache(ttl, cooldown time.Duration, hints HintStore, logger *zap.Logger) *ConnectionCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionCache{
		entries:  make(map[string]cachedConnection),
		failed:   make(map[string]failureMarker),
		ttl:      ttl,
		cooldown: cooldown,
		hints:    hints,
		logger:   logger,
		now:      time.Now,
	}
}

// GetCached returns the base URL if the last successful race for the server
// is within the freshness window
func (c *ConnectionCache) GetCached(serverID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[serverID]
	if !ok || c.now().Sub(entry.resolvedAt) > c.ttl {
		return "", false
	}
	return entry.url, true
}

// SetCached records a race winner, clears the server's failure marker and
// writes the hint through to the store
func (c *ConnectionCache) SetCached(serverID, url string) {
	now := c.now()

	c.mu.Lock()
	c.entries[serverID] = cachedConnection{url: url, resolvedAt: now}
	delete(c.failed, serverID)
	c.mu.Unlock()

	if c.hints == nil {
		return
	}
	if err := c.hints.SaveConnectionHint(types.ConnectionHint{ServerID: serverID, URL: url, UpdatedAt: now}); err != nil {
		c.logger.Warn("Failed to persist connection hint",
			zap.String("server", serverID),
			zap.Error(err))
	}
}

// Seed loads persisted hints. Their stored timestamps are kept, so a hint older
// than the freshness window is never served from the cache. Entries already
// present are not overwritten.
func (c *ConnectionCache) Seed(hints []types.ConnectionHint) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	seeded := 0
	for _, h := range hints {
		if h.ServerID == "" || h.URL == "" {
			continue
		}
		if _, exists := c.entries[h.ServerID]; exists {
			continue
		}
		c.entries[h.ServerID] = cachedConnection{url: h.URL, resolvedAt: h.UpdatedAt}
		seeded++
	}
	return seeded
}

// LastKnown returns the cached URL regardless of freshness
func (c *ConnectionCache) LastKnown(serverID string) (string, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[serverID]
	return entry.url, entry.resolvedAt, ok
}

// MarkFailed records an exhausted race and returns the server's failure count
func (c *ConnectionCache) MarkFailed(serverID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	marker := c.failed[serverID]
	marker.count++
	marker.failedAt = c.now()
	c.failed[serverID] = marker
	return marker.count
}

// IsFailed reports whether the server has a failure marker inside the cooldown
func (c *ConnectionCache) IsFailed(serverID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	marker, ok := c.failed[serverID]
	return ok && c.now().Sub(marker.failedAt) <= c.cooldown
}

// Failure returns the server's marker, if any
func (c *ConnectionCache) Failure(serverID string) (time.Time, int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	marker, ok := c.failed[serverID]
	return marker.failedAt, marker.count, ok
}

// ClearFailed empties the failure set in one step
func (c *ConnectionCache) ClearFailed() {
	c.mu.Lock()
	c.failed = make(map[string]failureMarker)
	c.mu.Unlock()
}

// Invalidate drops the cached URL for one server
func (c *ConnectionCache) Invalidate(serverID string) {
	c.mu.Lock()
	delete(c.entries, serverID)
	c.mu.Unlock()
}

// InvalidateAll drops every cached URL
func (c *ConnectionCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cachedConnection)
	c.mu.Unlock()
}

// CleanupExpired removes stale URLs and expired failure markers
func (c *ConnectionCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for id, entry := range c.entries {
		if now.Sub(entry.resolvedAt) > c.ttl {
			delete(c.entries, id)
			removed++
		}
	}
	for id, marker := range c.failed {
		if now.Sub(marker.failedAt) > c.cooldown {
			delete(c.failed, id)
			removed++
		}
	}
	return removed
}

// Stats returns counts of cached, fresh and failed entries
func (c *ConnectionCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	stats := CacheStats{Cached: len(c.entries)}
	for _, entry := range c.entries {
		if now.Sub(entry.resolvedAt) <= c.ttl {
			stats.Fresh++
		}
	}
	for _, marker := range c.failed {
		if now.Sub(marker.failedAt) <= c.cooldown {
			stats.Failed++
		}
	}
	return stats
}
