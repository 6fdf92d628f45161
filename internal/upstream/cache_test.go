package upstream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mediahub-go/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memoryHints struct {
	mu    sync.Mutex
	hints map[string]types.ConnectionHint
	err   error
}

func newMemoryHints(seed ...types.ConnectionHint) *memoryHints {
	h := &memoryHints{hints: make(map[string]types.ConnectionHint)}
	for _, s := range seed {
		h.hints[s.ServerID] = s
	}
	return h
}

func (h *memoryHints) SaveConnectionHint(hint types.ConnectionHint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.hints[hint.ServerID] = hint
	return nil
}

func (h *memoryHints) LoadConnectionHints() ([]types.ConnectionHint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.ConnectionHint, 0, len(h.hints))
	for _, hint := range h.hints {
		out = append(out, hint)
	}
	return out, nil
}

func (h *memoryHints) get(serverID string) (types.ConnectionHint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hint, ok := h.hints[serverID]
	return hint, ok
}

func newClockedCache(clock *fakeClock, hints HintStore) *ConnectionCache {
	c := NewConnectionCache(10*time.Minute, 2*time.Minute, hints, zap.NewNop())
	c.now = clock.Now
	return c
}

func TestConnectionCache_Freshness(t *testing.T) {
	clock := newFakeClock()
	cache := newClockedCache(clock, nil)

	_, ok := cache.GetCached("srv-a")
	assert.False(t, ok)

	cache.SetCached("srv-a", localURL)
	url, ok := cache.GetCached("srv-a")
	require.True(t, ok)
	assert.Equal(t, localURL, url)

	clock.Advance(10 * time.Minute)
	_, ok = cache.GetCached("srv-a")
	assert.True(t, ok, "exactly at the window edge is still fresh")

	clock.Advance(time.Second)
	_, ok = cache.GetCached("srv-a")
	assert.False(t, ok)

	last, _, ok := cache.LastKnown("srv-a")
	assert.True(t, ok)
	assert.Equal(t, localURL, last)
}

func TestConnectionCache_SetCachedWritesHintAndClearsMarker(t *testing.T) {
	clock := newFakeClock()
	hints := newMemoryHints()
	cache := newClockedCache(clock, hints)

	assert.Equal(t, 1, cache.MarkFailed("srv-a"))
	cache.SetCached("srv-a", relayURL)

	assert.False(t, cache.IsFailed("srv-a"))
	hint, ok := hints.get("srv-a")
	require.True(t, ok)
	assert.Equal(t, relayURL, hint.URL)
	assert.Equal(t, clock.Now(), hint.UpdatedAt)
}

func TestConnectionCache_HintWriteFailureIsNotFatal(t *testing.T) {
	hints := newMemoryHints()
	hints.err = errors.New("disk full")
	cache := NewConnectionCache(time.Minute, time.Minute, hints, zap.NewNop())

	cache.SetCached("srv-a", relayURL)
	url, ok := cache.GetCached("srv-a")
	require.True(t, ok)
	assert.Equal(t, relayURL, url)
}

func TestConnectionCache_FailureMarkers(t *testing.T) {
	clock := newFakeClock()
	cache := newClockedCache(clock, nil)

	assert.False(t, cache.IsFailed("srv-a"))
	assert.Equal(t, 1, cache.MarkFailed("srv-a"))
	assert.Equal(t, 2, cache.MarkFailed("srv-a"))
	assert.Equal(t, 1, cache.MarkFailed("srv-b"))
	assert.True(t, cache.IsFailed("srv-a"))

	clock.Advance(2*time.Minute + time.Second)
	assert.False(t, cache.IsFailed("srv-a"), "marker expires after the cooldown")

	_, count, ok := cache.Failure("srv-a")
	assert.True(t, ok)
	assert.Equal(t, 2, count)

	cache.ClearFailed()
	_, _, ok = cache.Failure("srv-a")
	assert.False(t, ok)
	_, _, ok = cache.Failure("srv-b")
	assert.False(t, ok)
}

func TestConnectionCache_ConcurrentMarkFailed(t *testing.T) {
	cache := newTestCache()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.MarkFailed("srv-a")
			cache.IsFailed("srv-a")
			cache.Stats()
		}()
	}
	wg.Wait()

	_, count, ok := cache.Failure("srv-a")
	require.True(t, ok)
	assert.Equal(t, 50, count)
}

func TestConnectionCache_SeedKeepsHintTimestamps(t *testing.T) {
	clock := newFakeClock()
	cache := newClockedCache(clock, nil)
	cache.SetCached("srv-c", "http://fresh:32400")

	seeded := cache.Seed([]types.ConnectionHint{
		{ServerID: "srv-a", URL: localURL, UpdatedAt: clock.Now().Add(-time.Minute)},
		{ServerID: "srv-b", URL: relayURL, UpdatedAt: clock.Now().Add(-time.Hour)},
		{ServerID: "srv-c", URL: "http://stale:32400", UpdatedAt: clock.Now().Add(-time.Hour)},
		{ServerID: "", URL: "http://ignored"},
	})
	assert.Equal(t, 2, seeded)

	url, ok := cache.GetCached("srv-a")
	assert.True(t, ok)
	assert.Equal(t, localURL, url)

	_, ok = cache.GetCached("srv-b")
	assert.False(t, ok, "stale hint is not served")
	last, _, ok := cache.LastKnown("srv-b")
	assert.True(t, ok)
	assert.Equal(t, relayURL, last)

	url, _ = cache.GetCached("srv-c")
	assert.Equal(t, "http://fresh:32400", url)
}

func TestConnectionCache_InvalidateAndCleanup(t *testing.T) {
	clock := newFakeClock()
	cache := newClockedCache(clock, nil)

	cache.SetCached("srv-a", localURL)
	cache.SetCached("srv-b", relayURL)
	cache.MarkFailed("srv-c")

	cache.Invalidate("srv-a")
	_, ok := cache.GetCached("srv-a")
	assert.False(t, ok)

	assert.Equal(t, CacheStats{Cached: 1, Fresh: 1, Failed: 1}, cache.Stats())

	clock.Advance(11 * time.Minute)
	assert.Equal(t, CacheStats{Cached: 1, Fresh: 0, Failed: 0}, cache.Stats())
	assert.Equal(t, 2, cache.CleanupExpired())
	assert.Equal(t, CacheStats{}, cache.Stats())

	cache.SetCached("srv-a", localURL)
	cache.InvalidateAll()
	assert.Equal(t, 0, cache.Stats().Cached)
}
