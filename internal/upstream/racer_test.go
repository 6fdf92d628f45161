package upstream

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"mediahub-go/internal/events"
	"mediahub-go/internal/logs"
	"mediahub-go/internal/metrics"
	"mediahub-go/internal/types"
	uptypes "mediahub-go/internal/upstream/types"
)

const (
	localURL = "http://192.168.1.10:32400"
	relayURL = "https://relay.example.net:443"
)

var (
	localCandidate = types.ConnectionCandidate{Protocol: "http", Host: "192.168.1.10", Port: 32400, Local: true}
	relayCandidate = types.ConnectionCandidate{URI: relayURL, Relay: true}
)

func newTestCache() *ConnectionCache {
	return NewConnectionCache(10*time.Minute, 2*time.Minute, nil, zap.NewNop())
}

// blockUntilCancelled never succeeds on its own
func blockUntilCancelled(ctx context.Context, endpoint string) uptypes.ProbeResult {
	<-ctx.Done()
	return uptypes.ProbeResult{Endpoint: endpoint, Err: ctx.Err()}
}

func succeedAfter(ctx context.Context, endpoint string, d time.Duration) uptypes.ProbeResult {
	select {
	case <-time.After(d):
		return uptypes.ProbeResult{Endpoint: endpoint, Success: true, StatusCode: 200, Latency: d}
	case <-ctx.Done():
		return uptypes.ProbeResult{Endpoint: endpoint, Err: ctx.Err()}
	}
}

func failAfter(ctx context.Context, endpoint string, d time.Duration) uptypes.ProbeResult {
	select {
	case <-time.After(d):
		return uptypes.ProbeResult{Endpoint: endpoint, Err: fmt.Errorf("%w: connection refused", types.ErrNetworkUnreachable), Latency: d}
	case <-ctx.Done():
		return uptypes.ProbeResult{Endpoint: endpoint, Err: ctx.Err()}
	}
}

func TestRace_RelayWinsAndLocalIsCancelled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var localDone atomic.Bool
	prober := ProberFunc(func(ctx context.Context, endpoint, token string) uptypes.ProbeResult {
		assert.Equal(t, "secret", token)
		if endpoint == localURL {
			res := blockUntilCancelled(ctx, endpoint)
			localDone.Store(true)
			return res
		}
		return succeedAfter(ctx, endpoint, 50*time.Millisecond)
	})

	cache := newTestCache()
	racer := NewConnectionRacer(prober, cache, RacerOptions{Deadline: 5 * time.Second}, zap.NewNop())

	start := time.Now()
	url, ok := racer.Race(context.Background(), "srv-a", []types.ConnectionCandidate{localCandidate, relayCandidate}, "secret")

	require.True(t, ok)
	assert.Equal(t, relayURL, url)
	assert.True(t, localDone.Load(), "local probe must be terminated before Race returns")
	assert.Less(t, time.Since(start), 2*time.Second)

	cached, ok := cache.GetCached("srv-a")
	require.True(t, ok)
	assert.Equal(t, relayURL, cached)
	assert.False(t, cache.IsFailed("srv-a"))
}

func TestRace_AllFailRecordsOneMarkerAfterEveryProbe(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var finished atomic.Int32
	prober := ProberFunc(func(ctx context.Context, endpoint, _ string) uptypes.ProbeResult {
		defer finished.Add(1)
		delay := 10 * time.Millisecond
		if endpoint == relayURL {
			delay = 80 * time.Millisecond
		}
		return failAfter(ctx, endpoint, delay)
	})

	dir := t.TempDir()
	failures := logs.NewFailureLogger(dir)
	cache := newTestCache()
	racer := NewConnectionRacer(prober, cache, RacerOptions{Deadline: 5 * time.Second, Failures: failures}, zap.NewNop())

	candidates := []types.ConnectionCandidate{
		localCandidate,
		{URI: "https://10-0-0-5.abc.plex.direct:32400"},
		relayCandidate,
	}
	url, ok := racer.Race(context.Background(), "srv-a", candidates, "")

	assert.False(t, ok)
	assert.Empty(t, url)
	assert.Equal(t, int32(3), finished.Load())

	_, count, marked := cache.Failure("srv-a")
	require.True(t, marked)
	assert.Equal(t, 1, count)
	assert.True(t, cache.IsFailed("srv-a"))

	_, err := os.Stat(failures.Path())
	assert.NoError(t, err)
}

func TestRace_EmptyCandidates(t *testing.T) {
	var calls atomic.Int32
	prober := ProberFunc(func(ctx context.Context, endpoint, _ string) uptypes.ProbeResult {
		calls.Add(1)
		return uptypes.ProbeResult{Endpoint: endpoint, Success: true}
	})

	cache := newTestCache()
	racer := NewConnectionRacer(prober, cache, RacerOptions{}, zap.NewNop())

	_, ok := racer.Race(context.Background(), "srv-a", nil, "")
	assert.False(t, ok)
	assert.Equal(t, int32(0), calls.Load())
	assert.True(t, cache.IsFailed("srv-a"))
}

func TestRace_DuplicatesProbedOnce(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	prober := ProberFunc(func(ctx context.Context, endpoint, _ string) uptypes.ProbeResult {
		mu.Lock()
		calls[endpoint]++
		mu.Unlock()
		return failAfter(ctx, endpoint, time.Millisecond)
	})

	racer := NewConnectionRacer(prober, newTestCache(), RacerOptions{}, zap.NewNop())
	candidates := []types.ConnectionCandidate{
		localCandidate,
		{URI: localURL + "/"},
		{URI: localURL},
		relayCandidate,
		relayCandidate,
	}
	_, ok := racer.Race(context.Background(), "srv-a", candidates, "")
	assert.False(t, ok)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{localURL: 1, relayURL: 1}, calls)
}

func TestRace_MalformedCandidateIsSkipped(t *testing.T) {
	prober := ProberFunc(func(ctx context.Context, endpoint, _ string) uptypes.ProbeResult {
		return succeedAfter(ctx, endpoint, time.Millisecond)
	})

	racer := NewConnectionRacer(prober, newTestCache(), RacerOptions{}, zap.NewNop())
	candidates := []types.ConnectionCandidate{
		{URI: "ftp://nas.local"},
		{URI: "://broken"},
		{},
		relayCandidate,
	}
	url, ok := racer.Race(context.Background(), "srv-a", candidates, "")
	require.True(t, ok)
	assert.Equal(t, relayURL, url)
}

func TestRace_OnlyMalformedCandidatesMarksFailed(t *testing.T) {
	prober := ProberFunc(func(ctx context.Context, endpoint, _ string) uptypes.ProbeResult {
		t.Fatalf("unexpected probe of %s", endpoint)
		return uptypes.ProbeResult{}
	})

	cache := newTestCache()
	racer := NewConnectionRacer(prober, cache, RacerOptions{}, zap.NewNop())

	_, ok := racer.Race(context.Background(), "srv-a", []types.ConnectionCandidate{{URI: "ftp://nas.local"}}, "")
	assert.False(t, ok)
	assert.True(t, cache.IsFailed("srv-a"))
}

func TestRace_DeadlineExhaustsRace(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	prober := ProberFunc(func(ctx context.Context, endpoint, _ string) uptypes.ProbeResult {
		return blockUntilCancelled(ctx, endpoint)
	})

	cache := newTestCache()
	racer := NewConnectionRacer(prober, cache, RacerOptions{Deadline: 50 * time.Millisecond}, zap.NewNop())

	_, ok := racer.Race(context.Background(), "srv-a", []types.ConnectionCandidate{localCandidate, relayCandidate}, "")
	assert.False(t, ok)
	assert.True(t, cache.IsFailed("srv-a"))
}

func TestRace_CallerCancellationRecordsNothing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	prober := ProberFunc(func(ctx context.Context, endpoint, _ string) uptypes.ProbeResult {
		return blockUntilCancelled(ctx, endpoint)
	})

	cache := newTestCache()
	racer := NewConnectionRacer(prober, cache, RacerOptions{Deadline: 5 * time.Second}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, ok := racer.Race(ctx, "srv-a", []types.ConnectionCandidate{localCandidate, relayCandidate}, "")
	assert.False(t, ok)
	assert.False(t, cache.IsFailed("srv-a"))
	_, cached := cache.GetCached("srv-a")
	assert.False(t, cached)
}

func TestRace_RespectsMaxParallel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var inFlight, peak atomic.Int32
	prober := ProberFunc(func(ctx context.Context, endpoint, _ string) uptypes.ProbeResult {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		return failAfter(ctx, endpoint, 10*time.Millisecond)
	})

	racer := NewConnectionRacer(prober, newTestCache(), RacerOptions{MaxParallel: 2}, zap.NewNop())

	candidates := make([]types.ConnectionCandidate, 0, 6)
	for i := 0; i < 6; i++ {
		candidates = append(candidates, types.ConnectionCandidate{Protocol: "http", Host: fmt.Sprintf("10.0.0.%d", i+1), Port: 32400})
	}
	_, ok := racer.Race(context.Background(), "srv-a", candidates, "")
	assert.False(t, ok)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(0), inFlight.Load())
}

func TestRace_FirstToAnswerWins(t *testing.T) {
	prober := ProberFunc(func(ctx context.Context, endpoint, _ string) uptypes.ProbeResult {
		if endpoint == localURL {
			return succeedAfter(ctx, endpoint, 5*time.Millisecond)
		}
		return succeedAfter(ctx, endpoint, 200*time.Millisecond)
	})

	racer := NewConnectionRacer(prober, newTestCache(), RacerOptions{}, zap.NewNop())
	url, ok := racer.Race(context.Background(), "srv-a", []types.ConnectionCandidate{relayCandidate, localCandidate}, "")
	require.True(t, ok)
	assert.Equal(t, localURL, url)
}

func TestRace_ConcurrentRacesSameServer(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var failing atomic.Bool
	prober := ProberFunc(func(ctx context.Context, endpoint, _ string) uptypes.ProbeResult {
		if failing.Load() || endpoint == localURL {
			return failAfter(ctx, endpoint, 2*time.Millisecond)
		}
		return succeedAfter(ctx, endpoint, 5*time.Millisecond)
	})

	cache := newTestCache()
	racer := NewConnectionRacer(prober, cache, RacerOptions{}, zap.NewNop())
	candidates := []types.ConnectionCandidate{localCandidate, relayCandidate}

	const racers = 8
	for iteration := 0; iteration < 6; iteration++ {
		fail := iteration%2 == 1
		failing.Store(fail)

		var wg sync.WaitGroup
		results := make(chan string, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				url, ok := racer.Race(context.Background(), "srv-a", candidates, "")
				if ok {
					results <- url
				} else {
					results <- ""
				}
			}()
		}
		wg.Wait()
		close(results)

		for url := range results {
			if fail {
				assert.Empty(t, url, "iteration %d", iteration)
			} else {
				assert.Equal(t, relayURL, url, "iteration %d", iteration)
			}
		}

		_, count, marked := cache.Failure("srv-a")
		if fail {
			require.True(t, marked)
			assert.Equal(t, racers, count, "every exhausted race counts exactly once")
		} else {
			assert.False(t, marked, "a successful race clears the marker")
			cached, ok := cache.GetCached("srv-a")
			require.True(t, ok)
			assert.Equal(t, relayURL, cached)
		}
	}
}

func TestRace_PublishesEventsAndMetrics(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	resolved := bus.Subscribe(events.ConnectionResolved)
	failed := bus.Subscribe(events.ConnectionFailed)

	collectors := metrics.New()
	prober := ProberFunc(func(ctx context.Context, endpoint, _ string) uptypes.ProbeResult {
		if endpoint == relayURL {
			return succeedAfter(ctx, endpoint, time.Millisecond)
		}
		return failAfter(ctx, endpoint, time.Millisecond)
	})
	racer := NewConnectionRacer(prober, newTestCache(), RacerOptions{Bus: bus, Metrics: collectors}, zap.NewNop())

	_, ok := racer.Race(context.Background(), "srv-a", []types.ConnectionCandidate{relayCandidate}, "")
	require.True(t, ok)
	_, ok = racer.Race(context.Background(), "srv-b", []types.ConnectionCandidate{localCandidate}, "")
	require.False(t, ok)

	select {
	case evt := <-resolved:
		assert.Equal(t, "srv-a", evt.ServerID)
		data, isConn := evt.Data.(events.ConnectionData)
		require.True(t, isConn)
		assert.Equal(t, relayURL, data.BaseURL)
	case <-time.After(time.Second):
		t.Fatal("no resolved event")
	}
	select {
	case evt := <-failed:
		assert.Equal(t, "srv-b", evt.ServerID)
		data := evt.Data.(events.ConnectionData)
		assert.Equal(t, 1, data.Failures)
	case <-time.After(time.Second):
		t.Fatal("no failed event")
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.RaceTotal.WithLabelValues(metrics.OutcomeResolved)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.RaceTotal.WithLabelValues(metrics.OutcomeExhausted)))
}

func TestUniqueEndpoints(t *testing.T) {
	endpoints, reasons := uniqueEndpoints([]types.ConnectionCandidate{
		localCandidate,
		{URI: "HTTP://192.168.1.10:32400"},
		{URI: "not a url"},
		relayCandidate,
	})
	assert.Equal(t, []string{localURL, relayURL}, endpoints)
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], types.ErrDataInconsistency.Error())
}
