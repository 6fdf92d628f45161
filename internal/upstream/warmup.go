package upstream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// WarmupResult summarizes one pass that resolved every server
type WarmupResult struct {
	Duration   time.Duration
	TotalJobs  int
	Successful int
	Failed     int

	MinResolveTime time.Duration
	MaxResolveTime time.Duration
	AvgResolveTime time.Duration
}

type warmupOutcome struct {
	serverID string
	err      error
	elapsed  time.Duration
}

// Warmup resolves the base URL of every server with a fixed number of
// workers, so later library calls start from a warm cache. Servers already
// cached are counted as successful without racing.
func (m *Manager) Warmup(ctx context.Context, workerCount int) *WarmupResult {
	if workerCount <= 0 {
		workerCount = 4
	}
	start := time.Now()
	servers := m.Servers()

	jobs := make(chan string, len(servers))
	for _, s := range servers {
		jobs <- s.ID
	}
	close(jobs)

	outcomes := make(chan warmupOutcome, len(servers))
	var successful, failed int64

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for id := range jobs {
				if ctx.Err() != nil {
					atomic.AddInt64(&failed, 1)
					outcomes <- warmupOutcome{serverID: id, err: ctx.Err()}
					continue
				}

				begin := time.Now()
				url, err := m.BaseURL(ctx, id)
				elapsed := time.Since(begin)
				if err != nil {
					atomic.AddInt64(&failed, 1)
					m.logger.Warn("Warmup: server unreachable",
						zap.Int("worker_id", workerID),
						zap.String("server", id),
						zap.Duration("elapsed", elapsed),
						zap.Error(err))
				} else {
					atomic.AddInt64(&successful, 1)
					m.logger.Debug("Warmup: server resolved",
						zap.Int("worker_id", workerID),
						zap.String("server", id),
						zap.String("url", url),
						zap.Duration("elapsed", elapsed))
				}
				outcomes <- warmupOutcome{serverID: id, err: err, elapsed: elapsed}
			}
		}(i)
	}
	wg.Wait()
	close(outcomes)

	times := make([]time.Duration, 0, len(servers))
	for o := range outcomes {
		if o.elapsed > 0 {
			times = append(times, o.elapsed)
		}
	}
	minT, maxT, avgT := calculateTimingMetrics(times)

	result := &WarmupResult{
		Duration:       time.Since(start),
		TotalJobs:      len(servers),
		Successful:     int(atomic.LoadInt64(&successful)),
		Failed:         int(atomic.LoadInt64(&failed)),
		MinResolveTime: minT,
		MaxResolveTime: maxT,
		AvgResolveTime: avgT,
	}
	m.logger.Info("Warmup completed",
		zap.Duration("duration", result.Duration),
		zap.Int("servers", result.TotalJobs),
		zap.Int("successful", result.Successful),
		zap.Int("failed", result.Failed),
		zap.Duration("avg_resolve", result.AvgResolveTime))
	return result
}

// calculateTimingMetrics computes min, max, and average from a slice of durations
func calculateTimingMetrics(times []time.Duration) (min, max, avg time.Duration) {
	if len(times) == 0 {
		return 0, 0, 0
	}

	min = times[0]
	max = times[0]
	var total time.Duration

	for _, t := range times {
		if t < min {
			min = t
		}
		if t > max {
			max = t
		}
		total += t
	}

	avg = total / time.Duration(len(times))
	return min, max, avg
}
