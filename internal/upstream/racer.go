package upstream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mediahub-go/internal/config"
	"mediahub-go/internal/events"
	"mediahub-go/internal/logs"
	"mediahub-go/internal/metrics"
	"mediahub-go/internal/types"
)

// RacerOptions configures a ConnectionRacer. Zero values fall back to the
// defaults in config/timeouts.go; the collaborators are optional.
type RacerOptions struct {
	Deadline    time.Duration
	MaxParallel int

	Failures *logs.FailureLogger
	Bus      *events.Bus
	Metrics  *metrics.Collectors
}

// ConnectionRacer probes a server's candidates concurrently and commits the
// first one to answer
type ConnectionRacer struct {
	prober      Prober
	cache       *ConnectionCache
	deadline    time.Duration
	maxParallel int

	failures *logs.FailureLogger
	bus      *events.Bus
	metrics  *metrics.Collectors
	logger   *zap.Logger
}

// NewConnectionRacer creates a racer that records outcomes in cache
func NewConnectionRacer(prober Prober, cache *ConnectionCache, opts RacerOptions, logger *zap.Logger) *ConnectionRacer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Deadline <= 0 {
		opts.Deadline = config.RaceDeadline
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = config.DefaultMaxParallelProbes
	}
	return &ConnectionRacer{
		prober:      prober,
		cache:       cache,
		deadline:    opts.Deadline,
		maxParallel: opts.MaxParallel,
		failures:    opts.Failures,
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		logger:      logger.Named("racer"),
	}
}

// Race returns the first candidate base URL that answers the probe, or false
// when none did. It returns only after every probe it started has finished.
// On success the URL is cached for serverID; on exhaustion the server is
// marked failed. A race abandoned through ctx records neither.
func (r *ConnectionRacer) Race(ctx context.Context, serverID string, candidates []types.ConnectionCandidate, token string) (string, bool) {
	start := time.Now()
	endpoints, reasons := uniqueEndpoints(candidates)

	if len(endpoints) == 0 {
		if ctx.Err() != nil {
			return "", false
		}
		r.logger.Warn("No usable connection candidates",
			zap.String("server", serverID),
			zap.Int("candidates", len(candidates)))
		r.exhausted(serverID, len(candidates), reasons, start, metrics.OutcomeNoCandidate)
		return "", false
	}

	raceCtx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	g, gctx := errgroup.WithContext(raceCtx)
	g.SetLimit(r.maxParallel)

	var (
		won    atomic.Bool
		winner string
		mu     sync.Mutex
	)

	for _, endpoint := range endpoints {
		// A winner or the deadline stops launching further probes
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			res := r.prober.Probe(gctx, endpoint, token)
			if !res.Cancelled() {
				r.metrics.ObserveProbe(res.Success, res.Latency)
			}

			if res.Success {
				if won.CompareAndSwap(false, true) {
					winner = endpoint
					cancel()
				}
				return nil
			}

			if !res.Cancelled() {
				mu.Lock()
				reasons = append(reasons, describe(res))
				mu.Unlock()
			}
			r.logger.Debug("Probe failed",
				zap.String("server", serverID),
				zap.String("endpoint", endpoint),
				zap.Duration("latency", res.Latency),
				zap.Int("status", res.StatusCode),
				zap.Error(res.Err))
			return nil
		})
	}
	_ = g.Wait()

	if won.Load() {
		r.cache.SetCached(serverID, winner)
		elapsed := time.Since(start)
		r.logger.Info("Connection resolved",
			zap.String("server", serverID),
			zap.String("url", winner),
			zap.Int("candidates", len(endpoints)),
			zap.Duration("elapsed", elapsed))
		r.metrics.ObserveRace(metrics.OutcomeResolved)
		r.bus.Publish(events.Event{
			Type:     events.ConnectionResolved,
			ServerID: serverID,
			Data: events.ConnectionData{
				BaseURL:    winner,
				Candidates: len(endpoints),
				Elapsed:    elapsed,
			},
		})
		return winner, true
	}

	if ctx.Err() != nil {
		r.logger.Debug("Race abandoned by caller",
			zap.String("server", serverID),
			zap.Error(ctx.Err()))
		return "", false
	}

	r.exhausted(serverID, len(endpoints), reasons, start, metrics.OutcomeExhausted)
	return "", false
}

func (r *ConnectionRacer) exhausted(serverID string, candidates int, reasons []string, start time.Time, outcome string) {
	count := r.cache.MarkFailed(serverID)
	elapsed := time.Since(start)

	r.logger.Warn("All connection candidates failed",
		zap.String("server", serverID),
		zap.Int("candidates", candidates),
		zap.Int("failure_count", count),
		zap.Duration("elapsed", elapsed),
		zap.Strings("reasons", reasons))

	if r.failures != nil {
		if err := r.failures.LogServerFailure(serverID, count, reasons); err != nil {
			r.logger.Warn("Failed to write failure log", zap.Error(err))
		}
	}
	r.metrics.ObserveRace(outcome)
	r.bus.Publish(events.Event{
		Type:     events.ConnectionFailed,
		ServerID: serverID,
		Data: events.ConnectionData{
			Candidates: candidates,
			Failures:   count,
			Elapsed:    elapsed,
		},
	})
}

// uniqueEndpoints normalizes candidates to base URLs in input order, dropping
// duplicates. Malformed candidates are reported as failures.
func uniqueEndpoints(candidates []types.ConnectionCandidate) ([]string, []string) {
	seen := make(map[string]struct{}, len(candidates))
	endpoints := make([]string, 0, len(candidates))
	var reasons []string

	for _, c := range candidates {
		base, err := c.BaseURL()
		if err != nil {
			reasons = append(reasons, err.Error())
			continue
		}
		if _, dup := seen[base]; dup {
			continue
		}
		seen[base] = struct{}{}
		endpoints = append(endpoints, base)
	}
	return endpoints, reasons
}
