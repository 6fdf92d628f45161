package upstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mediahub-go/internal/config"
	"mediahub-go/internal/events"
	"mediahub-go/internal/logs"
	"mediahub-go/internal/metrics"
	"mediahub-go/internal/remote"
	"mediahub-go/internal/types"
	uptypes "mediahub-go/internal/upstream/types"
)

// HintRepository reads and writes persisted connection hints
type HintRepository interface {
	HintStore
	LoadConnectionHints() ([]types.ConnectionHint, error)
}

// ManagerOptions configures a Manager. Zero durations use config defaults.
type ManagerOptions struct {
	TTL         time.Duration
	Cooldown    time.Duration
	Deadline    time.Duration
	MaxParallel int

	Hints    HintRepository
	Failures *logs.FailureLogger
	Bus      *events.Bus
	Metrics  *metrics.Collectors
}

type serverEntry struct {
	server    types.Server
	state     uptypes.ConnectionState
	lastError string
}

// Manager resolves and caches the reachable base URL of every known server
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*serverEntry
	order   []string

	cache *ConnectionCache
	racer *ConnectionRacer
	creds types.CredentialProvider
	group singleflight.Group
	bus   *events.Bus

	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewManager creates a manager for servers. When opts.Hints is set the cache
// is seeded from the persisted hints.
func NewManager(servers []types.Server, prober Prober, creds types.CredentialProvider, opts ManagerOptions, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TTL <= 0 {
		opts.TTL = config.ConnectionFreshness
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = config.FailedServerCooldown
	}

	var hintStore HintStore
	if opts.Hints != nil {
		hintStore = opts.Hints
	}
	cache := NewConnectionCache(opts.TTL, opts.Cooldown, hintStore, logger.Named("cache"))

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		servers: make(map[string]*serverEntry, len(servers)),
		cache:   cache,
		racer: NewConnectionRacer(prober, cache, RacerOptions{
			Deadline:    opts.Deadline,
			MaxParallel: opts.MaxParallel,
			Failures:    opts.Failures,
			Bus:         opts.Bus,
			Metrics:     opts.Metrics,
		}, logger),
		creds:  creds,
		bus:    opts.Bus,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.Named("upstream"),
	}
	for _, s := range servers {
		m.servers[s.ID] = &serverEntry{server: s}
		m.order = append(m.order, s.ID)
	}

	if opts.Hints != nil {
		hints, err := opts.Hints.LoadConnectionHints()
		if err != nil {
			m.logger.Warn("Failed to load connection hints", zap.Error(err))
		} else {
			m.logger.Debug("Seeded connection cache from hints",
				zap.Int("hints", len(hints)),
				zap.Int("seeded", cache.Seed(hints)))
		}
	}
	return m
}

// Cache exposes the connection cache
func (m *Manager) Cache() *ConnectionCache {
	return m.cache
}

// Servers returns the known servers in configuration order
func (m *Manager) Servers() []types.Server {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Server, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.servers[id].server)
	}
	return out
}

// Server returns one server by id
func (m *Manager) Server(serverID string) (types.Server, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.servers[serverID]
	if !ok {
		return types.Server{}, false
	}
	return entry.server, true
}

// OwnedServerIDs returns the set of servers the user administers
func (m *Manager) OwnedServerIDs() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owned := make(map[string]bool)
	for id, entry := range m.servers {
		if entry.server.Owned {
			owned[id] = true
		}
	}
	return owned
}

// CachedBaseURL returns a fresh cached URL without racing
func (m *Manager) CachedBaseURL(serverID string) (string, bool) {
	return m.cache.GetCached(serverID)
}

// Token returns the server's access token
func (m *Manager) Token(serverID string) (string, error) {
	if m.creds == nil {
		return "", fmt.Errorf("no credential provider configured")
	}
	return m.creds.Token(serverID)
}

// BaseURL returns the server's reachable base URL, racing its candidates when
// nothing fresh is cached. A server inside its failure cooldown is reported
// unreachable without racing until Retry is called. Concurrent callers for the
// same server share one race.
func (m *Manager) BaseURL(ctx context.Context, serverID string) (string, error) {
	if url, ok := m.cache.GetCached(serverID); ok {
		return url, nil
	}
	if _, ok := m.Server(serverID); !ok {
		return "", fmt.Errorf("%w: unknown server %q", types.ErrNotFound, serverID)
	}
	if m.cache.IsFailed(serverID) {
		return "", fmt.Errorf("%w: server %s is marked offline", types.ErrNetworkUnreachable, serverID)
	}

	ch := m.group.DoChan(serverID, func() (interface{}, error) {
		return m.resolve(serverID)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Connection returns what the remote client needs to talk to the server
func (m *Manager) Connection(ctx context.Context, serverID string) (remote.Connection, error) {
	baseURL, err := m.BaseURL(ctx, serverID)
	if err != nil {
		return remote.Connection{}, err
	}
	token, err := m.Token(serverID)
	if err != nil {
		m.logger.Debug("Using connection without token",
			zap.String("server", serverID),
			zap.Error(err))
	}
	return remote.Connection{ServerID: serverID, BaseURL: baseURL, Token: token}, nil
}

// resolve runs one race under the manager's lifetime context so an abandoned
// caller does not cut short a race other callers are waiting on
func (m *Manager) resolve(serverID string) (string, error) {
	if url, ok := m.cache.GetCached(serverID); ok {
		return url, nil
	}

	server, ok := m.Server(serverID)
	if !ok {
		return "", fmt.Errorf("%w: unknown server %q", types.ErrNotFound, serverID)
	}
	token, err := m.Token(serverID)
	if err != nil {
		m.logger.Debug("Racing without token",
			zap.String("server", serverID),
			zap.Error(err))
	}

	m.setState(serverID, uptypes.StateResolving, "")
	url, ok := m.racer.Race(m.ctx, serverID, m.candidates(server), token)
	if !ok {
		if m.ctx.Err() != nil {
			m.setState(serverID, uptypes.StateUnknown, "")
			return "", m.ctx.Err()
		}
		m.setState(serverID, uptypes.StateUnreachable, "all connection candidates failed")
		return "", fmt.Errorf("%w: no candidate of server %s answered", types.ErrNetworkUnreachable, serverID)
	}
	m.setState(serverID, uptypes.StateReachable, "")
	return url, nil
}

// candidates lists the last known URL first, then local, remote and relay
// candidates in their discovered order
func (m *Manager) candidates(server types.Server) []types.ConnectionCandidate {
	ordered := make([]types.ConnectionCandidate, 0, len(server.Connections)+1)
	if hint, _, ok := m.cache.LastKnown(server.ID); ok {
		ordered = append(ordered, types.ConnectionCandidate{URI: hint})
	}

	rest := append([]types.ConnectionCandidate(nil), server.Connections...)
	sort.SliceStable(rest, func(i, j int) bool {
		return candidateRank(rest[i]) < candidateRank(rest[j])
	})
	return append(ordered, rest...)
}

func candidateRank(c types.ConnectionCandidate) int {
	switch {
	case c.Relay:
		return 2
	case c.Local:
		return 0
	default:
		return 1
	}
}

func (m *Manager) setState(serverID string, state uptypes.ConnectionState, lastError string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.servers[serverID]; ok {
		entry.state = state
		entry.lastError = lastError
	}
}

// Invalidate forgets the server's cached URL so the next call races again.
// Callers use it after a fetch against the cached URL failed to connect.
func (m *Manager) Invalidate(serverID string) {
	m.cache.Invalidate(serverID)
	m.setState(serverID, uptypes.StateUnknown, "")
}

// ReportError invalidates the server's URL when err is a connectivity failure
func (m *Manager) ReportError(serverID string, err error) {
	if errors.Is(err, types.ErrNetworkUnreachable) {
		m.logger.Debug("Invalidating cached connection after network error",
			zap.String("server", serverID),
			zap.Error(err))
		m.Invalidate(serverID)
	}
}

// Retry clears every failure marker and cached URL so the next lookup races
// from scratch
func (m *Manager) Retry() {
	m.cache.ClearFailed()
	m.cache.InvalidateAll()

	m.mu.Lock()
	for _, entry := range m.servers {
		entry.state = uptypes.StateUnknown
		entry.lastError = ""
	}
	m.mu.Unlock()

	m.logger.Info("Connection state reset for retry")
	m.bus.Publish(events.Event{Type: events.ConnectionsReset})
}

// UpdateCandidates replaces a server's candidate list and drops its cached URL
func (m *Manager) UpdateCandidates(serverID string, candidates []types.ConnectionCandidate) error {
	m.mu.Lock()
	entry, ok := m.servers[serverID]
	if ok {
		entry.server.Connections = append([]types.ConnectionCandidate(nil), candidates...)
		entry.state = uptypes.StateUnknown
		entry.lastError = ""
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: unknown server %q", types.ErrNotFound, serverID)
	}
	m.cache.Invalidate(serverID)
	m.logger.Info("Connection candidates updated",
		zap.String("server", serverID),
		zap.Int("candidates", len(candidates)))
	return nil
}

// ApplyConfig pushes candidate lists from a reloaded config into the manager
func (m *Manager) ApplyConfig(cfg *config.Config) {
	for _, s := range cfg.ToServers() {
		current, ok := m.Server(s.ID)
		if !ok {
			m.logger.Warn("Ignoring server added to config during session",
				zap.String("server", s.ID))
			continue
		}
		if candidatesEqual(current.Connections, s.Connections) {
			continue
		}
		_ = m.UpdateCandidates(s.ID, s.Connections)
	}
}

func candidatesEqual(a, b []types.ConnectionCandidate) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Info returns the resolution state of one server
func (m *Manager) Info(serverID string) (uptypes.ConnectionInfo, bool) {
	m.mu.RLock()
	entry, ok := m.servers[serverID]
	var state uptypes.ConnectionState
	var lastError string
	if ok {
		state, lastError = entry.state, entry.lastError
	}
	m.mu.RUnlock()
	if !ok {
		return uptypes.ConnectionInfo{}, false
	}

	info := uptypes.ConnectionInfo{ServerID: serverID, State: state, LastError: lastError}
	if url, ok := m.cache.GetCached(serverID); ok {
		info.BaseURL = url
		if state == uptypes.StateUnknown {
			info.State = uptypes.StateReachable
		}
	}
	if _, resolvedAt, ok := m.cache.LastKnown(serverID); ok {
		info.LastResolved = resolvedAt
	}
	if failedAt, count, ok := m.cache.Failure(serverID); ok {
		info.LastFailure = failedAt
		info.FailureCount = count
	}
	return info, true
}

// ListInfo returns the state of every server in configuration order
func (m *Manager) ListInfo() []uptypes.ConnectionInfo {
	servers := m.Servers()
	out := make([]uptypes.ConnectionInfo, 0, len(servers))
	for _, s := range servers {
		if info, ok := m.Info(s.ID); ok {
			out = append(out, info)
		}
	}
	return out
}

// Close cancels in-flight races. Waiting callers see context.Canceled.
func (m *Manager) Close() {
	m.cancel()
}
