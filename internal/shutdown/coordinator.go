// Package shutdown closes the client's components in a fixed order: background
// work first, then connections, then the local cache and index.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mediahub-go/internal/config"
)

// Phase orders shutdown work
type Phase int

const (
	// PhaseWorkers stops config watching and running library syncs
	PhaseWorkers Phase = iota
	// PhaseConnections cancels in-flight races and drops the connection cache
	PhaseConnections
	// PhaseStorage closes the search index and the local store
	PhaseStorage
	// PhaseCleanup flushes logs
	PhaseCleanup
)

var phaseOrder = []Phase{PhaseWorkers, PhaseConnections, PhaseStorage, PhaseCleanup}

func (p Phase) String() string {
	switch p {
	case PhaseWorkers:
		return "Workers"
	case PhaseConnections:
		return "Connections"
	case PhaseStorage:
		return "Storage"
	case PhaseCleanup:
		return "Cleanup"
	default:
		return "Unknown"
	}
}

// Func performs one piece of shutdown work within ctx
type Func func(ctx context.Context) error

// Handler is one registered piece of shutdown work
type Handler struct {
	Name     string
	Phase    Phase
	Priority int // higher runs first within a phase
	Fn       Func
	Timeout  time.Duration
}

// Progress reports the outcome of one handler
type Progress struct {
	Phase    Phase
	Handler  string
	Error    error
	Duration time.Duration
}

// Coordinator runs registered handlers phase by phase, once
type Coordinator struct {
	mu       sync.RWMutex
	handlers map[Phase][]*Handler
	logger   *zap.Logger

	once     sync.Once
	done     chan struct{}
	err      error
	stopping atomic.Bool

	handlerTimeout time.Duration
	totalTimeout   time.Duration

	progress chan Progress
}

// NewCoordinator creates a coordinator with the default timeouts
func NewCoordinator(logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		handlers:       make(map[Phase][]*Handler),
		logger:         logger.Named("shutdown"),
		done:           make(chan struct{}),
		handlerTimeout: config.ShutdownHandlerTimeout,
		totalTimeout:   config.ShutdownTimeout,
		progress:       make(chan Progress, config.EventChannelBufferSize),
	}
}

// Register adds a handler
func (c *Coordinator) Register(h *Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h.Timeout <= 0 {
		h.Timeout = c.handlerTimeout
	}
	list := append(c.handlers[h.Phase], h)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority > list[j].Priority })
	c.handlers[h.Phase] = list

	c.logger.Debug("Registered shutdown handler",
		zap.String("name", h.Name),
		zap.String("phase", h.Phase.String()))
}

// RegisterFunc registers fn with default priority and timeout
func (c *Coordinator) RegisterFunc(name string, phase Phase, fn Func) {
	c.Register(&Handler{Name: name, Phase: phase, Fn: fn})
}

// RegisterCloser registers a Close method that takes no context
func (c *Coordinator) RegisterCloser(name string, phase Phase, closeFn func() error) {
	c.RegisterFunc(name, phase, func(context.Context) error { return closeFn() })
}

// IsShuttingDown reports whether Shutdown was called
func (c *Coordinator) IsShuttingDown() bool {
	return c.stopping.Load()
}

// Done is closed once shutdown has finished
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Progress delivers one entry per executed handler; it is closed after shutdown
func (c *Coordinator) Progress() <-chan Progress {
	return c.progress
}

// Shutdown runs every phase in order. Later calls return the first result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.stopping.Store(true)
		c.err = c.run(ctx)
		close(c.done)
		close(c.progress)
	})
	return c.err
}

func (c *Coordinator) run(ctx context.Context) error {
	start := time.Now()
	c.mu.RLock()
	total := c.totalTimeout
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	var errs []error
	for _, phase := range phaseOrder {
		if err := c.runPhase(ctx, phase); err != nil {
			errs = append(errs, fmt.Errorf("phase %s: %w", phase, err))
		}
		if ctx.Err() != nil {
			c.logger.Warn("Shutdown timeout reached, skipping remaining phases",
				zap.Duration("elapsed", time.Since(start)))
			errs = append(errs, fmt.Errorf("shutdown timeout: %w", ctx.Err()))
			break
		}
	}

	if len(errs) > 0 {
		c.logger.Warn("Shutdown completed with errors",
			zap.Duration("duration", time.Since(start)),
			zap.Int("error_count", len(errs)))
		return errors.Join(errs...)
	}
	c.logger.Info("Shutdown completed", zap.Duration("duration", time.Since(start)))
	return nil
}

func (c *Coordinator) runPhase(ctx context.Context, phase Phase) error {
	c.mu.RLock()
	handlers := append([]*Handler(nil), c.handlers[phase]...)
	c.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := c.runHandler(ctx, h); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
		}
	}
	return errors.Join(errs...)
}

// runHandler gives up on a handler after its timeout; the handler's
// goroutine is left to finish on its own
func (c *Coordinator) runHandler(ctx context.Context, h *Handler) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("panic: %v", r)
			}
		}()
		errCh <- h.Fn(ctx)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = fmt.Errorf("handler timeout after %v", h.Timeout)
	}
	elapsed := time.Since(start)

	select {
	case c.progress <- Progress{Phase: h.Phase, Handler: h.Name, Error: err, Duration: elapsed}:
	default:
	}

	if err != nil {
		c.logger.Warn("Shutdown handler failed",
			zap.String("name", h.Name),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return err
	}
	c.logger.Debug("Shutdown handler completed",
		zap.String("name", h.Name),
		zap.Duration("duration", elapsed))
	return nil
}

// SetTimeouts overrides the total and per-handler timeouts; zero keeps a value
func (c *Coordinator) SetTimeouts(total, perHandler time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if total > 0 {
		c.totalTimeout = total
	}
	if perHandler > 0 {
		c.handlerTimeout = perHandler
	}
}

// PhaseHandlers returns handler names of a phase in execution order
func (c *Coordinator) PhaseHandlers(phase Phase) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.handlers[phase]))
	for _, h := range c.handlers[phase] {
		names = append(names, h.Name)
	}
	return names
}
