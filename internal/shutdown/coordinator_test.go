package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) fn(name string, err error) Func {
	return func(context.Context) error {
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
		return err
	}
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestShutdown_PhaseAndPriorityOrder(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	rec := &recorder{}

	c.RegisterFunc("logger", PhaseCleanup, rec.fn("logger", nil))
	c.RegisterFunc("store", PhaseStorage, rec.fn("store", nil))
	c.Register(&Handler{Name: "index", Phase: PhaseStorage, Priority: 10, Fn: rec.fn("index", nil)})
	c.RegisterFunc("connections", PhaseConnections, rec.fn("connections", nil))
	c.RegisterFunc("watcher", PhaseWorkers, rec.fn("watcher", nil))

	assert.Equal(t, []string{"index", "store"}, c.PhaseHandlers(PhaseStorage))
	assert.False(t, c.IsShuttingDown())

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, []string{"watcher", "connections", "index", "store", "logger"}, rec.calls())
	assert.True(t, c.IsShuttingDown())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestShutdown_RunsOnce(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	var calls atomic.Int32
	c.RegisterFunc("once", PhaseStorage, func(context.Context) error {
		calls.Add(1)
		return errors.New("boom")
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Error(t, c.Shutdown(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestShutdown_ErrorsAreJoinedAndLaterPhasesRun(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	rec := &recorder{}
	indexErr := errors.New("index locked")
	storeErr := errors.New("store busy")

	c.RegisterFunc("index", PhaseStorage, rec.fn("index", indexErr))
	c.RegisterCloser("store", PhaseStorage, func() error { return storeErr })
	c.RegisterFunc("logger", PhaseCleanup, rec.fn("logger", nil))

	err := c.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, indexErr)
	assert.ErrorIs(t, err, storeErr)
	assert.Contains(t, err.Error(), "phase Storage")
	assert.Equal(t, []string{"index", "logger"}, rec.calls())
}

func TestShutdown_HandlerTimeout(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	rec := &recorder{}
	c.Register(&Handler{
		Name:    "stuck",
		Phase:   PhaseConnections,
		Timeout: 20 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	})
	c.RegisterFunc("store", PhaseStorage, rec.fn("store", nil))

	err := c.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler timeout")
	assert.Equal(t, []string{"store"}, rec.calls())
}

func TestShutdown_TotalTimeoutSkipsRemainingPhases(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	c.SetTimeouts(30*time.Millisecond, time.Second)
	rec := &recorder{}
	c.RegisterFunc("slow", PhaseWorkers, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c.RegisterFunc("store", PhaseStorage, rec.fn("store", nil))

	err := c.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, rec.calls())
}

func TestShutdown_PanicIsReported(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	c.RegisterFunc("bad", PhaseCleanup, func(context.Context) error { panic("nil map") })

	err := c.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: nil map")
}

func TestShutdown_Progress(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	c.RegisterFunc("a", PhaseWorkers, func(context.Context) error { return nil })
	c.RegisterFunc("b", PhaseStorage, func(context.Context) error { return errors.New("fail") })

	_ = c.Shutdown(context.Background())

	var got []Progress
	for p := range c.Progress() {
		got = append(got, p)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Handler)
	assert.NoError(t, got[0].Error)
	assert.Equal(t, PhaseStorage, got[1].Phase)
	assert.Error(t, got[1].Error)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "Workers", PhaseWorkers.String())
	assert.Equal(t, "Connections", PhaseConnections.String())
	assert.Equal(t, "Storage", PhaseStorage.String())
	assert.Equal(t, "Cleanup", PhaseCleanup.String())
	assert.Equal(t, "Unknown", Phase(42).String())
}
