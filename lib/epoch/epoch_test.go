package epoch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedPanicLogger struct {
	lock sync.Mutex
	errs []error
}

func (l *recordedPanicLogger) Error(err error, msg string, fields ...zap.Field) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.errs = append(l.errs, err)
}

func TestCollector_DeferRunsAfterUnpin(t *testing.T) {
	c := NewCollector()
	g := c.Pin()
	ran := atomic.Bool{}
	g.Defer(func() {
		ran.Store(true)
	})
	g.Flush()
	require.False(t, ran.Load())
	require.Equal(t, int64(1), c.Pending())
	g.Unpin()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	left, err := c.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), left)
	require.True(t, ran.Load())
	require.GreaterOrEqual(t, c.Epoch(), uint64(2))
}

func TestCollector_PinnedParticipantBlocksAdvance(t *testing.T) {
	c := NewCollector()
	h := c.Register()
	g := h.Pin()
	require.Equal(t, uint64(0), g.Epoch())
	require.True(t, c.TryAdvance())
	require.False(t, c.TryAdvance())
	require.Equal(t, uint64(1), c.Epoch())
	g.Unpin()
	require.True(t, c.TryAdvance())
	require.Equal(t, uint64(2), c.Epoch())

	g = h.Pin()
	require.Equal(t, uint64(2), g.Epoch())
	g.Unpin()
	h.Release()
}

func TestHandle_NestedPins(t *testing.T) {
	c := NewCollector()
	h := c.Register()
	g1 := h.Pin()
	g2 := h.Pin()
	require.True(t, h.IsPinned())
	g2.Unpin()
	require.True(t, h.IsPinned())
	g1.Unpin()
	require.False(t, h.IsPinned())
	require.Panics(t, func() {
		g1.Unpin()
	})
	h.Release()
}

func TestCollector_PinReusesIdleParticipants(t *testing.T) {
	c := NewCollector()
	for i := 0; i < 100; i++ {
		g := c.Pin()
		g.Unpin()
	}
	require.Equal(t, int64(1), c.Participants())

	g1 := c.Pin()
	g2 := c.Pin()
	require.Equal(t, int64(2), c.Participants())
	g2.Unpin()
	g1.Unpin()

	h := c.Register()
	require.Equal(t, int64(3), c.Participants())
	h.Release()
	for i := 0; i < 3; i++ {
		g := c.Pin()
		defer g.Unpin()
	}
	require.Equal(t, int64(3), c.Participants())
}

func TestCollector_DrainTimeoutWhilePinned(t *testing.T) {
	c := NewCollector()
	h := c.Register()
	pinned := h.Pin()

	ran := atomic.Bool{}
	g := c.Pin()
	g.Defer(func() {
		ran.Store(true)
	})
	g.Unpin()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	left, err := c.Drain(ctx)
	cancel()
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Equal(t, int64(1), left)
	require.False(t, ran.Load())

	pinned.Unpin()
	ctx, cancel = context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	left, err = c.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), left)
	require.True(t, ran.Load())
	h.Release()
}

func TestCollector_DeferPanicRecovered(t *testing.T) {
	logger := &recordedPanicLogger{}
	c := NewCollector(WithCollectorLogger(logger))
	g := c.Pin()
	after := atomic.Bool{}
	g.Defer(func() {
		panic("reclaim failed")
	})
	g.Defer(func() {
		after.Store(true)
	})
	g.Unpin()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := c.Drain(ctx)
	require.NoError(t, err)
	require.True(t, after.Load())
	require.Len(t, logger.errs, 1)
	require.ErrorIs(t, logger.errs[0], ErrEpochDeferPanic)
}

func TestCollector_FullBagSealed(t *testing.T) {
	c := NewCollector()
	h := c.Register()
	g := h.Pin()
	for i := 0; i < bagCapacity; i++ {
		g.Defer(func() {})
	}
	require.Equal(t, int64(1), c.Pending())
	require.Len(t, h.bag, 0)
	g.Unpin()
	h.Release()
}

func testCollectorConcurrentDefer(t *testing.T, c *Collector) {
	const (
		goroutines = 8
		loop       = 10000
	)
	counter := atomic.Int64{}
	wg := sync.WaitGroup{}
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < loop; j++ {
				g := c.Pin()
				g.Defer(func() {
					counter.Add(1)
				})
				g.Unpin()
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	left, err := c.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), left)
	require.Equal(t, int64(goroutines*loop), counter.Load())
}

func TestCollector_ConcurrentDefer(t *testing.T) {
	testCollectorConcurrentDefer(t, NewCollector())
}

func TestCollector_ConcurrentDeferOnPool(t *testing.T) {
	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	defer pool.Release()
	testCollectorConcurrentDefer(t, NewCollector(
		WithCollectorReclaimPool(pool),
		WithCollectorStats("test"),
	))
}
