package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "morilens/pkg/logx"
)

func fastConfig() Config {
	return Config{
		MaxConcurrent:       4,
		PerDestinationDelay: 0,
		RetryMax:            3,
		RetryBase:           time.Millisecond,
		RetryMargin:         time.Millisecond,
		SendTimeout:         time.Second,
	}
}

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q := New(cfg, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}

func TestPerDestinationFIFO(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, fastConfig())

	var mu sync.Mutex
	var order []int
	var running atomic.Int32
	var overlap atomic.Bool

	var done []<-chan error
	for i := 0; i < 20; i++ {
		i := i
		done = append(done, q.Enqueue(7, func(ctx context.Context) error {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			defer running.Add(-1)
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	for _, ch := range done {
		require.NoError(t, wait(t, ch))
	}

	assert.False(t, overlap.Load(), "tasks for one destination overlapped")
	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)
}

func TestRetriedTaskKeepsDestinationOrder(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, fastConfig())

	var mu sync.Mutex
	var order []int
	record := func(i int) {
		mu.Lock()
		order = append(order, i)
		mu.Unlock()
	}

	var tries atomic.Int32
	first := q.Enqueue(9, func(ctx context.Context) error {
		if tries.Add(1) <= 2 {
			return Transient(errors.New("bad gateway"))
		}
		record(1)
		return nil
	})
	second := q.Enqueue(9, func(ctx context.Context) error { record(2); return nil })
	third := q.Enqueue(9, func(ctx context.Context) error { record(3); return nil })

	require.NoError(t, wait(t, first))
	require.NoError(t, wait(t, second))
	require.NoError(t, wait(t, third))
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, int32(3), tries.Load())
	assert.Equal(t, uint64(2), q.Stats().Retries)
}

func TestAdmissionIsFIFOAcrossDestinations(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	q := newTestQueue(t, cfg)

	started := make(chan struct{})
	release := make(chan struct{})
	blocker := q.Enqueue(1, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	var mu sync.Mutex
	var admitted []string
	admit := func(name string) Task {
		return func(ctx context.Context) error {
			mu.Lock()
			admitted = append(admitted, name)
			mu.Unlock()
			return nil
		}
	}

	a := q.Enqueue(2, admit("A"))
	require.Eventually(t, func() bool { return q.Stats().Waiting == 1 }, 2*time.Second, time.Millisecond)
	b := q.Enqueue(3, admit("B"))
	require.Eventually(t, func() bool { return q.Stats().Waiting == 2 }, 2*time.Second, time.Millisecond)

	close(release)
	require.NoError(t, wait(t, blocker))
	require.NoError(t, wait(t, a))
	require.NoError(t, wait(t, b))
	assert.Equal(t, []string{"A", "B"}, admitted)
	assert.Zero(t, q.Stats().Waiting)
}

func TestPerDestinationDelay(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.PerDestinationDelay = 30 * time.Millisecond
	q := newTestQueue(t, cfg)

	var mu sync.Mutex
	var ends, starts []time.Time
	var done []<-chan error
	for i := 0; i < 3; i++ {
		done = append(done, q.Enqueue(1, func(ctx context.Context) error {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			ends = append(ends, time.Now())
			mu.Unlock()
			return nil
		}))
	}
	for _, ch := range done {
		require.NoError(t, wait(t, ch))
	}
	// One more task after the lane went idle still respects the gap.
	require.NoError(t, wait(t, q.Enqueue(1, func(ctx context.Context) error {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil
	})))

	require.Len(t, starts, 4)
	for i := 1; i < 3; i++ {
		gap := starts[i].Sub(ends[i-1])
		assert.GreaterOrEqual(t, gap, cfg.PerDestinationDelay, "gap before task %d", i)
	}
	assert.GreaterOrEqual(t, starts[3].Sub(ends[2]), cfg.PerDestinationDelay)
}

func TestDestinationsRunInParallelUnderCap(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.MaxConcurrent = 2
	q := newTestQueue(t, cfg)

	var cur, peak atomic.Int32
	var done []<-chan error
	for dest := int64(1); dest <= 6; dest++ {
		for k := 0; k < 2; k++ {
			done = append(done, q.Enqueue(dest, func(ctx context.Context) error {
				n := cur.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				cur.Add(-1)
				return nil
			}))
		}
	}
	for _, ch := range done {
		require.NoError(t, wait(t, ch))
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load(), "independent destinations should overlap")
}

func TestRetryAfterThenSuccess(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, fastConfig())

	var attempts atomic.Int32
	err := wait(t, q.Enqueue(1, func(ctx context.Context) error {
		if attempts.Add(1) < 3 {
			return RetryAfter(errors.New("Too Many Requests"), time.Millisecond)
		}
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, uint64(2), q.Stats().Retries)
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, fastConfig())

	boom := errors.New("chat not found")
	var attempts atomic.Int32
	err := wait(t, q.Enqueue(1, func(ctx context.Context) error {
		attempts.Add(1)
		return boom
	}))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestTransientErrorExhaustsRetries(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, fastConfig())

	var attempts atomic.Int32
	err := wait(t, q.Enqueue(1, func(ctx context.Context) error {
		attempts.Add(1)
		return Transient(errors.New("bad gateway"))
	}))
	require.Error(t, err)
	_, retryable := RetryHint(err)
	assert.True(t, retryable)
	assert.Equal(t, int32(4), attempts.Load(), "first attempt plus three retries")
	assert.Equal(t, uint64(1), q.Stats().Failed)
}

func TestFailureDoesNotHaltLane(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, fastConfig())

	first := q.Enqueue(5, func(ctx context.Context) error { return errors.New("forbidden") })
	second := q.Enqueue(5, func(ctx context.Context) error { return nil })
	assert.Error(t, wait(t, first))
	assert.NoError(t, wait(t, second))
}

func TestPanicIsReportedAsError(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, fastConfig())

	err := wait(t, q.Enqueue(1, func(ctx context.Context) error { panic("kaboom") }))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.NoError(t, wait(t, q.Enqueue(1, func(ctx context.Context) error { return nil })))
}

func TestSendTimeoutCancelsAttempt(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.SendTimeout = 10 * time.Millisecond
	q := newTestQueue(t, cfg)

	err := wait(t, q.Enqueue(1, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseDrainsThenRejects(t *testing.T) {
	t.Parallel()
	q := New(fastConfig(), logx.Nop())

	var ran atomic.Int32
	var done []<-chan error
	for i := 0; i < 5; i++ {
		done = append(done, q.Enqueue(int64(i%2), func(ctx context.Context) error {
			time.Sleep(2 * time.Millisecond)
			ran.Add(1)
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))
	assert.Equal(t, int32(5), ran.Load())
	for _, ch := range done {
		assert.NoError(t, wait(t, ch))
	}

	assert.ErrorIs(t, wait(t, q.Enqueue(1, func(ctx context.Context) error { return nil })), ErrClosed)
}

func TestCloseTimeoutCancelsInFlight(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.SendTimeout = time.Minute
	q := New(cfg, logx.Nop())

	started := make(chan struct{})
	ch := q.Enqueue(1, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, wait(t, ch), context.Canceled)
}

func TestRetryHint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		err   error
		after time.Duration
		ok    bool
	}{
		{name: "plain", err: errors.New("x"), ok: false},
		{name: "retry after", err: RetryAfter(errors.New("x"), 3*time.Second), after: 3 * time.Second, ok: true},
		{name: "transient", err: Transient(errors.New("x")), ok: true},
		{name: "wrapped", err: errors.Join(errors.New("ctx"), RetryAfter(errors.New("x"), time.Second)), after: time.Second, ok: true},
		{name: "fatal provider", err: &ProviderError{Code: 403, Description: "Forbidden"}, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			after, ok := RetryHint(tt.err)
			assert.Equal(t, tt.after, after)
			assert.Equal(t, tt.ok, ok)
		})
	}
	assert.Nil(t, RetryAfter(nil, time.Second))
	assert.Nil(t, Transient(nil))
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()
	q := New(Config{RetryBase: time.Second, RetryMargin: 500 * time.Millisecond}, logx.Nop())
	defer q.Close(context.Background())

	d, ok := q.retryDelay(RetryAfter(errors.New("x"), 2*time.Second), 0)
	assert.True(t, ok)
	assert.Equal(t, 2500*time.Millisecond, d)

	d, ok = q.retryDelay(Transient(errors.New("x")), 2)
	assert.True(t, ok)
	assert.Equal(t, 4*time.Second, d)

	_, ok = q.retryDelay(errors.New("x"), 0)
	assert.False(t, ok)
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	assert.Equal(t, 8, cfg.MaxConcurrent)
	assert.Equal(t, 400*time.Millisecond, cfg.PerDestinationDelay)
	assert.Equal(t, 3, cfg.RetryMax)
	assert.Equal(t, time.Second, cfg.RetryBase)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryMargin)
	assert.Equal(t, 30*time.Second, cfg.SendTimeout)
}
