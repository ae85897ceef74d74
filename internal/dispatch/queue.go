// Package dispatch serializes outbound sends per destination chat while
// bounding how many sends run at once across all destinations.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	logx "morilens/pkg/logx"
)

// Config controls the queue. Zero values fall back to defaults.
type Config struct {
	// MaxConcurrent bounds sends in flight across all destinations.
	MaxConcurrent int
	// PerDestinationDelay is the gap between the end of one send and the start
	// of the next one for the same destination.
	PerDestinationDelay time.Duration

	// RetryMax is the number of retries after the first attempt.
	// Negative disables retries; 0 uses the default.
	RetryMax    int
	RetryBase   time.Duration
	RetryMargin time.Duration

	// SendTimeout bounds a single attempt.
	SendTimeout time.Duration
}

const (
	DefaultMaxConcurrent       = 8
	DefaultPerDestinationDelay = 400 * time.Millisecond
	DefaultRetryMax            = 3
	DefaultRetryBase           = time.Second
	DefaultRetryMargin         = 500 * time.Millisecond
	DefaultSendTimeout         = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.PerDestinationDelay < 0 {
		c.PerDestinationDelay = 0
	}
	switch {
	case c.RetryMax < 0:
		c.RetryMax = 0
	case c.RetryMax == 0:
		c.RetryMax = DefaultRetryMax
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMargin < 0 {
		c.RetryMargin = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		PerDestinationDelay: DefaultPerDestinationDelay,
		RetryMargin:         DefaultRetryMargin,
	}.withDefaults()
}

// Task performs one send. ctx is cancelled after Config.SendTimeout.
type Task func(ctx context.Context) error

type job struct {
	id       string
	task     Task
	done     chan error
	enqueued time.Time
}

// lane is the FIFO of one destination. running is true while a drain
// goroutine owns the lane.
type lane struct {
	pending []job
	running bool
}

type Stats struct {
	Destinations int    `json:"destinations"`
	Pending      int    `json:"pending"`
	Waiting      int64  `json:"waiting"` // admitted to a lane, blocked on the global cap
	InFlight     int64  `json:"in_flight"`
	Enqueued     uint64 `json:"enqueued"`
	Succeeded    uint64 `json:"succeeded"`
	Failed       uint64 `json:"failed"`
	Retries      uint64 `json:"retries"`
}

// Queue runs tasks in FIFO order per destination with a global concurrency cap.
type Queue struct {
	cfg Config
	log logx.Logger
	sem *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	lanes  map[int64]*lane
	closed bool

	waiting   atomic.Int64
	inFlight  atomic.Int64
	enqueued  atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	retries   atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Queue {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:    cfg,
		log:    log,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[int64]*lane),
	}
}

func (q *Queue) Config() Config { return q.cfg }

// Enqueue appends task to dest's lane. The returned channel receives exactly
// one value: nil on success, otherwise the final error.
func (q *Queue) Enqueue(dest int64, task Task) <-chan error {
	done := make(chan error, 1)
	if task == nil {
		done <- fmt.Errorf("dispatch: nil task")
		return done
	}
	j := job{id: uuid.NewString(), task: task, done: done, enqueued: time.Now()}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		done <- ErrClosed
		return done
	}
	l, ok := q.lanes[dest]
	if !ok {
		l = &lane{}
		q.lanes[dest] = l
	}
	l.pending = append(l.pending, j)
	start := !l.running
	if start {
		l.running = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	q.enqueued.Add(1)
	if start {
		go q.drain(dest, l)
	}
	return done
}

// Send enqueues task and waits for its result or ctx.
func (q *Queue) Send(ctx context.Context, dest int64, task Task) error {
	select {
	case err := <-q.Enqueue(dest, task):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) drain(dest int64, l *lane) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(l.pending) == 0 {
			l.running = false
			q.mu.Unlock()
			return
		}
		j := l.pending[0]
		l.pending[0] = job{}
		l.pending = l.pending[1:]
		q.mu.Unlock()

		err := q.run(dest, j)
		j.done <- err

		if d := q.cfg.PerDestinationDelay; d > 0 {
			_ = sleepCtx(q.ctx, d)
		}
	}
}

func (q *Queue) run(dest int64, j job) error {
	log := q.log.With(logx.Int64("dest", dest), logx.String("job", j.id))
	q.waiting.Add(1)
	err := q.sem.Acquire(q.ctx, 1)
	q.waiting.Add(-1)
	if err != nil {
		q.failed.Add(1)
		return fmt.Errorf("dispatch: %w", err)
	}
	defer q.sem.Release(1)
	q.inFlight.Add(1)
	defer q.inFlight.Add(-1)

	start := time.Now()
	attempts := 0
	for retry := 0; ; retry++ {
		attempts++
		err = q.attempt(j.task, log)
		if err == nil {
			break
		}
		delay, ok := q.retryDelay(err, retry)
		if !ok || retry >= q.cfg.RetryMax {
			break
		}
		q.retries.Add(1)
		log.Debug("send retry scheduled", logx.Int("attempt", attempts+1), logx.Duration("delay", delay), logx.Err(err))
		if werr := sleepCtx(q.ctx, delay); werr != nil {
			break
		}
	}

	if err != nil {
		q.failed.Add(1)
		log.Warn("send failed", logx.Int("attempts", attempts), logx.Duration("dur", time.Since(start)), logx.Err(err))
		return err
	}
	q.succeeded.Add(1)
	log.Debug("send completed",
		logx.Int("attempts", attempts),
		logx.Duration("queue_delay", start.Sub(j.enqueued)),
		logx.Duration("dur", time.Since(start)),
	)
	return nil
}

// attempt runs task once, converting panics to errors.
func (q *Queue) attempt(task Task, log logx.Logger) (err error) {
	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.SendTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("send panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return task(ctx)
}

// retryDelay returns the wait before the next attempt. retry counts retries
// already made. ok is false when err is permanent.
func (q *Queue) retryDelay(err error, retry int) (time.Duration, bool) {
	after, ok := RetryHint(err)
	if !ok {
		return 0, false
	}
	if after > 0 {
		return after + q.cfg.RetryMargin, true
	}
	return q.cfg.RetryBase << retry, true
}

// Stats returns a point-in-time view of the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	st := Stats{Destinations: len(q.lanes)}
	for _, l := range q.lanes {
		st.Pending += len(l.pending)
	}
	q.mu.Unlock()
	st.Waiting = q.waiting.Load()
	st.InFlight = q.inFlight.Load()
	st.Enqueued = q.enqueued.Load()
	st.Succeeded = q.succeeded.Load()
	st.Failed = q.failed.Load()
	st.Retries = q.retries.Load()
	return st
}

// Close stops accepting tasks and waits for queued ones to finish. When ctx
// ends first, in-flight sends and backoff waits are cancelled and the
// remaining tasks fail fast.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-drained
		return ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
