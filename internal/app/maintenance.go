package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"morilens/internal/lens"
	"morilens/internal/ratelimit"
	logx "morilens/pkg/logx"
)

// maintenance removes stale lenses and idle rate-limit buckets.
type maintenance struct {
	registry *lens.Registry
	limiter  *ratelimit.Limiter
	idleTTL  atomic.Int64 // time.Duration
	log      logx.Logger
}

func newMaintenance(reg *lens.Registry, lim *ratelimit.Limiter, idle time.Duration, log logx.Logger) *maintenance {
	m := &maintenance{registry: reg, limiter: lim, log: log}
	m.setIdleTTL(idle)
	return m
}

func (m *maintenance) setIdleTTL(d time.Duration) { m.idleTTL.Store(int64(d)) }

func (m *maintenance) run(ctx context.Context) (removed, pruned int) {
	start := time.Now()
	removed = m.registry.Sweep(ctx)
	if m.limiter != nil {
		pruned = m.limiter.Prune(time.Duration(m.idleTTL.Load()))
	}
	m.log.Debug("maintenance done",
		logx.Int("lenses_removed", removed),
		logx.Int("buckets_pruned", pruned),
		logx.Duration("took", time.Since(start)),
	)
	return removed, pruned
}

// schedule registers the job on a new cron runner. spec uses the standard
// cron syntax plus descriptors such as "@every 1h".
func (m *maintenance) schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	cl := cronLogger{log: m.log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(spec, func() { m.run(ctx) }); err != nil {
		return nil, fmt.Errorf("registry.sweep_schedule %q: %w", spec, err)
	}
	return c, nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
