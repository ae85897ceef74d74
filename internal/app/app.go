// Package app wires configuration, logging, storage, the lens registry, the
// dispatch queue, the Telegram transport, the bot and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"morilens/internal/bot"
	"morilens/internal/config"
	"morilens/internal/dispatch"
	"morilens/internal/ingest"
	"morilens/internal/lens"
	"morilens/internal/ratelimit"
	"morilens/internal/runtime/supervisor"
	"morilens/internal/storage"
	"morilens/internal/transport"
	"morilens/internal/transport/telegram"
	logx "morilens/pkg/logx"
)

const maxWatchRestarts = 20

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store    storage.Store
	registry *lens.Registry
	queue    *dispatch.Queue
	limiter  *ratelimit.Limiter
	adapter  *telegram.Adapter
	http     *ingest.Server
	bot      *bot.Bot

	maint     *maintenance
	sweepSpec string
	cron      *cron.Cron

	updates chan transport.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	appLog := log.With(logx.String("comp", "app"))

	// Close what was opened so far when a later step fails.
	var cleanup []func()
	fail := func(err error) (*App, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		_ = logSvc.Close()
		return nil, err
	}

	// Storage (optional)
	var store storage.Store
	sc, enabled, err := mapStorage(cfg)
	if err != nil {
		return fail(err)
	}
	if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return fail(fmt.Errorf("open storage: %w", err))
		}
		store = st
		cleanup = append(cleanup, func() { _ = st.Close() })
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		appLog.Warn("storage disabled; lenses live in memory only")
	}

	regOpts, err := mapRegistry(cfg)
	if err != nil {
		return fail(err)
	}
	regOpts = append(regOpts, lens.WithLogger(log.With(logx.String("comp", "registry"))))
	var persist lens.Persister
	if store != nil {
		persist = store
	}
	registry := lens.New(nil, persist, regOpts...)
	loadCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err = registry.Load(loadCtx)
	cancel()
	if err != nil {
		return fail(err)
	}

	dcfg, err := mapDispatch(cfg)
	if err != nil {
		return fail(err)
	}
	queue := dispatch.New(dcfg, log.With(logx.String("comp", "dispatch")))
	cleanup = append(cleanup, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = queue.Close(ctx)
	})

	tcfg, err := mapTelegram(cfg)
	if err != nil {
		return fail(err)
	}
	ad, err := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fail(fmt.Errorf("telegram: %w", err))
	}

	limiter := ratelimit.New()
	icfg, err := mapIngest(cfg)
	if err != nil {
		return fail(err)
	}
	httpSrv := ingest.New(icfg, registry, queue, ad, limiter, log.With(logx.String("comp", "http")))

	b := bot.New(mapBot(cfg), registry, ad, log)

	return &App{
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		store:     store,
		registry:  registry,
		queue:     queue,
		limiter:   limiter,
		adapter:   ad,
		http:      httpSrv,
		bot:       b,
		maint:     newMaintenance(registry, limiter, idleTTL(cfg), log.With(logx.String("comp", "maintenance"))),
		sweepSpec: sweepSchedule(cfg),
		updates:   make(chan transport.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.http.ReportWorkers(a.sup.Counters)
	a.sup.Go("http", a.http.Run)
	a.sup.GoRestart("bot.updates", func(c context.Context) error {
		return a.bot.Run(c, a.updates)
	}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second), supervisor.WithPublishFirstError(true))

	if a.sweepSpec != "" {
		c, err := a.maint.schedule(a.sup.Context(), a.sweepSpec)
		if err != nil {
			return err
		}
		a.cron = c
		a.cron.Start()
		a.log.Info("maintenance scheduled", logx.String("schedule", a.sweepSpec))
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	// Losing the watcher only disables hot reload, so it never fails the app.
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(250*time.Millisecond, 5*time.Second),
		supervisor.WithMaxRestarts(maxWatchRestarts),
	)

	a.log.Info("app started")
	return nil
}

// applyConfig applies the live-reloadable sections of newCfg.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if a.logs != nil {
		a.logs.Apply(mapLogging(newCfg))
	}
	if a.http != nil {
		a.http.SetLimits(mapLimits(newCfg))
	}
	if a.maint != nil {
		a.maint.setIdleTTL(idleTTL(newCfg))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if config.RequiresRestart(sections) {
		a.log.Warn("some config changes take effect after restart", logx.String("changed", strings.Join(sections, ",")))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so the HTTP server stops accepting captures and loops unwind.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("maintenance", 2*time.Second, func(c context.Context) error {
		if a.cron == nil {
			return nil
		}
		select {
		case <-a.cron.Stop().Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("adapter", 2*time.Second, a.adapter.Stop)
	// Deliveries already accepted get a chance to finish.
	step("dispatch", 10*time.Second, a.queue.Close)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Any("queue", a.queue.Stats()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
