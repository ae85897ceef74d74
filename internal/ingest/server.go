// Package ingest serves the public HTTP surface: lens pages, short-link
// redirects and the capture endpoint that relays frames into chats.
package ingest

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"morilens/internal/dispatch"
	"morilens/internal/lens"
	"morilens/internal/ratelimit"
	"morilens/internal/runtime/supervisor"
	"morilens/internal/transport"
	logx "morilens/pkg/logx"
)

type Config struct {
	Addr string
	// BodyLimit caps capture request bodies in bytes.
	BodyLimit int64

	LensRate  float64
	LensBurst int
	IPRate    float64
	IPBurst   int

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// PprofToken mounts the profiler under /debug when set. Requests must send
	// "Authorization: Bearer <token>".
	PprofToken string
}

const (
	DefaultAddr      = ":3000"
	DefaultBodyLimit = 20 << 20
)

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.BodyLimit <= 0 {
		c.BodyLimit = DefaultBodyLimit
	}
	if c.LensRate <= 0 {
		c.LensRate = 1
	}
	if c.LensBurst <= 0 {
		c.LensBurst = 5
	}
	if c.IPRate <= 0 {
		c.IPRate = 2
	}
	if c.IPBurst <= 0 {
		c.IPBurst = 6
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Lenses is the registry view the HTTP surface needs.
type Lenses interface {
	GetLens(code string) (lens.Lens, bool)
	ResolveShort(short string) (string, bool)
	Now() time.Time
}

// Queue runs sends in per-destination order.
type Queue interface {
	Send(ctx context.Context, dest int64, task dispatch.Task) error
	Stats() dispatch.Stats
}

type Server struct {
	cfg    Config
	log    logx.Logger
	lenses Lenses
	queue  Queue
	sender transport.ImageSender
	limit  *ratelimit.Limiter
	limits atomic.Pointer[Limits]
	router chi.Router

	workers atomic.Pointer[func() supervisor.Counters]
}

// ReportWorkers adds the supervisor counters returned by fn to /health.
func (s *Server) ReportWorkers(fn func() supervisor.Counters) {
	if fn != nil {
		s.workers.Store(&fn)
	}
}

// Limits are the token bucket parameters applied to capture requests.
type Limits struct {
	LensRate  float64
	LensBurst int
	IPRate    float64
	IPBurst   int
}

func (c Config) limits() Limits {
	return Limits{LensRate: c.LensRate, LensBurst: c.LensBurst, IPRate: c.IPRate, IPBurst: c.IPBurst}
}

// SetLimits swaps the bucket parameters used by subsequent requests. Zero
// fields keep their defaults. Existing buckets keep their tokens.
func (s *Server) SetLimits(l Limits) {
	c := Config{LensRate: l.LensRate, LensBurst: l.LensBurst, IPRate: l.IPRate, IPBurst: l.IPBurst}.withDefaults()
	applied := c.limits()
	s.limits.Store(&applied)
}

func (s *Server) currentLimits() Limits { return *s.limits.Load() }

func New(cfg Config, lenses Lenses, queue Queue, sender transport.ImageSender, limiter *ratelimit.Limiter, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if limiter == nil {
		limiter = ratelimit.New()
	}
	s := &Server{
		cfg:    cfg.withDefaults(),
		log:    log,
		lenses: lenses,
		queue:  queue,
		sender: sender,
		limit:  limiter,
	}
	l := s.cfg.limits()
	s.limits.Store(&l)
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestMeta)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/lens/{code}", s.handleCameraPage)
	r.Get("/online/{code}", s.handleOnlinePage)
	r.Get("/l/{short}", s.handleShort)
	r.Post("/api/lens/{code}/shoot", s.handleShoot)
	if s.cfg.PprofToken != "" {
		r.With(s.requireBearer(s.cfg.PprofToken)).Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", logx.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
		return err
	}
	s.log.Info("http stopped")
	return nil
}
