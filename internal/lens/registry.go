package lens

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	logx "morilens/pkg/logx"
)

const (
	DefaultBaseURL = "https://morilens.party"
	// DefaultGrace is how long an expired lens is kept before a sweep removes it.
	DefaultGrace = 4 * 24 * time.Hour

	defaultSaveTimeout = 5 * time.Second
)

// Registry owns lens identities, short links and their persistence.
//
// Every operation holds the registry lock for its whole mutation, so callers
// observe each one as atomic. Snapshots are written through after every
// mutation; a failed write is logged and the in-memory state stays
// authoritative.
type Registry struct {
	mu    sync.RWMutex
	store Store

	persist Persister
	// saveMu orders snapshot writes so the last write carries the newest state.
	saveMu      sync.Mutex
	saveTimeout time.Duration

	log     logx.Logger
	now     func() time.Time
	src     CodeSource
	baseURL string
	grace   time.Duration
}

type Option func(*Registry)

func WithBaseURL(base string) Option {
	return func(r *Registry) {
		if b := strings.TrimRight(strings.TrimSpace(base), "/"); b != "" {
			r.baseURL = b
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(r *Registry) { r.log = log } }

func WithGrace(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithCodeSource replaces the random source used for codes and short codes.
func WithCodeSource(src CodeSource) Option {
	return func(r *Registry) {
		if src != nil {
			r.src = src
		}
	}
}

func WithSaveTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.saveTimeout = d
		}
	}
}

// New builds a registry over store. persist may be nil for a memory-only registry.
func New(store Store, persist Persister, opts ...Option) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	r := &Registry{
		store:       store,
		persist:     persist,
		saveTimeout: defaultSaveTimeout,
		log:         logx.Nop(),
		now:         time.Now,
		src:         newNanoidSource().draw,
		baseURL:     DefaultBaseURL,
		grace:       DefaultGrace,
	}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	return r
}

// Load replaces the in-memory state with the persisted snapshot. When no
// snapshot exists yet the current state is kept and written immediately.
func (r *Registry) Load(ctx context.Context) error {
	if r.persist == nil {
		return nil
	}
	snap, ok, err := r.persist.Load(ctx)
	if err != nil {
		return fmt.Errorf("load registry snapshot: %w", err)
	}
	if !ok {
		r.log.Info("no registry snapshot found; starting empty")
		r.flush(ctx)
		return nil
	}

	r.mu.Lock()
	r.resetLocked()
	for _, l := range snap.Lenses {
		if l.Code == "" {
			continue
		}
		if !l.Kind.Valid() {
			l.Kind = KindCamera
		}
		r.store.Put(l)
	}
	for short, long := range snap.ShortLinks {
		r.store.PutLink(short, long)
	}
	n := r.store.Len()
	r.mu.Unlock()

	r.log.Info("registry snapshot loaded", logx.Int("lenses", n), logx.Int("short_links", len(snap.ShortLinks)))
	return nil
}

func (r *Registry) resetLocked() {
	var codes, shorts []string
	r.store.Range(func(l Lens) bool {
		codes = append(codes, l.Code)
		return true
	})
	r.store.RangeLinks(func(short, _ string) bool {
		shorts = append(shorts, short)
		return true
	})
	for _, c := range codes {
		r.store.Delete(c)
	}
	for _, s := range shorts {
		r.store.DeleteLink(s)
	}
}

// Snapshot returns a copy of the full registry state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		Lenses:     make([]Lens, 0, r.store.Len()),
		ShortLinks: make(map[string]string),
		SavedAt:    r.now(),
	}
	r.store.Range(func(l Lens) bool {
		snap.Lenses = append(snap.Lenses, l)
		return true
	})
	r.store.RangeLinks(func(short, long string) bool {
		snap.ShortLinks[short] = long
		return true
	})
	return snap
}

func (r *Registry) flush(ctx context.Context) {
	if r.persist == nil {
		return
	}
	// A cancelled request must not skip the write-through.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.saveTimeout)
	defer cancel()

	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	snap := r.Snapshot()
	if err := r.persist.Save(sctx, snap); err != nil {
		r.log.Error("registry snapshot save failed", logx.Int("lenses", len(snap.Lenses)), logx.Err(err))
	}
}

func normalizeName(name string) string {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > MaxNameLen {
		name = strings.TrimSpace(string([]rune(name)[:MaxNameLen]))
	}
	return name
}

// CreateLens registers a new unconnected lens with a fresh code.
func (r *Registry) CreateLens(ctx context.Context, ownerID int64, name string, kind Kind) (Lens, error) {
	name = normalizeName(name)
	if ownerID == 0 || name == "" {
		return Lens{}, fmt.Errorf("%w: owner and name are required", ErrInvalid)
	}
	if kind == "" {
		kind = KindCamera
	}
	if !kind.Valid() {
		return Lens{}, fmt.Errorf("%w: unknown kind %q", ErrInvalid, kind)
	}

	r.mu.Lock()
	code, err := uniqueCode(r.src, CodeAlphabet, CodeLength, func(c string) bool {
		_, taken := r.store.Get(c)
		return taken
	})
	if err != nil {
		r.mu.Unlock()
		return Lens{}, err
	}
	l := Lens{
		Code:      code,
		Name:      name,
		OwnerID:   ownerID,
		Kind:      kind,
		CreatedAt: r.now().UnixMilli(),
	}
	r.store.Put(l)
	r.mu.Unlock()

	r.log.Info("lens created", logx.String("code", code), logx.Int64("owner", ownerID), logx.String("kind", string(kind)))
	r.flush(ctx)
	return l, nil
}

func (r *Registry) update(ctx context.Context, code string, fn func(l *Lens)) (Lens, error) {
	r.mu.Lock()
	l, ok := r.store.Get(code)
	if !ok {
		r.mu.Unlock()
		return Lens{}, ErrNotFound
	}
	fn(&l)
	r.store.Put(l)
	r.mu.Unlock()

	r.flush(ctx)
	return l, nil
}

// ConnectLens binds the lens to a destination chat, replacing any previous one.
func (r *Registry) ConnectLens(ctx context.Context, code string, destinationID int64) (Lens, error) {
	if destinationID == 0 {
		return Lens{}, fmt.Errorf("%w: destination is required", ErrInvalid)
	}
	l, err := r.update(ctx, code, func(l *Lens) { l.DestinationID = destinationID })
	if err == nil {
		r.log.Info("lens connected", logx.String("code", code), logx.Int64("dest", destinationID))
	}
	return l, err
}

// SetExpiry overwrites the lens expiry (unix ms).
func (r *Registry) SetExpiry(ctx context.Context, code string, expiresAt int64) (Lens, error) {
	if expiresAt <= 0 {
		return Lens{}, fmt.Errorf("%w: expiry must be a positive unix ms timestamp", ErrInvalid)
	}
	l, err := r.update(ctx, code, func(l *Lens) { l.ExpiresAt = expiresAt })
	if err == nil {
		r.log.Info("lens expiry set", logx.String("code", code), logx.Int64("expires_at", expiresAt))
	}
	return l, err
}

func (r *Registry) GetLens(code string) (Lens, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.Get(code)
}

// ListByOwner sweeps stale lenses, then returns the owner's lenses in creation order.
func (r *Registry) ListByOwner(ctx context.Context, ownerID int64) []Lens {
	r.Sweep(ctx)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.ByOwner(ownerID)
}

func (r *Registry) IsExpired(code string) bool {
	l, ok := r.GetLens(code)
	if !ok {
		return false
	}
	return l.ExpiredAt(r.now())
}

// EnsureShort returns the short link for longURL, minting one on first use.
func (r *Registry) EnsureShort(ctx context.Context, longURL string) (ShortLink, error) {
	if strings.TrimSpace(longURL) == "" {
		return ShortLink{}, fmt.Errorf("%w: long url is required", ErrInvalid)
	}
	r.mu.Lock()
	short, minted, err := r.ensureShortLocked(longURL)
	r.mu.Unlock()
	if err != nil {
		return ShortLink{}, err
	}
	if minted {
		r.log.Debug("short link created", logx.String("short", short))
		r.flush(ctx)
	}
	return ShortLink{Code: short, URL: r.ShortURL(short)}, nil
}

func (r *Registry) ensureShortLocked(longURL string) (string, bool, error) {
	existing := ""
	r.store.RangeLinks(func(short, long string) bool {
		if long == longURL {
			existing = short
			return false
		}
		return true
	})
	if existing != "" {
		return existing, false, nil
	}
	short, err := uniqueCode(r.src, ShortAlphabet, ShortLength, func(c string) bool {
		_, taken := r.store.GetLink(c)
		return taken
	})
	if err != nil {
		return "", false, err
	}
	r.store.PutLink(short, longURL)
	return short, true, nil
}

// ShortenLens ensures a short link for the lens's current public link and
// records it on the lens.
func (r *Registry) ShortenLens(ctx context.Context, code string) (ShortLink, error) {
	r.mu.Lock()
	l, ok := r.store.Get(code)
	if !ok {
		r.mu.Unlock()
		return ShortLink{}, ErrNotFound
	}
	short, minted, err := r.ensureShortLocked(r.linkFor(l))
	if err != nil {
		r.mu.Unlock()
		return ShortLink{}, err
	}
	changed := minted || l.ShortCode != short
	if l.ShortCode != short {
		l.ShortCode = short
		r.store.Put(l)
	}
	r.mu.Unlock()

	if changed {
		r.flush(ctx)
	}
	return ShortLink{Code: short, URL: r.ShortURL(short)}, nil
}

func (r *Registry) ResolveShort(short string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.GetLink(short)
}

// Sweep removes lenses whose expiry is more than the grace period in the past.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.now().UnixMilli()
	graceMS := r.grace.Milliseconds()

	r.mu.Lock()
	var stale []Lens
	r.store.Range(func(l Lens) bool {
		if l.HasExpiry() && now-l.ExpiresAt > graceMS {
			stale = append(stale, l)
		}
		return true
	})
	for _, l := range stale {
		r.store.Delete(l.Code)
		r.dropLinksLocked(l)
	}
	r.mu.Unlock()

	if len(stale) == 0 {
		return 0
	}
	r.log.Info("expired lenses removed", logx.Int("count", len(stale)))
	r.flush(ctx)
	return len(stale)
}

// dropLinksLocked deletes the lens's recorded short link and every other one
// whose path ends at one of the lens pages. Matching on the path keeps links
// minted under an earlier base URL collectable.
func (r *Registry) dropLinksLocked(l Lens) {
	pages := []string{"/lens/" + url.PathEscape(l.Code), "/online/" + url.PathEscape(l.Code)}
	var dead []string
	if l.ShortCode != "" {
		dead = append(dead, l.ShortCode)
	}
	r.store.RangeLinks(func(short, long string) bool {
		u, err := url.Parse(long)
		if err != nil {
			return true
		}
		for _, p := range pages {
			if strings.HasSuffix(u.EscapedPath(), p) {
				dead = append(dead, short)
				break
			}
		}
		return true
	})
	for _, s := range dead {
		r.store.DeleteLink(s)
	}
}

// LongURL is the camera page link. expiresAt 0 falls back to the lens expiry.
func (r *Registry) LongURL(code string, expiresAt int64) string {
	return r.pageURL("lens", code, r.expiryOr(code, expiresAt))
}

// OnlineURL is the online page link. expiresAt 0 falls back to the lens expiry.
func (r *Registry) OnlineURL(code string, expiresAt int64) string {
	return r.pageURL("online", code, r.expiryOr(code, expiresAt))
}

func (r *Registry) ShortURL(short string) string {
	return r.baseURL + "/l/" + url.PathEscape(short)
}

// LinkFor returns the public link matching the lens kind.
func (r *Registry) LinkFor(l Lens) string { return r.linkFor(l) }

func (r *Registry) linkFor(l Lens) string {
	if l.Kind == KindOnline {
		return r.pageURL("online", l.Code, l.ExpiresAt)
	}
	return r.pageURL("lens", l.Code, l.ExpiresAt)
}

func (r *Registry) expiryOr(code string, expiresAt int64) int64 {
	if expiresAt != 0 {
		return expiresAt
	}
	if l, ok := r.GetLens(code); ok {
		return l.ExpiresAt
	}
	return 0
}

func (r *Registry) pageURL(page, code string, expiresAt int64) string {
	u := r.baseURL + "/" + page + "/" + url.PathEscape(code)
	if expiresAt != 0 {
		u += "?exp=" + strconv.FormatInt(expiresAt, 10)
	}
	return u
}

func (r *Registry) Now() time.Time { return r.now() }
