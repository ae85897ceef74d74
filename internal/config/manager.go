package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "morilens/pkg/logx"
)

// reloadDebounce lets editors finish multi-step saves before the file is read.
const reloadDebounce = 250 * time.Millisecond

// ErrWatcherClosed is returned by Watch when fsnotify closes its channels.
var ErrWatcherClosed = errors.New("config watcher closed")

// Manager owns the current config. Env overrides are applied to every read,
// so a reload can never drop a value that came from the environment.
type Manager struct {
	path   string
	getenv func(string) string
	log    logx.Logger

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	subsMu sync.Mutex
	subs   []chan *Config
}

type ManagerOption func(*Manager)

// WithEnv replaces the environment lookup. nil disables env overrides.
func WithEnv(getenv func(string) string) ManagerOption {
	return func(m *Manager) { m.getenv = getenv }
}

func NewManager(path string, opts ...ManagerOption) *Manager {
	m := &Manager{path: path, getenv: os.Getenv}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetLogger is called once logging is configured, which needs a loaded config.
func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// Load reads and validates the file and makes it the current config.
func (m *Manager) Load() (*Config, error) {
	cfg, _, err := m.reload()
	return cfg, err
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// read returns the file's config with env overrides applied and validated.
func (m *Manager) read() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(m.path, data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", m.path, err)
	}
	if err := ApplyEnv(cfg, m.getenv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", m.path, err)
	}
	return cfg, nil
}

// reload commits the file's config unless it is invalid. changed is false
// when the effective config equals the current one; nothing is committed then.
func (m *Manager) reload() (cfg *Config, changed bool, err error) {
	cfg, err = m.read()
	if err != nil {
		return nil, false, err
	}
	h := hashConfig(cfg)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg != nil && h != 0 && h == m.hash {
		return m.cfg, false, nil
	}
	m.cfg, m.hash = cfg, h
	return cfg, true, nil
}

func hashConfig(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// Subscribe returns a channel that receives every committed reload. A slow
// subscriber only ever misses intermediate configs, never the newest one.
func (m *Manager) Subscribe(buffer int) <-chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe closes ch and stops deliveries to it.
func (m *Manager) Unsubscribe(ch <-chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(s)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		// Full: make room by discarding the oldest pending config.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// refresh is the reload step of Watch.
func (m *Manager) refresh() {
	cfg, changed, err := m.reload()
	switch {
	case err != nil:
		fields := []logx.Field{logx.String("path", m.path), logx.Err(err)}
		if sections := InvalidSections(err); len(sections) > 0 {
			fields = append(fields, logx.String("sections", strings.Join(sections, ",")))
		}
		m.log.Warn("config rejected; keeping current", fields...)
	case !changed:
		m.log.Debug("config unchanged", logx.String("path", m.path))
	default:
		m.publish(cfg)
		m.log.Debug("config published", logx.String("path", m.path))
	}
}

// Watch reloads the config when its file changes. It watches the parent
// directory so editors that save by rename are seen. It returns nil when ctx
// is done and an error when the watcher breaks; callers restart it.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()

	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()
	var due <-chan time.Time
	schedule := func() {
		timer.Reset(reloadDebounce)
		due = timer.C
	}

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return ErrWatcherClosed
			}
			if ev.Op&relevant != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return ErrWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; reloading", logx.String("dir", dir))
				schedule()
				continue
			}
			return fmt.Errorf("config watch: %w", err)
		case <-due:
			due = nil
			m.refresh()
		}
	}
}
