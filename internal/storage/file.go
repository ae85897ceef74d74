package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"morilens/internal/lens"
	logx "morilens/pkg/logx"
)

// fileStore keeps the snapshot in one JSON document.
//
// Every save rewrites <path>.tmp and renames it over <path>, so a crash
// leaves either the previous or the new snapshot on disk.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) Load(ctx context.Context) (lens.Snapshot, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return lens.Snapshot{}, false, nil
	}
	if err != nil {
		return lens.Snapshot{}, false, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return lens.Snapshot{}, false, nil
	}
	var snap lens.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return lens.Snapshot{}, false, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return snap, true, nil
}

func (s *fileStore) Save(ctx context.Context, snap lens.Snapshot) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("snapshot file closed")
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.log.Debug("snapshot written", logx.String("path", s.path), logx.Int("lenses", len(snap.Lenses)))
	return nil
}
