package storage

import (
	"errors"
	"time"

	"morilens/internal/lens"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot at Path
//   - "sqlite": SQLite database file at Path
//   - "redis": snapshot under RedisKey on RedisAddr
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string
}

const DefaultRedisKey = "morilens:snapshot"

// Store is a registry snapshot backend.
type Store interface {
	lens.Persister
	Close() error
}
