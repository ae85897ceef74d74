package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"morilens/internal/lens"
	logx "morilens/pkg/logx"
)

// redisStore keeps the JSON snapshot under a single key.
type redisStore struct {
	client *redis.Client
	key    string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("storage.redis_addr is required for redis driver")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisStore(client, cfg.RedisKey, log), nil
}

// NewRedisStore wraps an existing client. An empty key uses DefaultRedisKey.
func NewRedisStore(client *redis.Client, key string, log logx.Logger) Store {
	if strings.TrimSpace(key) == "" {
		key = DefaultRedisKey
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{client: client, key: key, log: log}
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) Load(ctx context.Context) (lens.Snapshot, bool, error) {
	b, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return lens.Snapshot{}, false, nil
		}
		return lens.Snapshot{}, false, err
	}
	var snap lens.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return lens.Snapshot{}, false, fmt.Errorf("decode redis key %s: %w", s.key, err)
	}
	return snap, true, nil
}

func (s *redisStore) Save(ctx context.Context, snap lens.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, b, 0).Err(); err != nil {
		return err
	}
	s.log.Debug("snapshot written", logx.String("key", s.key), logx.Int("lenses", len(snap.Lenses)))
	return nil
}
