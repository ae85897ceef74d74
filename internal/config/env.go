package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Environment variables that override file values. Deploy-time secrets
// usually arrive this way.
const (
	EnvBotToken      = "TELEGRAM_BOT_TOKEN"
	EnvBaseURL       = "PUBLIC_BASE_URL"
	EnvPort          = "PORT"
	EnvConcurrency   = "SEND_CONCURRENCY"
	EnvPerChatDelay  = "PER_CHAT_DELAY_MS"
	EnvLogLevel      = "LOG_LEVEL"
	EnvStorageDriver = "STORAGE_DRIVER"
	EnvStoragePath   = "STORAGE_PATH"
	EnvRedisAddr     = "REDIS_ADDR"
)

// ApplyEnv overlays non-empty environment values onto cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if cfg == nil || getenv == nil {
		return nil
	}
	get := func(k string) string { return strings.TrimSpace(getenv(k)) }

	if v := get(EnvBotToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := get(EnvBaseURL); v != "" {
		cfg.Registry.BaseURL = v
	}
	if v := get(EnvPort); v != "" {
		if _, err := strconv.ParseUint(v, 10, 16); err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}
		cfg.HTTP.Addr = ":" + v
	}
	if v := get(EnvConcurrency); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: want a positive integer, got %q", EnvConcurrency, v)
		}
		cfg.Dispatch.MaxConcurrent = n
	}
	if v := get(EnvPerChatDelay); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return fmt.Errorf("%s: want milliseconds >= 0, got %q", EnvPerChatDelay, v)
		}
		cfg.Dispatch.PerChatDelay = (time.Duration(ms) * time.Millisecond).String()
	}
	if v := get(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := get(EnvStorageDriver); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.Driver = v
	}
	if v := get(EnvStoragePath); v != "" && cfg.Storage != nil {
		cfg.Storage.Path = v
	}
	if v := get(EnvRedisAddr); v != "" && cfg.Storage != nil {
		cfg.Storage.RedisAddr = v
	}
	return nil
}
