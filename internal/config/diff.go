package config

import (
	"reflect"
	"strings"

	logx "morilens/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe structured
// attrs for logging. Secrets (bot token, redis password) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.Username != nt.Username || ot.SupportURL != nt.SupportURL ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		strings.TrimSpace(ot.HTTPTimeout) != strings.TrimSpace(nt.HTTPTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof_enabled", newCfg.HTTP.PprofToken != ""),
		)
	}

	oldSt, ns := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oldSt != ns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", ns.Driver),
			logx.String("storage.path", ns.Path),
			logx.Bool("storage.redis_password_set", ns.RedisPassword != ""),
		)
	}

	if oldCfg.Registry != newCfg.Registry {
		changed = append(changed, "registry")
		attrs = append(attrs,
			logx.String("registry.base_url", newCfg.Registry.BaseURL),
			logx.String("registry.grace", newCfg.Registry.Grace),
			logx.String("registry.sweep_schedule", newCfg.Registry.SweepSchedule),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.max_concurrent", newCfg.Dispatch.MaxConcurrent),
			logx.String("dispatch.per_chat_delay", newCfg.Dispatch.PerChatDelay),
			logx.Int("dispatch.retry_max", newCfg.Dispatch.RetryMax),
		)
	}

	if oldCfg.RateLimit != newCfg.RateLimit {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.Any("rate_limit.lens_per_sec", newCfg.RateLimit.LensPerSec),
			logx.Int("rate_limit.lens_burst", newCfg.RateLimit.LensBurst),
			logx.Any("rate_limit.ip_per_sec", newCfg.RateLimit.IPPerSec),
			logx.Int("rate_limit.ip_burst", newCfg.RateLimit.IPBurst),
		)
	}

	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

// RequiresRestart reports whether any changed section is only read at startup.
// Logging and rate limits apply live.
func RequiresRestart(changed []string) bool {
	for _, c := range changed {
		switch c {
		case "logging", "rate_limit":
		default:
			return true
		}
	}
	return false
}
