package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"
)

// SweepOff disables the periodic registry sweep.
const SweepOff = "off"

// FieldError reports one invalid setting. Field is the dotted JSON path,
// e.g. "registry.base_url".
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Err.Error() }
func (e *FieldError) Unwrap() error { return e.Err }

// Section is the top-level config key the field belongs to.
func (e *FieldError) Section() string {
	section, _, _ := strings.Cut(e.Field, ".")
	return section
}

// InvalidSections lists, sorted and deduplicated, the sections named by the
// FieldErrors inside err.
func InvalidSections(err error) []string {
	var out []string
	var walk func(error)
	walk = func(err error) {
		switch e := err.(type) {
		case nil:
		case *FieldError:
			out = append(out, e.Section())
		case interface{ Unwrap() []error }:
			for _, inner := range e.Unwrap() {
				walk(inner)
			}
		default:
			walk(errors.Unwrap(err))
		}
	}
	walk(err)
	slices.Sort(out)
	return slices.Compact(out)
}

// Validate checks a parsed config. It reports every problem it finds as a
// joined list of *FieldError.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, &FieldError{Field: field, Err: fmt.Errorf(format, args...)})
	}
	dur := func(field, raw string) {
		if _, err := parseDuration(raw); err != nil {
			errs = append(errs, &FieldError{Field: field, Err: err})
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		bad("telegram.token", "required (or set %s)", EnvBotToken)
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	dur("telegram.http_timeout", cfg.Telegram.HTTPTimeout)

	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		bad("logging.file.path", "required when file logging is enabled")
	}

	if cfg.HTTP.BodyLimit < 0 {
		bad("http.body_limit", "must be >= 0")
	}
	dur("http.read_header_timeout", cfg.HTTP.ReadHeaderTimeout)
	dur("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "json", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				bad("storage.path", "required for driver %q", s.Driver)
			}
		case "redis":
			if strings.TrimSpace(s.RedisAddr) == "" {
				bad("storage.redis_addr", "required for driver \"redis\"")
			}
		default:
			bad("storage.driver", "unknown driver %q", s.Driver)
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	if raw := strings.TrimSpace(cfg.Registry.BaseURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			bad("registry.base_url", "want an absolute http(s) url, got %q", raw)
		}
	}
	dur("registry.grace", cfg.Registry.Grace)
	dur("registry.save_timeout", cfg.Registry.SaveTimeout)
	if spec := strings.TrimSpace(cfg.Registry.SweepSchedule); spec != "" && !strings.EqualFold(spec, SweepOff) {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, &FieldError{Field: "registry.sweep_schedule", Err: err})
		}
	}

	if cfg.Dispatch.MaxConcurrent < 0 {
		bad("dispatch.max_concurrent", "must be >= 0")
	}
	dur("dispatch.per_chat_delay", cfg.Dispatch.PerChatDelay)
	dur("dispatch.retry_base", cfg.Dispatch.RetryBase)
	dur("dispatch.retry_margin", cfg.Dispatch.RetryMargin)
	dur("dispatch.send_timeout", cfg.Dispatch.SendTimeout)

	rl := cfg.RateLimit
	if rl.LensPerSec < 0 {
		bad("rate_limit.lens_per_sec", "must be >= 0")
	}
	if rl.IPPerSec < 0 {
		bad("rate_limit.ip_per_sec", "must be >= 0")
	}
	if rl.LensBurst < 0 {
		bad("rate_limit.lens_burst", "must be >= 0")
	}
	if rl.IPBurst < 0 {
		bad("rate_limit.ip_burst", "must be >= 0")
	}
	dur("rate_limit.idle_ttl", rl.IdleTTL)

	return errors.Join(errs...)
}
