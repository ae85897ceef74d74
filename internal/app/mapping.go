package app

import (
	"strings"
	"time"

	"morilens/internal/bot"
	"morilens/internal/config"
	"morilens/internal/dispatch"
	"morilens/internal/ingest"
	"morilens/internal/lens"
	"morilens/internal/storage"
	"morilens/internal/transport/telegram"
	logx "morilens/pkg/logx"
)

const (
	defaultSweepSchedule = "@every 1h"
	defaultIdleTTL       = 30 * time.Minute
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	httpTimeout, err := config.ParseDurationOrDefault("telegram.http_timeout", cfg.Telegram.HTTPTimeout, 60*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll, HTTPTimeout: httpTimeout}, nil
}

func mapBot(cfg *config.Config) bot.Config {
	return bot.Config{Username: cfg.Telegram.Username, SupportURL: cfg.Telegram.SupportURL}
}

// mapStorage returns enabled=false when the registry should stay in memory.
func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:        driver,
		Path:          strings.TrimSpace(sc.Path),
		BusyTimeout:   busy,
		RedisAddr:     strings.TrimSpace(sc.RedisAddr),
		RedisPassword: sc.RedisPassword,
		RedisDB:       sc.RedisDB,
		RedisKey:      strings.TrimSpace(sc.RedisKey),
	}, true, nil
}

func mapRegistry(cfg *config.Config) ([]lens.Option, error) {
	rc := cfg.Registry
	grace, err := config.ParseDurationOrDefault("registry.grace", rc.Grace, lens.DefaultGrace)
	if err != nil {
		return nil, err
	}
	opts := []lens.Option{lens.WithGrace(grace)}
	if base := strings.TrimSpace(rc.BaseURL); base != "" {
		opts = append(opts, lens.WithBaseURL(base))
	}
	if strings.TrimSpace(rc.SaveTimeout) != "" {
		d, err := config.ParseDurationField("registry.save_timeout", rc.SaveTimeout)
		if err != nil {
			return nil, err
		}
		opts = append(opts, lens.WithSaveTimeout(d))
	}
	return opts, nil
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	out := dispatch.DefaultConfig()
	if dc.MaxConcurrent > 0 {
		out.MaxConcurrent = dc.MaxConcurrent
	}
	if dc.RetryMax != 0 {
		out.RetryMax = dc.RetryMax
	}
	var err error
	if out.PerDestinationDelay, err = config.ParseDurationOptional("dispatch.per_chat_delay", dc.PerChatDelay, out.PerDestinationDelay); err != nil {
		return dispatch.Config{}, err
	}
	if out.RetryMargin, err = config.ParseDurationOptional("dispatch.retry_margin", dc.RetryMargin, out.RetryMargin); err != nil {
		return dispatch.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationOrDefault("dispatch.retry_base", dc.RetryBase, out.RetryBase); err != nil {
		return dispatch.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationOrDefault("dispatch.send_timeout", dc.SendTimeout, out.SendTimeout); err != nil {
		return dispatch.Config{}, err
	}
	return out, nil
}

func mapLimits(cfg *config.Config) ingest.Limits {
	rl := cfg.RateLimit
	return ingest.Limits{LensRate: rl.LensPerSec, LensBurst: rl.LensBurst, IPRate: rl.IPPerSec, IPBurst: rl.IPBurst}
}

func mapIngest(cfg *config.Config) (ingest.Config, error) {
	hc := cfg.HTTP
	readHeader, err := config.ParseDurationField("http.read_header_timeout", hc.ReadHeaderTimeout)
	if err != nil {
		return ingest.Config{}, err
	}
	shutdown, err := config.ParseDurationField("http.shutdown_timeout", hc.ShutdownTimeout)
	if err != nil {
		return ingest.Config{}, err
	}
	lim := mapLimits(cfg)
	return ingest.Config{
		Addr:              strings.TrimSpace(hc.Addr),
		BodyLimit:         hc.BodyLimit,
		LensRate:          lim.LensRate,
		LensBurst:         lim.LensBurst,
		IPRate:            lim.IPRate,
		IPBurst:           lim.IPBurst,
		ReadHeaderTimeout: readHeader,
		ShutdownTimeout:   shutdown,
		PprofToken:        strings.TrimSpace(hc.PprofToken),
	}, nil
}

// sweepSchedule returns "" when the periodic sweep is disabled.
func sweepSchedule(cfg *config.Config) string {
	spec := strings.TrimSpace(cfg.Registry.SweepSchedule)
	switch {
	case spec == "":
		return defaultSweepSchedule
	case strings.EqualFold(spec, config.SweepOff):
		return ""
	default:
		return spec
	}
}

func idleTTL(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("rate_limit.idle_ttl", cfg.RateLimit.IdleTTL, defaultIdleTTL)
	if err != nil {
		return defaultIdleTTL
	}
	return d
}
