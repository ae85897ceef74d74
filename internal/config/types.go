package config

// Config is the on-disk configuration (JSON, or YAML converted to JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "96h").
// Omitted fields fall back to the defaults of the component they configure.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Registry  RegistryConfig  `json:"registry"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	RateLimit RateLimitConfig `json:"rate_limit"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// Username is the bot handle shown in chat instructions (without "@").
	Username   string `json:"username,omitempty"`
	SupportURL string `json:"support_url,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	HTTPTimeout string `json:"http_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the public ingestion server.
//
// Defaults: addr ":3000", body_limit 20 MiB.
type HTTPConfig struct {
	Addr              string `json:"addr"`
	BodyLimit         int64  `json:"body_limit,omitempty"`
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`
	// PprofToken enables /debug/pprof behind a bearer token (do not log).
	PprofToken string `json:"pprof_token,omitempty"`
}

// StorageConfig controls where the registry snapshot is kept.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/morilens.db" }
//
// Drivers: "file", "sqlite", "redis", "none". Omitting the section keeps the
// registry in memory only.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	RedisKey      string `json:"redis_key,omitempty"`
}

// RegistryConfig controls lens links and cleanup.
//
// Defaults: base_url "https://morilens.party", grace "96h",
// sweep_schedule "@every 1h". An explicit "off" disables the periodic sweep.
type RegistryConfig struct {
	BaseURL       string `json:"base_url"`
	Grace         string `json:"grace,omitempty"`
	SweepSchedule string `json:"sweep_schedule,omitempty"`
	SaveTimeout   string `json:"save_timeout,omitempty"`
}

// DispatchConfig controls outbound delivery.
//
// Defaults: max_concurrent 8, per_chat_delay "400ms", retry_max 3,
// retry_base "1s", retry_margin "500ms", send_timeout "30s".
// A negative retry_max disables retries.
type DispatchConfig struct {
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	PerChatDelay  string `json:"per_chat_delay,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMargin   string `json:"retry_margin,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// RateLimitConfig controls the capture endpoint token buckets.
//
// Defaults: lens 1/s burst 5, ip 2/s burst 6, idle_ttl "30m".
type RateLimitConfig struct {
	LensPerSec float64 `json:"lens_per_sec,omitempty"`
	LensBurst  int     `json:"lens_burst,omitempty"`
	IPPerSec   float64 `json:"ip_per_sec,omitempty"`
	IPBurst    int     `json:"ip_burst,omitempty"`
	IdleTTL    string  `json:"idle_ttl,omitempty"`
}
