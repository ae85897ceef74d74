package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

const minimalJSON = `{
  "telegram": {"token": "123:abc", "poll_timeout": "10s"},
  "logging": {"level": "info", "console": true},
  "http": {"addr": ":8080"},
  "storage": {"driver": "sqlite", "path": "./data/morilens.db"},
  "registry": {"base_url": "https://lens.example", "grace": "48h"},
  "dispatch": {"max_concurrent": 4, "per_chat_delay": "250ms"},
  "rate_limit": {"lens_per_sec": 1, "lens_burst": 5}
}`

func TestLoadJSON(t *testing.T) {
	m := NewManager(writeFile(t, "config.json", minimalJSON), WithEnv(nil))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 4, cfg.Dispatch.MaxConcurrent)
	assert.Same(t, cfg, m.Get())
}

func TestLoadYAML(t *testing.T) {
	body := `
telegram:
  token: "123:abc"
registry:
  base_url: https://lens.example
  sweep_schedule: "@every 30m"
rate_limit:
  ip_per_sec: 2.5
  ip_burst: 6
`
	m := NewManager(writeFile(t, "config.yaml", body), WithEnv(nil))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "@every 30m", cfg.Registry.SweepSchedule)
	assert.InDelta(t, 2.5, cfg.RateLimit.IPPerSec, 1e-9)
	assert.Nil(t, cfg.Storage)
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	for _, tc := range []struct {
		name, path, body string
	}{
		{"unknown json key", "c.json", `{"telegram":{"token":"x"},"plugins":{}}`},
		{"trailing json", "c.json", `{"telegram":{"token":"x"}}{}`},
		{"unknown yaml key", "c.yaml", "telegram:\n  token: x\n  owner: 1\n"},
		{"second yaml document", "c.yml", "telegram:\n  token: x\n---\nhttp:\n  addr: \":1\"\n"},
		{"non-scalar yaml key", "c.yaml", "? [a, b]\n: 1\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decode(tc.path, []byte(tc.body))
			assert.Error(t, err)
		})
	}
}

func TestDecodeYAMLAnchorsAndEmptyFile(t *testing.T) {
	body := `
limits: &lim
  lens_burst: 7
rate_limit: *lim
`
	_, err := decode("c.yaml", []byte(body))
	require.Error(t, err, "top-level limits is not a config key")

	cfg, err := decode("c.yaml", []byte("rate_limit: &lim {lens_burst: 7}\n"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.RateLimit.LensBurst)

	cfg, err = decode("c.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)
}

func TestEnvOverrides(t *testing.T) {
	m := NewManager(writeFile(t, "config.json", minimalJSON), WithEnv(envMap(map[string]string{
		EnvBotToken:     "999:env",
		EnvBaseURL:      "https://env.example",
		EnvPort:         "3001",
		EnvConcurrency:  "16",
		EnvPerChatDelay: "0",
		EnvLogLevel:     "debug",
	})))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "999:env", cfg.Telegram.Token)
	assert.Equal(t, "https://env.example", cfg.Registry.BaseURL)
	assert.Equal(t, ":3001", cfg.HTTP.Addr)
	assert.Equal(t, 16, cfg.Dispatch.MaxConcurrent)
	assert.Equal(t, "0s", cfg.Dispatch.PerChatDelay)
	assert.Equal(t, "debug", cfg.Logging.Level)

	d, err := ParseDurationOptional("dispatch.per_chat_delay", cfg.Dispatch.PerChatDelay, 400*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestEnvOverrideErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		env  map[string]string
	}{
		{"port", map[string]string{EnvPort: "http"}},
		{"concurrency", map[string]string{EnvConcurrency: "0"}},
		{"delay", map[string]string{EnvPerChatDelay: "-5"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			require.Error(t, ApplyEnv(&cfg, envMap(tc.env)))
		})
	}
}

func TestEnvStorageDriverCreatesSection(t *testing.T) {
	var cfg Config
	require.NoError(t, ApplyEnv(&cfg, envMap(map[string]string{
		EnvStorageDriver: "redis",
		EnvRedisAddr:     "127.0.0.1:6379",
	})))
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "redis", cfg.Storage.Driver)
	assert.Equal(t, "127.0.0.1:6379", cfg.Storage.RedisAddr)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "123:abc"}}
	}
	require.NoError(t, Validate(valid()))

	for _, tc := range []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing token", func(c *Config) { c.Telegram.Token = " " }},
		{"bad poll timeout", func(c *Config) { c.Telegram.PollTimeout = "soon" }},
		{"file log without path", func(c *Config) { c.Logging.File.Enabled = true }},
		{"unknown driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "mongo"} }},
		{"sqlite without path", func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }},
		{"redis without addr", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }},
		{"relative base url", func(c *Config) { c.Registry.BaseURL = "morilens.party" }},
		{"bad sweep schedule", func(c *Config) { c.Registry.SweepSchedule = "every hour" }},
		{"negative grace", func(c *Config) { c.Registry.Grace = "-1h" }},
		{"negative concurrency", func(c *Config) { c.Dispatch.MaxConcurrent = -1 }},
		{"negative rate", func(c *Config) { c.RateLimit.IPPerSec = -1 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(c)
			assert.Error(t, Validate(c))
		})
	}

	c := valid()
	c.Registry.SweepSchedule = "OFF"
	c.Storage = &StorageConfig{Driver: "none"}
	assert.NoError(t, Validate(c))
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	m := NewManager(writeFile(t, "config.json", `{"telegram":{"token":""}}`), WithEnv(nil))
	_, err := m.Load()
	require.Error(t, err)
	assert.Equal(t, []string{"telegram"}, InvalidSections(err))
	assert.Nil(t, m.Get())
}

func TestInvalidSectionsNamesEveryBadSection(t *testing.T) {
	err := Validate(&Config{
		Registry:  RegistryConfig{BaseURL: "ftp://x", Grace: "later"},
		RateLimit: RateLimitConfig{IPBurst: -1},
	})
	require.Error(t, err)
	assert.Equal(t, []string{"rate_limit", "registry", "telegram"}, InvalidSections(err))

	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "telegram.token", fe.Field)

	assert.Empty(t, InvalidSections(errors.New("plain")))
	assert.Empty(t, InvalidSections(nil))
}

func TestWatchPublishesValidChangesOnly(t *testing.T) {
	path := writeFile(t, "config.json", `{"telegram":{"token":"1:a"},"logging":{"level":"info"}}`)
	m := NewManager(path, WithEnv(envMap(map[string]string{EnvBaseURL: "https://env.example"})))
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	// Rewrite until the watcher is registered and the debounce fires.
	var got *Config
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(`{"telegram":{"token":"1:a"},"logging":{"level":"debug"}}`), 0o600)
		select {
		case got = <-sub:
			return true
		default:
			return false
		}
	}, 5*time.Second, 400*time.Millisecond)
	assert.Equal(t, "debug", got.Logging.Level)
	assert.Equal(t, "https://env.example", got.Registry.BaseURL, "env overrides survive reloads")
	assert.Same(t, got, m.Get())

	require.NoError(t, os.WriteFile(path, []byte(`{"telegram":{"token":""},"logging":{"level":"warn"}}`), 0o600))
	select {
	case c := <-sub:
		t.Fatalf("invalid config published: %+v", c)
	case <-time.After(4 * reloadDebounce):
	}
	assert.Equal(t, "debug", m.Get().Logging.Level)
}

func TestSubscribeKeepsNewestWhenFull(t *testing.T) {
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-sub)

	m.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok)
	m.publish(a)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{
		Telegram:  TelegramConfig{Token: "a"},
		Logging:   LoggingConfig{Level: "info"},
		RateLimit: RateLimitConfig{LensBurst: 5},
	}
	newCfg := *oldCfg
	newCfg.Logging.Level = "debug"
	newCfg.RateLimit.LensBurst = 10

	changed, attrs := SummarizeConfigChange(oldCfg, &newCfg)
	assert.Equal(t, []string{"logging", "rate_limit"}, changed)
	assert.NotEmpty(t, attrs)
	assert.False(t, RequiresRestart(changed))

	newCfg.Storage = &StorageConfig{Driver: "file", Path: "x.json"}
	changed, _ = SummarizeConfigChange(oldCfg, &newCfg)
	assert.Contains(t, changed, "storage")
	assert.True(t, RequiresRestart(changed))

	changed, _ = SummarizeConfigChange(oldCfg, oldCfg)
	assert.Empty(t, changed)
}

func TestParseDurationHelpers(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = ParseDurationOrDefault("x", "0s", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = ParseDurationOptional("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)
}
