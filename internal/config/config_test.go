package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  sweep: "every:1m"
  batch_size: 50
storage:
  driver: sqlite
  path: ./postflow.db
platforms:
  - id: tg
    type: telegram
    rate_per_sec: 1
    telegram:
      token: ${PF_TEST_TOKEN}
      chat_id: -100123
  - id: hook
    type: webhook
    webhook:
      url: ${PF_TEST_HOOK:-http://localhost:9000/hook}
quota:
  enabled: true
  tiers:
    free: 10
    pro: 1000
admin:
  enabled: true
  token: s3cret
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAMLWithEnv(t *testing.T) {
	t.Setenv("PF_TEST_TOKEN", "123:abc")
	p := writeFile(t, t.TempDir(), "postflow.yaml", sampleYAML)

	cfg, err := NewManager(p).Parse()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "every:1m", cfg.Scheduler.Sweep)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Len(t, cfg.Platforms, 2)
	assert.Equal(t, "123:abc", cfg.Platforms[0].Telegram.Token)
	assert.EqualValues(t, -100123, cfg.Platforms[0].Telegram.ChatID)
	assert.Equal(t, "http://localhost:9000/hook", cfg.Platforms[1].Webhook.URL)
	assert.Equal(t, map[string]int{"free": 10, "pro": 1000}, cfg.Quota.Tiers)
	assert.Nil(t, cfg.TaskEngine)
}

func TestParseJSONEscapesEnvValues(t *testing.T) {
	t.Setenv("PF_TEST_TOKEN", `to"ken\x`)
	p := writeFile(t, t.TempDir(), "postflow.json",
		`{"admin": {"enabled": true, "token": "${PF_TEST_TOKEN}"}}`)

	cfg, err := NewManager(p).Parse()
	require.NoError(t, err)
	assert.Equal(t, `to"ken\x`, cfg.Admin.Token)
}

func TestParseRejects(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unknown.json":  `{"scheduler": {"enabled": true, "bogus": 1}}`,
		"trailing.json": `{"scheduler": {}} {"admin": {}}`,
		"unknown.yaml":  "quota:\n  enabled: true\n  limits: 3\n",
		"broken.yaml":   "scheduler: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewManager(writeFile(t, dir, name, body)).Parse()
			assert.Error(t, err)
		})
	}
}

func TestEmptyYAMLIsZeroConfig(t *testing.T) {
	cfg, err := NewManager(writeFile(t, t.TempDir(), "empty.yml", "")).Parse()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	env := writeFile(t, dir, ".env", "PF_TEST_A=from-file\nPF_TEST_B=from-file\n")
	t.Setenv("PF_TEST_B", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("PF_TEST_A") })

	loaded, err := LoadEnvFiles(filepath.Join(dir, "missing.env"), env)
	require.NoError(t, err)
	assert.Equal(t, []string{env}, loaded)
	assert.Equal(t, "from-file", os.Getenv("PF_TEST_A"))
	assert.Equal(t, "from-env", os.Getenv("PF_TEST_B"))
}

func TestDurations(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	_, err = ParseDurationField("scheduler.sweep_timeout", "-1s")
	assert.ErrorContains(t, err, "scheduler.sweep_timeout")

	_, err = ParseDurationField("x", "soon")
	assert.Error(t, err)

	d, err = ParseSignedDuration("scheduler.stuck_after", "-1s", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, -time.Second, d)

	d, err = ParseSignedDuration("scheduler.stuck_after", " ", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)
}

func TestSummarizeConfigChange(t *testing.T) {
	old := &Config{
		Admin:     AdminConfig{Enabled: true, Token: "a"},
		Platforms: []PlatformConfig{{ID: "tg", Type: "telegram"}, {ID: "old", Type: "log"}},
		Quota:     QuotaConfig{Enabled: true, Tiers: map[string]int{"free": 1}},
	}
	next := &Config{
		Admin:     AdminConfig{Enabled: true, Token: "b"},
		Platforms: []PlatformConfig{{ID: "tg", Type: "telegram", RatePerSec: 2}, {ID: "new", Type: "log"}},
		Quota:     QuotaConfig{Enabled: true, Tiers: map[string]int{"free": 1}},
	}

	changed, attrs := SummarizeConfigChange(old, next)
	assert.Equal(t, []string{"admin", "platforms"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"new", "old", "tg"}, diffPlatforms(old.Platforms, next.Platforms))

	changed, _ = SummarizeConfigChange(next, next)
	assert.Empty(t, changed)

	changed, _ = SummarizeConfigChange(nil, &Config{Storage: &StorageConfig{Driver: "postgres"}})
	assert.Equal(t, []string{"storage"}, changed)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "postflow.yaml", "scheduler:\n  batch_size: 1\n")
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Scheduler.BatchSize > 100 {
			return assert.AnError
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "postflow.yaml", "scheduler:\n  batch_size: 500\n")
	time.Sleep(reloadDebounce * 3)
	assert.Equal(t, 1, m.Get().Scheduler.BatchSize)

	writeFile(t, dir, "postflow.yaml", "scheduler:\n  batch_size: 7\n")
	var got *Config
	require.Eventually(t, func() bool {
		select {
		case got = <-ch:
			return true
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 7, got.Scheduler.BatchSize)
	assert.Equal(t, 7, m.Get().Scheduler.BatchSize)
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	assert.Same(t, second, <-ch)

	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}
