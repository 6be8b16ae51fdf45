package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "5m"); they are parsed when the app maps a section onto
// its runtime config so a bad value names its field path.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine runs sweeps and feedback updates. Omitted means defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	// Storage omitted means the in-memory store (nothing survives a restart).
	Storage *StorageConfig `json:"storage,omitempty"`

	Optimization OptimizationConfig `json:"optimization"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Platforms    []PlatformConfig   `json:"platforms"`
	Quota        QuotaConfig        `json:"quota"`
	Admin        AdminConfig        `json:"admin"`
	Events       EventsConfig       `json:"events"`
	Systemd      SystemdConfig      `json:"systemd"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alerts  LoggingAlert `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warn+ lines through a telegram platform's bot.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	Platform   string `json:"platform"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the sweep trigger.
//
// Sweep accepts the trigger forms "5m", "every:5m", "interval:30s" or
// "cron:*/5 * * * *". StuckAfter "-1s" disables stale-processing reports.
type SchedulerConfig struct {
	Enabled            bool   `json:"enabled"`
	Timezone           string `json:"timezone,omitempty"`
	Sweep              string `json:"sweep,omitempty"`
	SweepTimeout       string `json:"sweep_timeout,omitempty"`
	BatchSize          int    `json:"batch_size,omitempty"`
	MaxConcurrentPosts int    `json:"max_concurrent_posts,omitempty"`
	StuckAfter         string `json:"stuck_after,omitempty"`
}

// TaskEngineConfig defaults: workers 2, queue_size 256, history_size 200,
// retry_max 0, timeouts disabled.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// StorageConfig selects the post store and, separately, the optimization
// store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postflow.db", "optimization": "redis",
//	             "redis": { "addr": "127.0.0.1:6379" } }
type StorageConfig struct {
	Driver       string       `json:"driver"`
	Path         string       `json:"path,omitempty"`
	DSN          string       `json:"dsn,omitempty"`
	BusyTimeout  string       `json:"busy_timeout,omitempty"`
	MaxOpenConns int          `json:"max_open_conns,omitempty"`
	Optimization string       `json:"optimization,omitempty"`
	Redis        *RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

type OptimizationConfig struct {
	// Timezone is the fallback zone for hour/day evaluation. Empty means local.
	Timezone    string `json:"timezone,omitempty"`
	// DefaultHour nil means 11; 0 is midnight.
	DefaultHour *int   `json:"default_hour,omitempty"`
	Horizon     string `json:"horizon,omitempty"`
	CASRetries  int    `json:"cas_retries,omitempty"`
}

type DispatchConfig struct {
	Timeout     string        `json:"timeout,omitempty"`
	MaxParallel int           `json:"max_parallel,omitempty"`
	Breaker     BreakerConfig `json:"breaker"`
}

type BreakerConfig struct {
	FailureThreshold uint   `json:"failure_threshold,omitempty"`
	Window           uint   `json:"window,omitempty"`
	Delay            string `json:"delay,omitempty"`
}

// PlatformConfig is one destination. Type is "telegram", "webhook" or "log";
// the matching sub-section carries its settings.
type PlatformConfig struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	Timezone   string  `json:"timezone,omitempty"`

	Telegram *TelegramPlatform `json:"telegram,omitempty"`
	Webhook  *WebhookPlatform  `json:"webhook,omitempty"`
}

type TelegramPlatform struct {
	Token          string `json:"token"`
	ChatID         int64  `json:"chat_id"`
	ThreadID       int    `json:"thread_id,omitempty"`
	Username       string `json:"username,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	APIURL         string `json:"api_url,omitempty"`
}

type WebhookPlatform struct {
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	BearerToken string            `json:"bearer_token,omitempty"`
}

type QuotaConfig struct {
	Enabled  bool           `json:"enabled"`
	Timezone string         `json:"timezone,omitempty"`
	Tiers    map[string]int `json:"tiers,omitempty"`
}

// AdminConfig controls the operator HTTP API. A non-loopback addr needs a
// token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

type EventsConfig struct {
	AMQP AMQPConfig `json:"amqp"`
}

type AMQPConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Buffer   int    `json:"buffer,omitempty"`
}

// SystemdConfig enables sd_notify readiness and watchdog pings. Both are
// no-ops when the process is not started by systemd.
type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}
