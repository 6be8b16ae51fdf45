package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"postflow/internal/config"
	"postflow/internal/dispatch"
	"postflow/internal/dispatch/telegram"
	"postflow/internal/dispatch/webhook"
	"postflow/internal/observability/admin"
	"postflow/internal/optimize"
	"postflow/internal/services/posting"
	"postflow/internal/services/relay"
	"postflow/internal/storage"
	"postflow/internal/task/engine"
	"postflow/internal/task/scheduler"
	logx "postflow/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te == nil {
		return engine.Config{}, nil
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if _, err := loadLocation("scheduler.timezone", tz); err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Timezone: tz}, nil
}

func mapPostingConfig(cfg *config.Config) (posting.Config, error) {
	s := cfg.Scheduler
	if s.BatchSize < 0 || s.MaxConcurrentPosts < 0 {
		return posting.Config{}, fmt.Errorf("scheduler: batch_size and max_concurrent_posts must be >= 0")
	}
	sweep := strings.TrimSpace(s.Sweep)
	if sweep != "" {
		if _, err := scheduler.ParseSchedule(sweep); err != nil {
			return posting.Config{}, fmt.Errorf("scheduler.sweep: %w", err)
		}
	}
	timeout, err := config.ParseDurationField("scheduler.sweep_timeout", s.SweepTimeout)
	if err != nil {
		return posting.Config{}, err
	}
	stuck, err := config.ParseSignedDuration("scheduler.stuck_after", s.StuckAfter, 0)
	if err != nil {
		return posting.Config{}, err
	}
	return posting.Config{
		Sweep:              sweep,
		SweepTimeout:       timeout,
		BatchSize:          s.BatchSize,
		MaxConcurrentPosts: s.MaxConcurrentPosts,
		StuckAfter:         stuck,
	}, nil
}

// mapStorageConfig treats an omitted section as the in-memory store.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		MaxOpenConns: sc.MaxOpenConns,
		Optimization: strings.ToLower(strings.TrimSpace(sc.Optimization)),
	}
	switch driver {
	case "", "memory":
		out.Driver = "memory"
	case "sqlite", "sqlite3":
		out.Driver = "sqlite"
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "postgres", "postgresql":
		out.Driver = "postgres"
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	switch out.Optimization {
	case "":
	case "redis":
		if sc.Redis == nil || strings.TrimSpace(sc.Redis.Addr) == "" {
			return storage.Config{}, fmt.Errorf("storage.redis.addr is required when storage.optimization=redis")
		}
		out.Redis = storage.RedisConfig{
			Addr:      strings.TrimSpace(sc.Redis.Addr),
			Password:  sc.Redis.Password,
			DB:        sc.Redis.DB,
			KeyPrefix: sc.Redis.KeyPrefix,
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.optimization: %s", sc.Optimization)
	}
	return out, nil
}

func mapOptimizeConfig(cfg *config.Config) (optimize.Config, error) {
	o := cfg.Optimization
	if h := o.DefaultHour; h != nil && (*h < 0 || *h > 23) {
		return optimize.Config{}, fmt.Errorf("optimization.default_hour must be within 0..23")
	}
	if o.CASRetries < 0 {
		return optimize.Config{}, fmt.Errorf("optimization.cas_retries must be >= 0")
	}
	loc, err := loadLocation("optimization.timezone", o.Timezone)
	if err != nil {
		return optimize.Config{}, err
	}
	horizon, err := config.ParseDurationField("optimization.horizon", o.Horizon)
	if err != nil {
		return optimize.Config{}, err
	}
	return optimize.Config{Location: loc, DefaultHour: o.DefaultHour, Horizon: horizon, CASRetries: o.CASRetries}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, dispatch.BreakerConfig, error) {
	d := cfg.Dispatch
	if d.MaxParallel < 0 {
		return dispatch.Config{}, dispatch.BreakerConfig{}, fmt.Errorf("dispatch.max_parallel must be >= 0")
	}
	timeout, err := config.ParseDurationField("dispatch.timeout", d.Timeout)
	if err != nil {
		return dispatch.Config{}, dispatch.BreakerConfig{}, err
	}
	delay, err := config.ParseDurationField("dispatch.breaker.delay", d.Breaker.Delay)
	if err != nil {
		return dispatch.Config{}, dispatch.BreakerConfig{}, err
	}
	return dispatch.Config{Timeout: timeout, MaxParallel: d.MaxParallel},
		dispatch.BreakerConfig{FailureThreshold: d.Breaker.FailureThreshold, Window: d.Breaker.Window, Delay: delay},
		nil
}

// platformSpec is a validated platform entry. Connectors are built from it
// once; validation alone never dials anything.
type platformSpec struct {
	platform dispatch.Platform
	telegram *telegram.Config
	webhook  *webhook.Config
}

func mapPlatforms(cfg *config.Config) ([]platformSpec, error) {
	seen := make(map[string]struct{}, len(cfg.Platforms))
	out := make([]platformSpec, 0, len(cfg.Platforms))
	for i, p := range cfg.Platforms {
		path := fmt.Sprintf("platforms[%d]", i)
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, fmt.Errorf("%s.id is required", path)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%s: duplicate platform id %q", path, id)
		}
		seen[id] = struct{}{}
		if p.RatePerSec < 0 || p.Burst < 0 {
			return nil, fmt.Errorf("%s: rate_per_sec and burst must be >= 0", path)
		}
		timeout, err := config.ParseDurationField(path+".timeout", p.Timeout)
		if err != nil {
			return nil, err
		}
		if _, err := loadLocation(path+".timezone", p.Timezone); err != nil {
			return nil, err
		}
		spec := platformSpec{platform: dispatch.Platform{
			ID:         id,
			Type:       strings.ToLower(strings.TrimSpace(p.Type)),
			Timeout:    timeout,
			RatePerSec: p.RatePerSec,
			Burst:      p.Burst,
			Timezone:   strings.TrimSpace(p.Timezone),
		}}
		switch spec.platform.Type {
		case "telegram":
			t := p.Telegram
			if t == nil || strings.TrimSpace(t.Token) == "" || t.ChatID == 0 {
				return nil, fmt.Errorf("%s.telegram: token and chat_id are required", path)
			}
			spec.telegram = &telegram.Config{
				Token:          strings.TrimSpace(t.Token),
				ChatID:         t.ChatID,
				ThreadID:       t.ThreadID,
				Username:       strings.TrimPrefix(strings.TrimSpace(t.Username), "@"),
				ParseMode:      t.ParseMode,
				DisablePreview: t.DisablePreview,
				APIURL:         strings.TrimSpace(t.APIURL),
			}
		case "webhook":
			w := p.Webhook
			if w == nil || strings.TrimSpace(w.URL) == "" {
				return nil, fmt.Errorf("%s.webhook.url is required", path)
			}
			spec.webhook = &webhook.Config{URL: strings.TrimSpace(w.URL), Headers: w.Headers, BearerToken: w.BearerToken}
		case "log":
		default:
			return nil, fmt.Errorf("%s: unknown platform type %q", path, p.Type)
		}
		out = append(out, spec)
	}
	return out, nil
}

// quotaSettings is the mapped quota section; tiers nil means disabled.
type quotaSettings struct {
	tiers map[string]int
	loc   *time.Location
}

func mapQuotaConfig(cfg *config.Config) (quotaSettings, error) {
	q := cfg.Quota
	if !q.Enabled {
		return quotaSettings{}, nil
	}
	if len(q.Tiers) == 0 {
		return quotaSettings{}, fmt.Errorf("quota.tiers is required when quota.enabled=true")
	}
	for name, max := range q.Tiers {
		if max < 0 {
			return quotaSettings{}, fmt.Errorf("quota.tiers.%s must be >= 0", name)
		}
	}
	if _, ok := q.Tiers[admin.DefaultTier]; !ok {
		return quotaSettings{}, fmt.Errorf("quota.tiers must define %q (the tier used when a request names none)", admin.DefaultTier)
	}
	loc, err := loadLocation("quota.timezone", q.Timezone)
	if err != nil {
		return quotaSettings{}, err
	}
	return quotaSettings{tiers: q.Tiers, loc: loc}, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	a := cfg.Admin
	addr := strings.TrimSpace(a.Addr)
	if addr == "" {
		addr = admin.DefaultAddr
	}
	rt, err := config.ParseDurationOrDefault("admin.read_timeout", a.ReadTimeout, 10*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("admin.write_timeout", a.WriteTimeout, 60*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("admin.idle_timeout", a.IdleTimeout, 60*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Enabled:       a.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(a.Token),
		AllowInsecure: a.AllowInsecure,
		Pprof:         a.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

func mapRelayConfig(cfg *config.Config) (relay.Config, error) {
	a := cfg.Events.AMQP
	if a.Enabled && strings.TrimSpace(a.URL) == "" {
		return relay.Config{}, fmt.Errorf("events.amqp.url is required when events.amqp.enabled=true")
	}
	if a.Buffer < 0 {
		return relay.Config{}, fmt.Errorf("events.amqp.buffer must be >= 0")
	}
	return relay.Config{
		Enabled:  a.Enabled,
		URL:      strings.TrimSpace(a.URL),
		Exchange: strings.TrimSpace(a.Exchange),
		Buffer:   a.Buffer,
	}, nil
}

func loadLocation(path, name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid %q: %w", path, name, err)
	}
	return loc, nil
}

// validate maps every section so a bad hot-reload is rejected before commit.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	steps := []func(*config.Config) error{
		func(c *config.Config) error { _, err := mapTaskEngineConfig(c); return err },
		func(c *config.Config) error { _, err := mapSchedulerConfig(c); return err },
		func(c *config.Config) error { _, err := mapPostingConfig(c); return err },
		func(c *config.Config) error { _, err := mapStorageConfig(c); return err },
		func(c *config.Config) error { _, err := mapOptimizeConfig(c); return err },
		func(c *config.Config) error { _, _, err := mapDispatchConfig(c); return err },
		func(c *config.Config) error { _, err := mapQuotaConfig(c); return err },
		func(c *config.Config) error { _, err := mapAdminConfig(c); return err },
		func(c *config.Config) error { _, err := mapRelayConfig(c); return err },
		validateAlerts,
	}
	for _, step := range steps {
		if err := step(cfg); err != nil {
			return err
		}
	}
	return nil
}

func validateAlerts(cfg *config.Config) error {
	specs, err := mapPlatforms(cfg)
	if err != nil {
		return err
	}
	al := cfg.Logging.Alerts
	if !al.Enabled {
		return nil
	}
	id := strings.TrimSpace(al.Platform)
	for _, s := range specs {
		if s.platform.ID == id {
			if s.telegram == nil {
				return fmt.Errorf("logging.alerts.platform %q is not a telegram platform", id)
			}
			return nil
		}
	}
	return fmt.Errorf("logging.alerts.platform %q is not configured", id)
}

// buildConnector turns a spec into a live connector.
func buildConnector(spec platformSpec, client *http.Client, log logx.Logger) (dispatch.Connector, error) {
	switch {
	case spec.telegram != nil:
		return telegram.New(*spec.telegram)
	case spec.webhook != nil:
		return webhook.New(*spec.webhook, client)
	default:
		return dispatch.NewLogConnector(log.With(logx.String("platform", spec.platform.ID))), nil
	}
}
