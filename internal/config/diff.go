package config

import (
	"sort"
	"strings"

	logx "postflow/pkg/logx"
)

// SummarizeConfigChange lists the top-level sections that differ and a set
// of safe attrs describing the new values. Tokens, passwords and DSNs are
// never included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)
	differs := func(a, b any) bool { return hashJSON(a) != hashJSON(b) }

	if differs(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if differs(oldCfg.Scheduler, newCfg.Scheduler) {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.sweep", strings.TrimSpace(s.Sweep)),
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
			logx.Int("scheduler.batch_size", s.BatchSize),
			logx.Int("scheduler.max_concurrent_posts", s.MaxConcurrentPosts),
		)
	}

	if differs(oldCfg.TaskEngine, newCfg.TaskEngine) {
		te := TaskEngineConfig{}
		if newCfg.TaskEngine != nil {
			te = *newCfg.TaskEngine
		}
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.Int("task_engine.retry_max", te.RetryMax),
		)
	}

	if differs(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver, opt := "memory", ""
		if st := newCfg.Storage; st != nil {
			driver, opt = strings.TrimSpace(st.Driver), strings.TrimSpace(st.Optimization)
		}
		attrs = append(attrs, logx.String("storage.driver", driver), logx.String("storage.optimization", opt))
	}

	if differs(oldCfg.Optimization, newCfg.Optimization) {
		changed = append(changed, "optimization")
		attrs = append(attrs, logx.String("optimization.timezone", newCfg.Optimization.Timezone))
		if h := newCfg.Optimization.DefaultHour; h != nil {
			attrs = append(attrs, logx.Int("optimization.default_hour", *h))
		}
	}

	if differs(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.timeout", newCfg.Dispatch.Timeout),
			logx.Int("dispatch.max_parallel", newCfg.Dispatch.MaxParallel),
		)
	}

	if p := diffPlatforms(oldCfg.Platforms, newCfg.Platforms); len(p) > 0 {
		changed = append(changed, "platforms")
		attrs = append(attrs,
			logx.Strings("platforms.changed", p),
			logx.Int("platforms.count", len(newCfg.Platforms)),
		)
	}

	if differs(oldCfg.Quota, newCfg.Quota) {
		changed = append(changed, "quota")
		attrs = append(attrs,
			logx.Bool("quota.enabled", newCfg.Quota.Enabled),
			logx.Int("quota.tiers", len(newCfg.Quota.Tiers)),
		)
	}

	if differs(oldCfg.Admin, newCfg.Admin) {
		a := newCfg.Admin
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", a.Enabled),
			logx.String("admin.addr", strings.TrimSpace(a.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(a.Token) != ""),
			logx.Bool("admin.pprof", a.Pprof),
		)
	}

	if differs(oldCfg.Events, newCfg.Events) {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.Bool("events.amqp_enabled", newCfg.Events.AMQP.Enabled),
			logx.String("events.amqp_exchange", newCfg.Events.AMQP.Exchange),
		)
	}

	if differs(oldCfg.Systemd, newCfg.Systemd) {
		changed = append(changed, "systemd")
	}

	sort.Strings(changed)
	return changed, attrs
}

// diffPlatforms returns the sorted ids of platforms added, removed or
// modified.
func diffPlatforms(oldP, newP []PlatformConfig) []string {
	index := func(ps []PlatformConfig) map[string]uint64 {
		out := make(map[string]uint64, len(ps))
		for _, p := range ps {
			out[strings.TrimSpace(p.ID)] = hashJSON(p)
		}
		return out
	}
	o, n := index(oldP), index(newP)
	var out []string
	for id, h := range n {
		if oh, ok := o[id]; !ok || oh != h {
			out = append(out, id)
		}
	}
	for id := range o {
		if _, ok := n[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
