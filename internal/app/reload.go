package app

import (
	"context"
	"slices"
	"strings"

	"postflow/internal/config"
	logx "postflow/pkg/logx"
)

// restartOnly are sections read once at build time.
var restartOnly = []string{"dispatch", "events", "optimization", "platforms", "quota", "storage", "systemd"}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts to the newest config.
			for drained := false; !drained; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					next = newer
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig pushes the hot-reloadable sections of next into the running
// services. next has already passed validate.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(next))
	a.applyAlertSender(next)

	if ecfg, err := mapTaskEngineConfig(next); err == nil {
		a.engine.Apply(ctx, ecfg)
	}
	if scfg, err := mapSchedulerConfig(next); err == nil {
		a.sched.Apply(scfg)
	}
	if pcfg, err := mapPostingConfig(next); err == nil {
		if err := a.posting.Apply(pcfg); err != nil {
			a.log.Warn("sweep re-register failed", logx.Err(err))
		}
	}
	switch was, now := prev.Scheduler.Enabled, next.Scheduler.Enabled; {
	case was && !now:
		a.posting.Stop(ctx)
		a.log.Info("sweep trigger disabled via config")
	case !was && now:
		if err := a.posting.Start(ctx); err != nil {
			a.log.Warn("sweep trigger enable failed", logx.Err(err))
		} else {
			a.log.Info("sweep trigger enabled via config")
		}
	}
	if acfg, err := mapAdminConfig(next); err == nil {
		a.admin.Reconfigure(ctx, acfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
