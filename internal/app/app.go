// Package app wires configuration, storage, dispatch and the background
// services into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"postflow/internal/config"
	"postflow/internal/dispatch"
	"postflow/internal/dispatch/telegram"
	"postflow/internal/eventbus"
	"postflow/internal/observability/admin"
	"postflow/internal/observability/metrics"
	"postflow/internal/optimize"
	"postflow/internal/quota"
	"postflow/internal/runtime/supervisor"
	"postflow/internal/services/posting"
	"postflow/internal/services/relay"
	"postflow/internal/storage"
	"postflow/internal/task/engine"
	"postflow/internal/task/scheduler"
	logx "postflow/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	stores    *storage.Stores
	registry  *dispatch.Registry
	estimator *optimize.Estimator
	metrics   *metrics.Metrics

	engine  *engine.Service
	sched   *scheduler.Service
	posting *posting.Service
	admin   *admin.Service
	relay   *relay.Service
	notify  *notifier

	// telegram connectors by platform id, for log alerts.
	alerters map[string]*telegram.Connector
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg, prometheus.NewRegistry())
}

// build validates cfg up front, so the mappers below cannot fail.
func build(cfgm *config.Manager, cfg *config.Config, reg *prometheus.Registry) (_ *App, err error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	logSvc, root := logx.New(mapLoggingConfig(cfg), nil)
	log := root.With(logx.String("comp", "app"))
	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New(), alerters: map[string]*telegram.Connector{}}
	defer func() {
		if err != nil {
			_ = a.stores.Close()
			_ = logSvc.Close()
		}
	}()

	sc, _ := mapStorageConfig(cfg)
	if a.stores, err = storage.Open(sc, root); err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("optimization", sc.Optimization))

	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	if a.metrics, err = metrics.New(reg); err != nil {
		return nil, err
	}

	dcfg, bcfg, _ := mapDispatchConfig(cfg)
	a.registry = dispatch.NewRegistry(bcfg, root)
	a.registry.OnBreakerState(a.metrics.BreakerChanged)
	if err := a.registerPlatforms(cfg, root); err != nil {
		return nil, err
	}
	disp := dispatch.New(dcfg, root, dispatch.WithObserver(a.metrics))

	ocfg, _ := mapOptimizeConfig(cfg)
	a.estimator = optimize.NewEstimator(a.stores.Optimization, ocfg, optimize.WithLogger(root))

	ecfg, _ := mapTaskEngineConfig(cfg)
	a.engine = engine.New(ecfg, root.With(logx.String("comp", "taskengine")), a.bus)
	schedCfg, _ := mapSchedulerConfig(cfg)
	a.sched = scheduler.New(schedCfg, a.engine, root.With(logx.String("comp", "scheduler")))

	pcfg, _ := mapPostingConfig(cfg)
	a.posting = posting.New(pcfg, a.stores.Posts, a.estimator, a.registry, disp, root,
		posting.WithBus(a.bus),
		posting.WithTrigger(a.sched),
		posting.WithTaskQueue(a.engine),
		posting.WithSweepObserver(a.metrics),
	)

	deps := admin.Deps{
		Posts:   a.posting,
		Health:  a.health,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}
	if qs, _ := mapQuotaConfig(cfg); qs.tiers != nil {
		deps.Quota = quota.NewGuard(a.stores.Posts, qs.tiers, qs.loc)
	}
	acfg, _ := mapAdminConfig(cfg)
	a.admin = admin.New(acfg, deps, root)

	rcfg, _ := mapRelayConfig(cfg)
	a.relay = relay.New(rcfg, a.bus, nil, root)

	a.notify = newNotifier(cfg.Systemd, log)
	a.applyAlertSender(cfg)
	return a, nil
}

func (a *App) registerPlatforms(cfg *config.Config, log logx.Logger) error {
	specs, err := mapPlatforms(cfg)
	if err != nil {
		return err
	}
	client := &http.Client{}
	for _, spec := range specs {
		conn, err := buildConnector(spec, client, log)
		if err != nil {
			return fmt.Errorf("platform %s: %w", spec.platform.ID, err)
		}
		if tg, ok := conn.(*telegram.Connector); ok {
			a.alerters[spec.platform.ID] = tg
		}
		p := spec.platform
		p.Connector = conn
		if err := a.registry.Register(p); err != nil {
			return err
		}
		a.log.Info("platform registered", logx.String("id", p.ID), logx.String("type", p.Type))
	}
	return nil
}

// applyAlertSender points log alerts at the configured telegram platform.
func (a *App) applyAlertSender(cfg *config.Config) {
	al := cfg.Logging.Alerts
	if !al.Enabled {
		a.logs.SetAlertSender(nil)
		return
	}
	if tg, ok := a.alerters[strings.TrimSpace(al.Platform)]; ok {
		a.logs.SetAlertSender(tg)
		return
	}
	a.logs.SetAlertSender(nil)
	a.log.Warn("log alerts enabled but platform is not a registered telegram platform; restart required",
		logx.String("platform", al.Platform))
}

// Posting exposes the service for embedding and tests.
func (a *App) Posting() *posting.Service { return a.posting }

// AdminAddr is the bound admin address, empty when disabled.
func (a *App) AdminAddr() string { return a.admin.Addr() }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	// Engine before the trigger so the first tick has workers.
	a.engine.Start(run)
	a.sched.Start(run)
	if a.cfgm.Get().Scheduler.Enabled {
		if err := a.posting.Start(run); err != nil {
			return fmt.Errorf("posting: %w", err)
		}
	} else {
		a.log.Info("sweep trigger disabled; posts are processed only on demand")
	}
	a.admin.Start(run)
	if err := a.relay.Start(run); err != nil {
		return err
	}

	a.sup.Go("events.log", func(c context.Context) error {
		a.logEvents(c)
		return nil
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.notify.ready(a.sup)

	a.log.Info("app started")
	return nil
}

// logEvents mirrors bus traffic at debug level.
func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fields := []logx.Field{logx.String("type", e.Type)}
			if pe, ok := e.Data.(eventbus.PostEvent); ok {
				fields = append(fields, logx.String("post_id", pe.PostID), logx.String("status", pe.Status))
			}
			a.log.Debug("event", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.stopping()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.runStopStep(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	// Stop the trigger first so no new sweep starts, then drain the engine.
	step("posting", time.Second, func(c context.Context) error { a.posting.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("admin", 3*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("relay", 2*time.Second, func(c context.Context) error { a.relay.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Stop)
	step("storage", time.Second, func(context.Context) error { return a.stores.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// runStopStep bounds one shutdown step so a stuck component cannot stall
// the rest. It never extends the caller's deadline.
func (a *App) runStopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else if took >= 500*time.Millisecond {
			a.log.Info("stop step slow", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
		return stepCtx.Err()
	}
}

// health is the /healthz body.
func (a *App) health() any {
	loops := map[string][]supervisor.LoopStats{}
	if a.sup != nil {
		loops["app"] = a.sup.Snapshot()
	}
	if s := a.admin.Supervisor(); s != nil {
		loops["admin"] = s.Snapshot()
	}
	if s := a.relay.Supervisor(); s != nil {
		loops["relay"] = s.Snapshot()
	}
	eng := a.engine.Snapshot()
	eng.History = nil

	status := "ok"
	if a.Err() != nil {
		status = "degraded"
	}
	return map[string]any{
		"status":         status,
		"engine":         eng,
		"scheduler":      a.sched.Snapshot(),
		"platforms":      a.breakerStates(),
		"loops":          loops,
		"events_dropped": eventbus.Dropped(a.bus),
		"relay": map[string]uint64{
			"published": a.relay.Published(),
			"dropped":   a.relay.Dropped(),
		},
	}
}

func (a *App) breakerStates() map[string]string {
	out := map[string]string{}
	for _, id := range a.registry.IDs() {
		if rt, ok := a.registry.Lookup(id); ok {
			out[id] = rt.BreakerState()
		}
	}
	return out
}
