package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postflow/internal/task/engine"
	logx "postflow/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine Enqueuer
	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

func New(cfg Config, eng Enqueuer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		engine: eng,
		// SecondOptional accepts both 5- and 6-field specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastEnqWarn: map[string]time.Time{},
	}
}

// Apply swaps the config; a timezone change re-registers every schedule.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && changed {
		<-s.c.Stop().Done()
		s.startLocked()
	}
}

func (s *Service) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering. Definitions survive and resume on the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// AddSchedule registers job under name, replacing any schedule with the same
// name. Triggers skip while a previous run is queued or running.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error {
	return s.AddScheduleOpt(name, schedule, timeout, engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}, job)
}

func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	} else if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("cron %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{name: name, spec: spec, timeout: timeout, job: job, opt: opt})
	if s.c == nil {
		return nil
	}
	if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout))
	return nil
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			continue
		}
		s.defs[n] = d
		n++
	}
	removed := n < len(s.defs)
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, run, opt := d.name, d.timeout, d.job, d.opt
	job := cron.FuncJob(func() {
		s.fire(engine.Task{Name: name, Timeout: timeout, Run: run, Opt: opt})
	})

	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(strings.TrimSpace(every)); err == nil && dur > 0 {
			sched, spread := intervalWithSpread(dur, time.Now().In(s.loc), d.name)
			d.spread = spread
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

// Fire enqueues the named schedule immediately, outside its cadence.
func (s *Service) Fire(name string) error {
	s.mu.Lock()
	var def *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			def = &s.defs[i]
			break
		}
	}
	if def == nil {
		s.mu.Unlock()
		return fmt.Errorf("schedule %q not found", name)
	}
	t := engine.Task{Name: def.name, Timeout: def.timeout, Run: def.job, Opt: def.opt}
	s.mu.Unlock()
	return s.engine.Enqueue(t)
}

func (s *Service) fire(t engine.Task) {
	if s.engine == nil {
		return
	}
	err := s.engine.Enqueue(t)
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", t.Name))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[t.Name]
	throttled := !last.IsZero() && now.Sub(last) < enqueueWarnThrottle
	if !throttled {
		s.lastEnqWarn[t.Name] = now
	}
	s.enqMu.Unlock()
	if !throttled {
		s.log.Warn("schedule failed to enqueue task", logx.String("schedule", t.Name), logx.Err(err))
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Running: s.c != nil, Timezone: s.cfg.Timezone}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	return snap
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
