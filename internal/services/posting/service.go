// Package posting owns the post lifecycle: admission of schedule requests,
// periodic sweeps that claim and dispatch due posts, finalization, and the
// engagement feedback loop into the time optimizer.
package posting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"postflow/internal/dispatch"
	"postflow/internal/eventbus"
	"postflow/internal/optimize"
	"postflow/internal/posts"
	"postflow/internal/task/engine"
	logx "postflow/pkg/logx"
)

type Option func(*Service)

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

// WithTrigger lets Start register the periodic sweep.
func WithTrigger(t Trigger) Option { return func(s *Service) { s.trigger = t } }

// WithTaskQueue moves feedback updates onto the task engine. Without it they
// run inline after finalization.
func WithTaskQueue(q TaskQueue) Option { return func(s *Service) { s.tasks = q } }

func WithSweepObserver(o SweepObserver) Option { return func(s *Service) { s.obs = o } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

type Service struct {
	mu  sync.Mutex
	cfg Config

	store      posts.Store
	estimator  Estimator
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher

	trigger Trigger
	tasks   TaskQueue
	bus     eventbus.Bus
	obs     SweepObserver
	log     logx.Logger
	now     func() time.Time

	started bool
}

func New(cfg Config, store posts.Store, est Estimator, reg *dispatch.Registry, disp *dispatch.Dispatcher, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:        cfg.withDefaults(),
		store:      store,
		estimator:  est,
		registry:   reg,
		dispatcher: disp,
		log:        log.With(logx.String("comp", "posting")),
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start registers the sweep with the trigger. Without a trigger it is a no-op
// and sweeps only run through ProcessPendingManually.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.trigger == nil {
		return nil
	}
	if err := s.registerLocked(); err != nil {
		return err
	}
	s.started = true
	s.log.Info("posting service started", logx.String("sweep", s.cfg.Sweep), logx.Int("batch", s.cfg.BatchSize))
	return nil
}

func (s *Service) registerLocked() error {
	timeout := s.cfg.SweepTimeout
	return s.trigger.AddSchedule(SweepTaskName, s.cfg.Sweep, timeout, func(ctx context.Context) error {
		// The next tick is the retry.
		_, err := s.Sweep(ctx, s.now())
		return engine.NoRetry(err)
	})
}

func (s *Service) Stop(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.trigger.Remove(SweepTaskName)
	s.started = false
	s.log.Info("posting service stopped")
}

// Apply swaps the config and re-registers the sweep when its cadence changed.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.started && (prev.Sweep != cfg.Sweep || prev.SweepTimeout != cfg.SweepTimeout) {
		return s.registerLocked()
	}
	return nil
}

// SchedulePost validates req, picks a time when none is given and stores a
// pending post.
func (s *Service) SchedulePost(ctx context.Context, req ScheduleRequest) (*posts.Post, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, posts.Admission("content", posts.ErrEmptyContent)
	}
	ids := posts.NormalizePlatforms(req.PlatformIDs)
	if len(ids) == 0 {
		return nil, posts.Admission("platforms", posts.ErrNoPlatforms)
	}
	if _, err := s.registry.Resolve(ids); err != nil {
		return nil, posts.Admission("platforms", err)
	}

	now := s.now()
	p := &posts.Post{
		ID:              uuid.NewString(),
		WorkflowID:      req.WorkflowID,
		UserID:          req.UserID,
		Content:         req.Content,
		PlatformTargets: ids,
		Status:          posts.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.ScheduledFor != nil {
		p.ScheduledFor = *req.ScheduledFor
	} else {
		at, err := s.estimator.OptimalPostTime(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("optimal post time: %w", err)
		}
		p.ScheduledFor = at
		p.OptimizationApplied = true
	}

	if err := s.store.Create(ctx, p); err != nil {
		return nil, &posts.PersistenceError{Op: "create", PostID: p.ID, Err: err}
	}
	s.log.Info("post scheduled",
		logx.String("post", p.ID),
		logx.String("workflow", p.WorkflowID),
		logx.Strings("platforms", ids),
		logx.Time("scheduled_for", p.ScheduledFor),
		logx.Bool("optimized", p.OptimizationApplied),
	)
	s.emit(eventbus.PostScheduled, p, "")
	return p, nil
}

func (s *Service) GetPost(ctx context.Context, id string) (*posts.Post, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) ListPosts(ctx context.Context, f posts.Filter) ([]*posts.Post, error) {
	return s.store.List(ctx, f)
}

// OptimalPostTime exposes the estimator for callers that only want a suggestion.
func (s *Service) OptimalPostTime(ctx context.Context, platformIDs []string) (time.Time, error) {
	ids := posts.NormalizePlatforms(platformIDs)
	if len(ids) == 0 {
		return time.Time{}, posts.Admission("platforms", posts.ErrNoPlatforms)
	}
	return s.estimator.OptimalPostTime(ctx, ids)
}

// ProcessPendingManually runs one sweep now and returns how many posts it claimed.
func (s *Service) ProcessPendingManually(ctx context.Context) (int, error) {
	r, err := s.Sweep(ctx, s.now())
	return r.Claimed, err
}

// RecordFeedback stores a later engagement snapshot on the post outcome and
// feeds it to the estimator at the post's publish hour and weekday.
func (s *Service) RecordFeedback(ctx context.Context, req FeedbackRequest) (optimize.Result, error) {
	if err := req.Engagement.Validate(); err != nil {
		return optimize.Result{}, posts.Admission("engagement", err)
	}
	p, err := s.store.GetByID(ctx, req.PostID)
	if err != nil {
		return optimize.Result{}, err
	}
	o, ok := p.Outcomes[req.PlatformID]
	if !ok || !o.Success || p.PostedAt == nil {
		return optimize.Result{}, &posts.OptimizationFeedbackError{
			PlatformID: req.PlatformID,
			Err:        fmt.Errorf("post %s has no successful publish on this platform", p.ID),
		}
	}

	e := req.Engagement
	o.Engagement = &e
	if err := s.store.RecordOutcome(ctx, p.ID, req.PlatformID, o); err != nil {
		return optimize.Result{}, &posts.PersistenceError{Op: "record_outcome", PostID: p.ID, Err: err}
	}

	res, err := s.estimator.RecordFeedback(ctx, s.feedbackFor(req.PlatformID, *p.PostedAt, e))
	if err != nil {
		s.log.Warn("optimization feedback failed", logx.String("post", p.ID), logx.String("platform", req.PlatformID), logx.Err(err))
		return optimize.Result{}, err
	}
	s.emit(eventbus.PostFeedback, p, "")
	return res, nil
}

// feedbackFor places postedAt in the platform's audience zone, falling back
// to the estimator location.
func (s *Service) feedbackFor(platformID string, postedAt time.Time, e posts.Engagement) optimize.Feedback {
	loc := s.estimator.Location()
	fb := optimize.Feedback{PlatformID: platformID, Engagement: e}
	if rt, ok := s.registry.Lookup(platformID); ok {
		fb.PlatformType = rt.Type
		if rt.Timezone != "" {
			if l, err := time.LoadLocation(rt.Timezone); err == nil {
				loc = l
				fb.Timezone = rt.Timezone
			}
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	local := postedAt.In(loc)
	fb.Hour, fb.Day = local.Hour(), int(local.Weekday())
	return fb
}

func (s *Service) emit(typ string, p *posts.Post, reason string) {
	if s.bus == nil {
		return
	}
	ev := eventbus.PostEvent{
		PostID:     p.ID,
		WorkflowID: p.WorkflowID,
		UserID:     p.UserID,
		Status:     string(p.Status),
		Platforms:  p.PlatformTargets,
		Reason:     reason,
	}
	for id, o := range p.Outcomes {
		if !o.Success {
			ev.Failed = append(ev.Failed, id)
		}
	}
	sort.Strings(ev.Failed)
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

// isConflict reports a lost conditional write; the post belongs to someone else.
func isConflict(err error) bool {
	return errors.Is(err, posts.ErrClaimConflict)
}
