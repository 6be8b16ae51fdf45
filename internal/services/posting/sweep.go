package posting

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"postflow/internal/eventbus"
	"postflow/internal/posts"
	"postflow/internal/task/engine"
	logx "postflow/pkg/logx"
)

// finalizeTimeout bounds the terminal writes of one post. They run detached
// from the sweep context so a claimed post always reaches a terminal state
// while the store is reachable.
const finalizeTimeout = 10 * time.Second

// feedbackConflictPause spaces engine retries of feedback that lost its CAS
// retries to concurrent writers.
const feedbackConflictPause = 500 * time.Millisecond

type postResult int

const (
	resultSkipped postResult = iota
	resultPublished
	resultPartial
	resultFailed
)

// Sweep claims the posts due at now and dispatches them. A claim failure
// aborts the sweep before any dispatch. Finalization errors of single posts
// are joined into the returned error while the other posts complete.
func (s *Service) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	cfg := s.config()
	start := time.Now()
	var report SweepReport

	claimed, err := s.store.ClaimDue(ctx, now, cfg.claimLimit(s.dispatcher.Timeout()))
	if err != nil {
		s.log.Error("claim failed", logx.Err(err))
		return report, &posts.PersistenceError{Op: "claim", Err: err}
	}
	report.Claimed = len(claimed)

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(cfg.MaxConcurrentPosts)
	for _, p := range claimed {
		s.emit(eventbus.PostClaimed, p, "")
		g.Go(func() error {
			var (
				res postResult
				err error
			)
			if cerr := ctx.Err(); cerr != nil {
				res, err = s.fail(ctx, p, "sweep ended before dispatch: "+cerr.Error(), s.log.With(logx.String("post", p.ID)))
			} else {
				res, err = s.process(ctx, p)
			}
			mu.Lock()
			defer mu.Unlock()
			switch res {
			case resultPublished:
				report.Published++
			case resultPartial:
				report.Partial++
			case resultFailed:
				report.Failed++
			default:
				report.Skipped++
			}
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Stuck = s.countStuck(ctx, cfg, now)
	report.Took = time.Since(start)

	if report.Claimed > 0 || report.Stuck > 0 {
		s.log.Info("sweep completed",
			logx.Int("claimed", report.Claimed),
			logx.Int("published", report.Published),
			logx.Int("partial", report.Partial),
			logx.Int("failed", report.Failed),
			logx.Int("stuck", report.Stuck),
			logx.Duration("took", report.Took),
		)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.SweepCompleted, Time: s.now(), Data: report})
	}
	if s.obs != nil {
		s.obs.ObserveSweep(report)
	}
	return report, errors.Join(errs...)
}

// process dispatches one claimed post and writes its terminal state.
func (s *Service) process(ctx context.Context, p *posts.Post) (postResult, error) {
	log := s.log.With(logx.String("post", p.ID))

	routes, err := s.registry.Resolve(p.PlatformTargets)
	if err != nil {
		// Nothing was attempted.
		return s.fail(ctx, p, err.Error(), log)
	}

	outcomes := s.dispatcher.Fanout(ctx, p, routes)
	p.Outcomes = outcomes
	dispatchedAt := s.now()

	wctx, cancel := finalizeContext(ctx)
	defer cancel()

	ids := make([]string, 0, len(outcomes))
	for id := range outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := s.store.RecordOutcome(wctx, p.ID, id, outcomes[id]); err != nil {
			perr := &posts.PersistenceError{Op: "record_outcome", PostID: p.ID, Err: err}
			res, ferr := s.fail(wctx, p, perr.Error(), log)
			return res, errors.Join(perr, ferr)
		}
	}

	status := posts.Aggregate(outcomes)
	var postedAt *time.Time
	reason := ""
	switch status {
	case posts.StatusPublished:
		postedAt = &dispatchedAt
	case posts.StatusPartialFailure:
		postedAt = &dispatchedAt
		reason = "failed on: " + strings.Join(failedIDs(outcomes), ", ")
	default:
		reason = "all platforms failed"
	}

	if err := s.store.UpdateStatus(wctx, p.ID, posts.StatusProcessing, status, postedAt, reason); err != nil {
		if isConflict(err) {
			log.Warn("post changed under the sweep; leaving it", logx.Err(err))
			return resultSkipped, nil
		}
		perr := &posts.PersistenceError{Op: "finalize", PostID: p.ID, Err: err}
		res, ferr := s.fail(wctx, p, perr.Error(), log)
		return res, errors.Join(perr, ferr)
	}

	p.Status, p.PostedAt, p.FailureReason = status, postedAt, reason
	log.Info("post finalized", logx.String("status", string(status)), logx.Int("platforms", len(outcomes)))

	var res postResult
	switch status {
	case posts.StatusPublished:
		res = resultPublished
		s.emit(eventbus.PostPublished, p, "")
	case posts.StatusPartialFailure:
		res = resultPartial
		s.emit(eventbus.PostPartialFailure, p, reason)
	default:
		res = resultFailed
		s.emit(eventbus.PostFailed, p, reason)
	}

	if postedAt != nil {
		s.forwardFeedback(p, *postedAt, outcomes)
	}
	return res, nil
}

// fail moves a processing post to failed. When that write also fails the
// post stays in processing for manual reconciliation.
func (s *Service) fail(ctx context.Context, p *posts.Post, reason string, log logx.Logger) (postResult, error) {
	wctx, cancel := finalizeContext(ctx)
	defer cancel()
	err := s.store.UpdateStatus(wctx, p.ID, posts.StatusProcessing, posts.StatusFailed, nil, reason)
	switch {
	case err == nil:
		p.Status, p.FailureReason = posts.StatusFailed, reason
		log.Warn("post failed", logx.String("reason", reason))
		s.emit(eventbus.PostFailed, p, reason)
		return resultFailed, nil
	case isConflict(err):
		return resultSkipped, nil
	default:
		log.Error("post left in processing", logx.String("reason", reason), logx.Err(err))
		return resultSkipped, &posts.PersistenceError{Op: "mark_failed", PostID: p.ID, Err: err}
	}
}

func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

func failedIDs(outcomes map[string]posts.Outcome) []string {
	var ids []string
	for id, o := range outcomes {
		if !o.Success {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// forwardFeedback hands engagement snapshots that came back with the publish
// result to the estimator. Failures never touch the post.
func (s *Service) forwardFeedback(p *posts.Post, postedAt time.Time, outcomes map[string]posts.Outcome) {
	for id, o := range outcomes {
		if !o.Success || o.Engagement == nil {
			continue
		}
		fb := s.feedbackFor(id, postedAt, *o.Engagement)
		run := func(ctx context.Context) error {
			_, err := s.estimator.RecordFeedback(ctx, fb)
			return feedbackTaskErr(err)
		}

		if s.tasks != nil {
			err := s.tasks.Enqueue(engine.Task{
				Name:    "feedback." + id,
				Timeout: 10 * time.Second,
				Run:     run,
				Opt:     engine.TaskOptions{RetryMax: 2},
			})
			if err == nil {
				continue
			}
			s.log.Debug("feedback queue unavailable; running inline", logx.String("platform", id), logx.Err(err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := run(ctx); err != nil {
			s.log.Warn("optimization feedback failed",
				logx.String("post", p.ID),
				logx.String("platform", id),
				logx.Err(err),
			)
		}
		cancel()
	}
}

// feedbackTaskErr classifies estimator errors for the task engine. A CAS that
// kept losing is retried after a pause; anything else but cancellation is final.
func feedbackTaskErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, posts.ErrConflict):
		return engine.RetryAfter(err, feedbackConflictPause)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return engine.NoRetry(err)
	}
}

func (s *Service) countStuck(ctx context.Context, cfg Config, now time.Time) int {
	if cfg.StuckAfter < 0 {
		return 0
	}
	stuck, err := s.store.List(ctx, posts.Filter{
		Status:        posts.StatusProcessing,
		ClaimedBefore: now.Add(-cfg.StuckAfter),
		Limit:         cfg.BatchSize,
	})
	if err != nil {
		s.log.Warn("stuck scan failed", logx.Err(err))
		return 0
	}
	if len(stuck) > 0 {
		ids := make([]string, 0, len(stuck))
		for _, p := range stuck {
			ids = append(ids, p.ID)
		}
		s.log.Warn("posts stuck in processing", logx.Int("count", len(stuck)), logx.Strings("posts", ids))
	}
	return len(stuck)
}
