package optimize

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"postflow/internal/posts"
	logx "postflow/pkg/logx"
)

const (
	// DefaultHour is used when no platform has learned data (late morning).
	DefaultHour = 11

	DefaultHorizon    = 7 * 24 * time.Hour
	DefaultCASRetries = 5
)

// EngagementWeights scores an engagement snapshot.
type EngagementWeights struct {
	Likes    int64
	Comments int64
	Shares   int64
	Clicks   int64
}

// DefaultWeights is the fixed scoring policy.
var DefaultWeights = EngagementWeights{Likes: 1, Comments: 2, Shares: 3, Clicks: 1}

// Score returns the weighted engagement score.
func (w EngagementWeights) Score(e posts.Engagement) int64 {
	return e.Likes*w.Likes + e.Comments*w.Comments + e.Shares*w.Shares + e.Clicks*w.Clicks
}

// Score applies DefaultWeights.
func Score(e posts.Engagement) int64 { return DefaultWeights.Score(e) }

type Config struct {
	Location *time.Location
	// DefaultHour applies when no platform has data. nil means DefaultHour.
	DefaultHour *int
	Horizon     time.Duration
	CASRetries  int
}

type Option func(*Estimator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Estimator) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(e *Estimator) { e.log = log.With(logx.String("comp", "optimize")) }
}

// Estimator picks publishing times from learned windows and folds engagement
// feedback back into them.
type Estimator struct {
	store posts.OptimizationStore
	cfg   Config
	hour  int
	now   func() time.Time
	log   logx.Logger
}

func NewEstimator(store posts.OptimizationStore, cfg Config, opts ...Option) *Estimator {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	if cfg.CASRetries <= 0 {
		cfg.CASRetries = DefaultCASRetries
	}
	e := &Estimator{store: store, cfg: cfg, hour: DefaultHour, now: time.Now, log: logx.Nop()}
	if h := cfg.DefaultHour; h != nil && *h >= 0 && *h <= 23 {
		e.hour = *h
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Location is the fallback zone used for hour and day evaluation.
func (e *Estimator) Location() *time.Location { return e.cfg.Location }

// OptimalPostTime returns the earliest whole-hour slot strictly after now that
// falls within the learned windows of the given platforms.
func (e *Estimator) OptimalPostTime(ctx context.Context, platformIDs []string) (time.Time, error) {
	now := e.now()
	recs := make([]posts.TimeOptimization, 0, len(platformIDs))
	for _, id := range platformIDs {
		rec, ok, err := e.store.GetByPlatform(ctx, id)
		if err != nil {
			return time.Time{}, fmt.Errorf("load optimization %s: %w", id, err)
		}
		if ok && rec.HasData() {
			recs = append(recs, rec)
		}
	}
	if len(recs) == 0 {
		return nextAtHour(now.In(e.cfg.Location), e.hour), nil
	}

	loc := e.pickLocation(recs)
	hours := combine(recs, func(r posts.TimeOptimization) []int { return r.BestHours })
	days := combine(recs, func(r posts.TimeOptimization) []int { return r.BestDays })
	if len(hours) == 0 {
		hours = []int{e.hour}
	}

	local := now.In(loc)
	if t, ok := e.scan(local, hours, days); ok {
		return t, nil
	}
	if len(days) > 0 {
		if t, ok := e.scan(local, hours, nil); ok {
			return t, nil
		}
	}
	return nextAtHour(local, e.hour), nil
}

func (e *Estimator) scan(from time.Time, hours, days []int) (time.Time, bool) {
	t := time.Date(from.Year(), from.Month(), from.Day(), from.Hour(), 0, 0, 0, from.Location())
	if !t.After(from) {
		t = t.Add(time.Hour)
	}
	limit := from.Add(e.cfg.Horizon)
	for ; !t.After(limit); t = t.Add(time.Hour) {
		if !slices.Contains(hours, t.Hour()) {
			continue
		}
		if len(days) > 0 && !slices.Contains(days, int(t.Weekday())) {
			continue
		}
		return t, true
	}
	return time.Time{}, false
}

// pickLocation uses the audience timezone only when every record agrees on it.
func (e *Estimator) pickLocation(recs []posts.TimeOptimization) *time.Location {
	tz := recs[0].AudienceTimezone
	for _, r := range recs[1:] {
		if r.AudienceTimezone != tz {
			return e.cfg.Location
		}
	}
	if tz == "" {
		return e.cfg.Location
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		e.log.Warn("unknown audience timezone", logx.String("tz", tz), logx.Err(err))
		return e.cfg.Location
	}
	return loc
}

// combine intersects the per-record sets, falling back to the union when the
// intersection is empty. Records with an empty set do not constrain.
func combine(recs []posts.TimeOptimization, pick func(posts.TimeOptimization) []int) []int {
	var sets [][]int
	for _, r := range recs {
		if s := pick(r); len(s) > 0 {
			sets = append(sets, s)
		}
	}
	if len(sets) == 0 {
		return nil
	}
	inter := slices.Clone(sets[0])
	for _, s := range sets[1:] {
		inter = slices.DeleteFunc(inter, func(v int) bool { return !slices.Contains(s, v) })
	}
	if len(inter) > 0 {
		slices.Sort(inter)
		return slices.Compact(inter)
	}
	var union []int
	for _, s := range sets {
		union = append(union, s...)
	}
	slices.Sort(union)
	return slices.Compact(union)
}

func nextAtHour(from time.Time, hour int) time.Time {
	t := time.Date(from.Year(), from.Month(), from.Day(), hour, 0, 0, 0, from.Location())
	if !t.After(from) {
		t = time.Date(from.Year(), from.Month(), from.Day()+1, hour, 0, 0, 0, from.Location())
	}
	return t
}

// Feedback is one engagement observation for a platform at a given local hour
// and weekday.
type Feedback struct {
	PlatformID   string
	PlatformType string
	Engagement   posts.Engagement
	Hour         int
	Day          int
	Timezone     string
}

type Result struct {
	Applied bool
	Score   int64
	Record  posts.TimeOptimization
}

// RecordFeedback admits the feedback's hour and day when its score beats the
// stored high-water mark. The update is a compare-and-swap retried on conflict.
func (e *Estimator) RecordFeedback(ctx context.Context, fb Feedback) (Result, error) {
	if fb.PlatformID == "" {
		return Result{}, &posts.OptimizationFeedbackError{Err: errors.New("platform id is required")}
	}
	if fb.Hour < 0 || fb.Hour > 23 || fb.Day < 0 || fb.Day > 6 {
		return Result{}, &posts.OptimizationFeedbackError{
			PlatformID: fb.PlatformID,
			Err:        fmt.Errorf("hour %d / day %d out of range", fb.Hour, fb.Day),
		}
	}
	if err := fb.Engagement.Validate(); err != nil {
		return Result{}, &posts.OptimizationFeedbackError{PlatformID: fb.PlatformID, Err: err}
	}
	score := Score(fb.Engagement)

	var lastErr error
	for attempt := 0; attempt < e.cfg.CASRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, &posts.OptimizationFeedbackError{PlatformID: fb.PlatformID, Err: err}
		}
		cur, ok, err := e.store.GetByPlatform(ctx, fb.PlatformID)
		if err != nil {
			return Result{}, &posts.OptimizationFeedbackError{PlatformID: fb.PlatformID, Err: err}
		}

		var next posts.TimeOptimization
		var prev *posts.TimeOptimization
		if !ok {
			next = posts.TimeOptimization{
				PlatformID:       fb.PlatformID,
				PlatformType:     fb.PlatformType,
				BestHours:        []int{fb.Hour},
				BestDays:         []int{fb.Day},
				AudienceTimezone: fb.Timezone,
				EngagementScore:  score,
			}
		} else {
			if score <= cur.EngagementScore {
				return Result{Applied: false, Score: score, Record: cur}, nil
			}
			prev = &cur
			next = cur
			next.BestHours = posts.AdmitHour(cur.BestHours, fb.Hour, posts.MaxBestHours)
			next.BestDays = posts.AdmitDay(cur.BestDays, fb.Day)
			next.EngagementScore = score
			if next.PlatformType == "" {
				next.PlatformType = fb.PlatformType
			}
			if next.AudienceTimezone == "" {
				next.AudienceTimezone = fb.Timezone
			}
		}
		next.UpdatedAt = e.now()

		err = e.store.Upsert(ctx, next, prev)
		if err == nil {
			e.log.Debug("optimization updated",
				logx.String("platform", fb.PlatformID),
				logx.Int64("score", score),
				logx.Any("best_hours", next.BestHours),
			)
			return Result{Applied: true, Score: score, Record: next}, nil
		}
		if !errors.Is(err, posts.ErrConflict) {
			return Result{}, &posts.OptimizationFeedbackError{PlatformID: fb.PlatformID, Err: err}
		}
		lastErr = err
	}
	return Result{}, &posts.OptimizationFeedbackError{
		PlatformID: fb.PlatformID,
		Err:        fmt.Errorf("gave up after %d attempts: %w", e.cfg.CASRetries, lastErr),
	}
}
