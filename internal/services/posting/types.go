package posting

import (
	"context"
	"time"

	"postflow/internal/optimize"
	"postflow/internal/posts"
	"postflow/internal/task/engine"
)

const (
	SweepTaskName = "posts.sweep"

	DefaultSweepEvery    = "5m"
	DefaultSweepTimeout  = 4 * time.Minute
	DefaultBatchSize     = 100
	DefaultMaxConcurrent = 4
	DefaultStuckAfter    = 15 * time.Minute
)

type Config struct {
	// Sweep is the trigger spec, an interval ("5m") or a cron expression.
	Sweep        string
	SweepTimeout time.Duration
	// BatchSize caps posts claimed per sweep.
	BatchSize int
	// MaxConcurrentPosts bounds posts dispatched at once within a sweep.
	MaxConcurrentPosts int
	// StuckAfter flags posts left in processing longer than this. Negative disables.
	StuckAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Sweep == "" {
		c.Sweep = DefaultSweepEvery
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = DefaultSweepTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxConcurrentPosts <= 0 {
		c.MaxConcurrentPosts = DefaultMaxConcurrent
	}
	if c.StuckAfter == 0 {
		c.StuckAfter = DefaultStuckAfter
	}
	return c
}

// claimLimit caps BatchSize to what the workers can dispatch within
// SweepTimeout when every post runs into the per-call timeout.
func (c Config) claimLimit(callTimeout time.Duration) int {
	if callTimeout <= 0 {
		return c.BatchSize
	}
	waves := max(int(c.SweepTimeout/callTimeout), 1)
	return min(c.BatchSize, waves*c.MaxConcurrentPosts)
}

type ScheduleRequest struct {
	WorkflowID  string
	UserID      string
	Content     string
	PlatformIDs []string
	// ScheduledFor nil asks the estimator for a time.
	ScheduledFor *time.Time
}

type FeedbackRequest struct {
	PostID     string
	PlatformID string
	Engagement posts.Engagement
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Claimed   int           `json:"claimed"`
	Published int           `json:"published"`
	Partial   int           `json:"partial"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Stuck     int           `json:"stuck"`
	Took      time.Duration `json:"took"`
}

// Estimator is the timing side of the optimizer.
type Estimator interface {
	OptimalPostTime(ctx context.Context, platformIDs []string) (time.Time, error)
	RecordFeedback(ctx context.Context, fb optimize.Feedback) (optimize.Result, error)
	Location() *time.Location
}

// Trigger registers the periodic sweep.
type Trigger interface {
	AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error
	Remove(name string) bool
}

// TaskQueue runs feedback updates off the sweep path.
type TaskQueue interface {
	Enqueue(t engine.Task) error
}

// SweepObserver receives every finished sweep (metrics).
type SweepObserver interface {
	ObserveSweep(r SweepReport)
}
