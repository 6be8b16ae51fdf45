package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"postflow/internal/posts"
)

// Memory keeps posts and optimization records in process memory. A single
// mutex makes every conditional write atomic.
type Memory struct {
	mu    sync.Mutex
	posts map[string]*posts.Post
	opts  map[string]posts.TimeOptimization
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		posts: map[string]*posts.Post{},
		opts:  map[string]posts.TimeOptimization{},
		now:   time.Now,
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Create(ctx context.Context, p *posts.Post) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[p.ID]; ok {
		return posts.ErrConflict
	}
	m.posts[p.ID] = p.Clone()
	return nil
}

func (m *Memory) GetByID(ctx context.Context, id string) (*posts.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return nil, posts.ErrNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*posts.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]*posts.Post, 0)
	for _, p := range m.posts {
		if p.Status == posts.StatusPending && !p.ScheduledFor.After(now) {
			due = append(due, p)
		}
	}
	sortByScheduled(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimedAt := m.now()
	out := make([]*posts.Post, 0, len(due))
	for _, p := range due {
		p.Status = posts.StatusProcessing
		p.ClaimedAt = &claimedAt
		p.UpdatedAt = claimedAt
		out = append(out, p.Clone())
	}
	return out, nil
}

func (m *Memory) UpdateStatus(ctx context.Context, id string, from, to posts.Status, postedAt *time.Time, reason string) error {
	if !from.CanTransition(to) {
		return posts.ErrInvalidTransition
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return posts.ErrNotFound
	}
	if p.Status != from {
		return posts.ErrClaimConflict
	}
	p.Status = to
	if postedAt != nil {
		t := *postedAt
		p.PostedAt = &t
	} else {
		p.PostedAt = nil
	}
	p.FailureReason = reason
	p.UpdatedAt = m.now()
	return nil
}

func (m *Memory) RecordOutcome(ctx context.Context, id, platformID string, o posts.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return posts.ErrNotFound
	}
	if p.Outcomes == nil {
		p.Outcomes = map[string]posts.Outcome{}
	}
	if o.Engagement != nil {
		e := *o.Engagement
		o.Engagement = &e
	}
	p.Outcomes[platformID] = o
	p.UpdatedAt = m.now()
	return nil
}

func (m *Memory) CountCreatedBetween(ctx context.Context, userID string, from, to time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.posts {
		if p.UserID == userID && !p.CreatedAt.Before(from) && p.CreatedAt.Before(to) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) List(ctx context.Context, f posts.Filter) ([]*posts.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*posts.Post, 0)
	for _, p := range m.posts {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.WorkflowID != "" && p.WorkflowID != f.WorkflowID {
			continue
		}
		if !f.ClaimedBefore.IsZero() && (p.ClaimedAt == nil || !p.ClaimedAt.Before(f.ClaimedBefore)) {
			continue
		}
		out = append(out, p)
	}
	sortByScheduled(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	for i, p := range out {
		out[i] = p.Clone()
	}
	return out, nil
}

func (m *Memory) GetByPlatform(ctx context.Context, platformID string) (posts.TimeOptimization, bool, error) {
	if err := ctx.Err(); err != nil {
		return posts.TimeOptimization{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.opts[platformID]
	if !ok {
		return posts.TimeOptimization{}, false, nil
	}
	return cloneOpt(rec), true, nil
}

func (m *Memory) Upsert(ctx context.Context, next posts.TimeOptimization, prev *posts.TimeOptimization) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.opts[next.PlatformID]
	switch {
	case prev == nil && ok:
		return posts.ErrConflict
	case prev != nil && (!ok || cur.EngagementScore != prev.EngagementScore):
		return posts.ErrConflict
	}
	m.opts[next.PlatformID] = cloneOpt(next)
	return nil
}

func cloneOpt(o posts.TimeOptimization) posts.TimeOptimization {
	o.BestHours = slices.Clone(o.BestHours)
	o.BestDays = slices.Clone(o.BestDays)
	return o
}

func sortByScheduled(ps []*posts.Post) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].ScheduledFor.Equal(ps[j].ScheduledFor) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].ScheduledFor.Before(ps[j].ScheduledFor)
	})
}
