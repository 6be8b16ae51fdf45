// Package quota enforces per-tier daily post limits at admission time.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postflow/internal/posts"
)

var ErrUnknownTier = errors.New("unknown quota tier")

// Counter is the slice of posts.Store the guard needs.
type Counter interface {
	CountCreatedBetween(ctx context.Context, userID string, from, to time.Time) (int, error)
}

type Decision struct {
	Allowed bool `json:"allowed"`
	Current int  `json:"current"`
	Max     int  `json:"max"`
}

// Guard checks how many posts a user created during the current local day.
// It never writes.
type Guard struct {
	store Counter
	tiers map[string]int
	loc   *time.Location
	now   func() time.Time
}

type Option func(*Guard)

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// NewGuard copies tiers; tier names are case-insensitive. loc is the default
// day boundary zone.
func NewGuard(store Counter, tiers map[string]int, loc *time.Location, opts ...Option) *Guard {
	cp := make(map[string]int, len(tiers))
	for k, v := range tiers {
		cp[strings.ToLower(strings.TrimSpace(k))] = v
	}
	if loc == nil {
		loc = time.Local
	}
	g := &Guard{store: store, tiers: cp, loc: loc, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Limit returns the daily maximum for tier.
func (g *Guard) Limit(tier string) (int, error) {
	n, ok := g.tiers[strings.ToLower(strings.TrimSpace(tier))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return n, nil
}

// CheckDailyQuota counts posts created in [start of today, +24h) in loc
// (the guard default when nil).
func (g *Guard) CheckDailyQuota(ctx context.Context, userID, tier string, loc *time.Location) (Decision, error) {
	limit, err := g.Limit(tier)
	if err != nil {
		return Decision{}, err
	}
	if loc == nil {
		loc = g.loc
	}
	from := StartOfDay(g.now(), loc)
	n, err := g.store.CountCreatedBetween(ctx, userID, from, from.Add(24*time.Hour))
	if err != nil {
		return Decision{}, fmt.Errorf("count posts for %s: %w", userID, err)
	}
	return Decision{Allowed: n < limit, Current: n, Max: limit}, nil
}

// Admit is CheckDailyQuota folded into an admission error.
func (g *Guard) Admit(ctx context.Context, userID, tier string, loc *time.Location) error {
	d, err := g.CheckDailyQuota(ctx, userID, tier, loc)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return posts.Admission(fmt.Sprintf("%d of %d posts used today", d.Current, d.Max), posts.ErrQuotaExceeded)
	}
	return nil
}

func StartOfDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}
