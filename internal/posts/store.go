package posts

import (
	"context"
	"time"
)

// Store persists posts.
//
// ClaimDue and UpdateStatus are conditional writes: a post only changes
// status when its stored status still equals the expected one. Implementations
// return ErrClaimConflict when the condition does not hold.
type Store interface {
	Create(ctx context.Context, p *Post) error
	GetByID(ctx context.Context, id string) (*Post, error)

	// ClaimDue atomically moves up to limit pending posts with
	// ScheduledFor <= now into processing and returns them.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Post, error)

	// UpdateStatus performs from -> to. postedAt is stored as given (nil clears it).
	UpdateStatus(ctx context.Context, id string, from, to Status, postedAt *time.Time, reason string) error

	RecordOutcome(ctx context.Context, id, platformID string, o Outcome) error
	CountCreatedBetween(ctx context.Context, userID string, from, to time.Time) (int, error)
	List(ctx context.Context, f Filter) ([]*Post, error)

	Close() error
}

// OptimizationStore persists one TimeOptimization per platform.
type OptimizationStore interface {
	GetByPlatform(ctx context.Context, platformID string) (TimeOptimization, bool, error)

	// Upsert writes next if the stored record still matches prev. prev == nil
	// means the record must not exist yet. A lost race returns ErrConflict.
	Upsert(ctx context.Context, next TimeOptimization, prev *TimeOptimization) error
}
