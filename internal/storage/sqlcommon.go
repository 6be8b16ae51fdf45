package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"postflow/internal/posts"
)

const postColumns = `id, workflow_id, user_id, content, platform_targets, scheduled_for, status,
	posted_at, claimed_at, optimization_applied, failure_reason, created_at, updated_at`

const outcomeColumns = `platform_id, success, message, remote_id, url, engagement, duration_ms, at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func encodeEngagement(e *posts.Engagement) (any, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeEngagement(raw sql.NullString) (*posts.Engagement, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var e posts.Engagement
	if err := json.Unmarshal([]byte(raw.String), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// resolveMiss turns a zero-row conditional update into ErrNotFound or
// ErrClaimConflict depending on whether the post exists.
func resolveMiss(ctx context.Context, db *sql.DB, query string, id string) error {
	var one int
	err := db.QueryRowContext(ctx, query, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return posts.ErrNotFound
	}
	if err != nil {
		return err
	}
	return posts.ErrClaimConflict
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v) }

func nullMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func ptrFromNullMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
