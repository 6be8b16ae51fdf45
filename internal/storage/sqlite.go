package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"postflow/internal/posts"
	logx "postflow/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteStore serializes arrays as JSON text; callers only see Go slices.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	// foreign_keys is per connection; the DSN pragma survives reconnects.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// One connection: every claim and conditional update is serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, p *posts.Post) error {
	targets, err := json.Marshal(p.PlatformTargets)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO posts(`+postColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.WorkflowID, p.UserID, p.Content, string(targets), ms(p.ScheduledFor), string(p.Status),
		nullMS(p.PostedAt), nullMS(p.ClaimedAt), p.OptimizationApplied, p.FailureReason,
		ms(p.CreatedAt), ms(p.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return posts.ErrConflict
	}
	return err
}

func (s *sqliteStore) scanPost(row rowScanner) (*posts.Post, error) {
	var (
		p                           posts.Post
		targets, status             string
		scheduled, created, updated int64
		postedAt, claimedAt         sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.WorkflowID, &p.UserID, &p.Content, &targets, &scheduled, &status,
		&postedAt, &claimedAt, &p.OptimizationApplied, &p.FailureReason, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(targets), &p.PlatformTargets); err != nil {
		return nil, fmt.Errorf("decode platform_targets for %s: %w", p.ID, err)
	}
	st, err := posts.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	p.Status = st
	p.ScheduledFor = fromMS(scheduled)
	p.CreatedAt = fromMS(created)
	p.UpdatedAt = fromMS(updated)
	p.PostedAt = ptrFromNullMS(postedAt)
	p.ClaimedAt = ptrFromNullMS(claimedAt)
	return &p, nil
}

func (s *sqliteStore) loadOutcomes(ctx context.Context, p *posts.Post) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+outcomeColumns+` FROM post_outcomes WHERE post_id = ?`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			platformID string
			o          posts.Outcome
			eng        sql.NullString
			durMS, at  int64
		)
		if err := rows.Scan(&platformID, &o.Success, &o.Message, &o.RemoteID, &o.URL, &eng, &durMS, &at); err != nil {
			return err
		}
		if o.Engagement, err = decodeEngagement(eng); err != nil {
			return err
		}
		o.Duration = time.Duration(durMS) * time.Millisecond
		o.At = fromMS(at)
		if p.Outcomes == nil {
			p.Outcomes = map[string]posts.Outcome{}
		}
		p.Outcomes[platformID] = o
	}
	return rows.Err()
}

func (s *sqliteStore) GetByID(ctx context.Context, id string) (*posts.Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := s.scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, posts.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadOutcomes(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ClaimDue relies on the single connection plus UPDATE ... RETURNING: the
// select and the status flip happen in one statement.
func (s *sqliteStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*posts.Post, error) {
	claimedAt := ms(s.now())
	rows, err := s.db.QueryContext(ctx,
		`UPDATE posts SET status = 'processing', claimed_at = ?, updated_at = ?
		 WHERE id IN (
		     SELECT id FROM posts
		     WHERE status = 'pending' AND scheduled_for <= ?
		     ORDER BY scheduled_for, id
		     LIMIT ?
		 ) AND status = 'pending'
		 RETURNING `+postColumns,
		claimedAt, claimedAt, ms(now), clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*posts.Post
	for rows.Next() {
		p, err := s.scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortByScheduled(out)
	return out, nil
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id string, from, to posts.Status, postedAt *time.Time, reason string) error {
	if !from.CanTransition(to) {
		return posts.ErrInvalidTransition
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = ?, posted_at = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), nullMS(postedAt), reason, ms(s.now()), id, string(from),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return resolveMiss(ctx, s.db, `SELECT 1 FROM posts WHERE id = ?`, id)
	}
	return nil
}

func (s *sqliteStore) RecordOutcome(ctx context.Context, id, platformID string, o posts.Outcome) error {
	eng, err := encodeEngagement(o.Engagement)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO post_outcomes(post_id, `+outcomeColumns+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(post_id, platform_id) DO UPDATE SET
		     success = excluded.success, message = excluded.message, remote_id = excluded.remote_id,
		     url = excluded.url, engagement = excluded.engagement, duration_ms = excluded.duration_ms,
		     at = excluded.at`,
		id, platformID, o.Success, o.Message, o.RemoteID, o.URL, eng, o.Duration.Milliseconds(), ms(o.At),
	)
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
		return posts.ErrNotFound
	}
	return err
}

func (s *sqliteStore) CountCreatedBetween(ctx context.Context, userID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM posts WHERE user_id = ? AND created_at >= ? AND created_at < ?`,
		userID, ms(from), ms(to),
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) List(ctx context.Context, f posts.Filter) ([]*posts.Post, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if !f.ClaimedBefore.IsZero() {
		where = append(where, "claimed_at IS NOT NULL AND claimed_at < ?")
		args = append(args, ms(f.ClaimedBefore))
	}
	q := `SELECT ` + postColumns + ` FROM posts`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY scheduled_for, id LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var out []*posts.Post
	for rows.Next() {
		p, err := s.scanPost(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, p)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}
	// Outcomes load after the cursor is closed; the pool has one connection.
	for _, p := range out {
		if err := s.loadOutcomes(ctx, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *sqliteStore) GetByPlatform(ctx context.Context, platformID string) (posts.TimeOptimization, bool, error) {
	var (
		rec         posts.TimeOptimization
		hours, days string
		updated     int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT platform_id, platform_type, best_hours, best_days, audience_timezone, engagement_score, updated_at
		 FROM time_optimizations WHERE platform_id = ?`, platformID,
	).Scan(&rec.PlatformID, &rec.PlatformType, &hours, &days, &rec.AudienceTimezone, &rec.EngagementScore, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return posts.TimeOptimization{}, false, nil
	}
	if err != nil {
		return posts.TimeOptimization{}, false, err
	}
	if err := json.Unmarshal([]byte(hours), &rec.BestHours); err != nil {
		return posts.TimeOptimization{}, false, fmt.Errorf("decode best_hours: %w", err)
	}
	if err := json.Unmarshal([]byte(days), &rec.BestDays); err != nil {
		return posts.TimeOptimization{}, false, fmt.Errorf("decode best_days: %w", err)
	}
	rec.UpdatedAt = fromMS(updated)
	return rec, true, nil
}

func (s *sqliteStore) Upsert(ctx context.Context, next posts.TimeOptimization, prev *posts.TimeOptimization) error {
	hours, err := json.Marshal(nonNilInts(next.BestHours))
	if err != nil {
		return err
	}
	days, err := json.Marshal(nonNilInts(next.BestDays))
	if err != nil {
		return err
	}

	var res sql.Result
	if prev == nil {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO time_optimizations(platform_id, platform_type, best_hours, best_days, audience_timezone, engagement_score, updated_at)
			 VALUES(?,?,?,?,?,?,?) ON CONFLICT(platform_id) DO NOTHING`,
			next.PlatformID, next.PlatformType, string(hours), string(days), next.AudienceTimezone, next.EngagementScore, ms(next.UpdatedAt),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE time_optimizations SET platform_type = ?, best_hours = ?, best_days = ?,
			     audience_timezone = ?, engagement_score = ?, updated_at = ?
			 WHERE platform_id = ? AND engagement_score = ?`,
			next.PlatformType, string(hours), string(days), next.AudienceTimezone, next.EngagementScore, ms(next.UpdatedAt),
			next.PlatformID, prev.EngagementScore,
		)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return posts.ErrConflict
	}
	return nil
}

func nonNilInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}
