package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"postflow/internal/posts"
	logx "postflow/pkg/logx"
)

// postgresStore maps slices onto native TEXT[] and SMALLINT[] columns.
type postgresStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openPostgres(cfg Config, log logx.Logger) (*postgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	st := newPostgresStore(db, log)
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return st, nil
}

func newPostgresStore(db *sql.DB, log logx.Logger) *postgresStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &postgresStore{db: db, log: log, now: time.Now}
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

func (s *postgresStore) Create(ctx context.Context, p *posts.Post) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO posts(`+postColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		p.ID, p.WorkflowID, p.UserID, p.Content, pq.Array(p.PlatformTargets), p.ScheduledFor.UTC(), string(p.Status),
		nullTime(p.PostedAt), nullTime(p.ClaimedAt), p.OptimizationApplied, p.FailureReason,
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return posts.ErrConflict
	}
	return err
}

func (s *postgresStore) scanPost(row rowScanner) (*posts.Post, error) {
	var (
		p                   posts.Post
		status              string
		postedAt, claimedAt sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.WorkflowID, &p.UserID, &p.Content, pq.Array(&p.PlatformTargets), &p.ScheduledFor, &status,
		&postedAt, &claimedAt, &p.OptimizationApplied, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	st, err := posts.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	p.Status = st
	if postedAt.Valid {
		t := postedAt.Time
		p.PostedAt = &t
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		p.ClaimedAt = &t
	}
	return &p, nil
}

func (s *postgresStore) loadOutcomes(ctx context.Context, p *posts.Post) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+outcomeColumns+` FROM post_outcomes WHERE post_id = $1`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			platformID string
			o          posts.Outcome
			eng        sql.NullString
			durMS      int64
		)
		if err := rows.Scan(&platformID, &o.Success, &o.Message, &o.RemoteID, &o.URL, &eng, &durMS, &o.At); err != nil {
			return err
		}
		if o.Engagement, err = decodeEngagement(eng); err != nil {
			return err
		}
		o.Duration = time.Duration(durMS) * time.Millisecond
		if p.Outcomes == nil {
			p.Outcomes = map[string]posts.Outcome{}
		}
		p.Outcomes[platformID] = o
	}
	return rows.Err()
}

func (s *postgresStore) GetByID(ctx context.Context, id string) (*posts.Post, error) {
	p, err := s.scanPost(s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
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

// ClaimDue locks due rows with SKIP LOCKED so concurrent sweepers on other
// instances never receive the same post.
func (s *postgresStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*posts.Post, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE posts SET status = 'processing', claimed_at = $1, updated_at = $1
		 WHERE id IN (
		     SELECT id FROM posts
		     WHERE status = 'pending' AND scheduled_for <= $2
		     ORDER BY scheduled_for, id
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 ) AND status = 'pending'
		 RETURNING `+postColumns,
		s.now().UTC(), now.UTC(), clampLimit(limit),
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

func (s *postgresStore) UpdateStatus(ctx context.Context, id string, from, to posts.Status, postedAt *time.Time, reason string) error {
	if !from.CanTransition(to) {
		return posts.ErrInvalidTransition
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = $1, posted_at = $2, failure_reason = $3, updated_at = $4
		 WHERE id = $5 AND status = $6`,
		string(to), nullTime(postedAt), reason, s.now().UTC(), id, string(from),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return resolveMiss(ctx, s.db, `SELECT 1 FROM posts WHERE id = $1`, id)
	}
	return nil
}

func (s *postgresStore) RecordOutcome(ctx context.Context, id, platformID string, o posts.Outcome) error {
	eng, err := encodeEngagement(o.Engagement)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO post_outcomes(post_id, `+outcomeColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (post_id, platform_id) DO UPDATE SET
		     success = EXCLUDED.success, message = EXCLUDED.message, remote_id = EXCLUDED.remote_id,
		     url = EXCLUDED.url, engagement = EXCLUDED.engagement, duration_ms = EXCLUDED.duration_ms,
		     at = EXCLUDED.at`,
		id, platformID, o.Success, o.Message, o.RemoteID, o.URL, eng, o.Duration.Milliseconds(), o.At.UTC(),
	)
	if isForeignKeyViolation(err) {
		return posts.ErrNotFound
	}
	return err
}

func (s *postgresStore) CountCreatedBetween(ctx context.Context, userID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM posts WHERE user_id = $1 AND created_at >= $2 AND created_at < $3`,
		userID, from.UTC(), to.UTC(),
	).Scan(&n)
	return n, err
}

func (s *postgresStore) List(ctx context.Context, f posts.Filter) ([]*posts.Post, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.WorkflowID != "" {
		where = append(where, "workflow_id = "+arg(f.WorkflowID))
	}
	if !f.ClaimedBefore.IsZero() {
		where = append(where, "claimed_at < "+arg(f.ClaimedBefore.UTC()))
	}
	q := `SELECT ` + postColumns + ` FROM posts`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY scheduled_for, id LIMIT " + arg(clampLimit(f.Limit))

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
	for _, p := range out {
		if err := s.loadOutcomes(ctx, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *postgresStore) GetByPlatform(ctx context.Context, platformID string) (posts.TimeOptimization, bool, error) {
	var (
		rec         posts.TimeOptimization
		hours, days []int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT platform_id, platform_type, best_hours, best_days, audience_timezone, engagement_score, updated_at
		 FROM time_optimizations WHERE platform_id = $1`, platformID,
	).Scan(&rec.PlatformID, &rec.PlatformType, pq.Array(&hours), pq.Array(&days), &rec.AudienceTimezone, &rec.EngagementScore, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return posts.TimeOptimization{}, false, nil
	}
	if err != nil {
		return posts.TimeOptimization{}, false, err
	}
	rec.BestHours = toInts(hours)
	rec.BestDays = toInts(days)
	return rec, true, nil
}

func (s *postgresStore) Upsert(ctx context.Context, next posts.TimeOptimization, prev *posts.TimeOptimization) error {
	hours := pq.Array(toInt64s(next.BestHours))
	days := pq.Array(toInt64s(next.BestDays))

	var (
		res sql.Result
		err error
	)
	if prev == nil {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO time_optimizations(platform_id, platform_type, best_hours, best_days, audience_timezone, engagement_score, updated_at)
			 VALUES($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (platform_id) DO NOTHING`,
			next.PlatformID, next.PlatformType, hours, days, next.AudienceTimezone, next.EngagementScore, next.UpdatedAt.UTC(),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE time_optimizations SET platform_type = $1, best_hours = $2, best_days = $3,
			     audience_timezone = $4, engagement_score = $5, updated_at = $6
			 WHERE platform_id = $7 AND engagement_score = $8`,
			next.PlatformType, hours, days, next.AudienceTimezone, next.EngagementScore, next.UpdatedAt.UTC(),
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

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func toInts(v []int64) []int {
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}

func toInt64s(v []int) []int64 {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}
