package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/posts"
	logx "postflow/pkg/logx"
)

func newMockPostgres(t *testing.T) (*postgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := newPostgresStore(db, logx.Nop())
	st.now = func() time.Time { return base }
	return st, mock
}

var postCols = []string{"id", "workflow_id", "user_id", "content", "platform_targets", "scheduled_for", "status",
	"posted_at", "claimed_at", "optimization_applied", "failure_reason", "created_at", "updated_at"}

func TestPostgresClaimDue(t *testing.T) {
	st, mock := newMockPostgres(t)
	now := base.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs(base, now, 50).
		WillReturnRows(sqlmock.NewRows(postCols).
			AddRow("p2", "wf", "u", "two", "{tg}", base, "processing", nil, base, true, "", base, base).
			AddRow("p1", "wf", "u", "one", "{tg,hook}", base.Add(-time.Hour), "processing", nil, base, false, "", base, base))

	got, err := st.ClaimDue(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p1", got[0].ID)
	assert.Equal(t, []string{"tg", "hook"}, got[0].PlatformTargets)
	assert.Equal(t, posts.StatusProcessing, got[0].Status)
	require.NotNil(t, got[0].ClaimedAt)
	assert.True(t, got[1].OptimizationApplied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateStatusLostRace(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE posts SET status = $1")).
		WithArgs("published", sqlmock.AnyArg(), "", base, "p1", "processing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM posts WHERE id = $1")).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	postedAt := base
	err := st.UpdateStatus(context.Background(), "p1", posts.StatusProcessing, posts.StatusPublished, &postedAt, "")
	assert.ErrorIs(t, err, posts.ErrClaimConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateStatusMissingPost(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE posts SET status = $1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM posts")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))

	err := st.UpdateStatus(context.Background(), "ghost", posts.StatusProcessing, posts.StatusFailed, nil, "boom")
	assert.ErrorIs(t, err, posts.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateDuplicate(t *testing.T) {
	st, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO posts(")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := st.Create(context.Background(), newPost("p1", base))
	assert.ErrorIs(t, err, posts.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOptimizationRoundTrip(t *testing.T) {
	st, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("FROM time_optimizations WHERE platform_id = $1")).
		WithArgs("tg").
		WillReturnRows(sqlmock.NewRows([]string{"platform_id", "platform_type", "best_hours", "best_days", "audience_timezone", "engagement_score", "updated_at"}).
			AddRow("tg", "telegram", "{9,14}", "{1,3}", "Europe/Berlin", int64(10), base))

	cur, ok, err := st.GetByPlatform(ctx, "tg")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int{9, 14}, cur.BestHours)
	assert.Equal(t, []int{1, 3}, cur.BestDays)
	assert.Equal(t, "Europe/Berlin", cur.AudienceTimezone)

	next := cur
	next.EngagementScore = 20
	mock.ExpectExec(regexp.QuoteMeta("UPDATE time_optimizations SET")).
		WithArgs("telegram", sqlmock.AnyArg(), sqlmock.AnyArg(), "Europe/Berlin", int64(20), sqlmock.AnyArg(), "tg", int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, st.Upsert(ctx, next, &cur), posts.ErrConflict)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (platform_id) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, st.Upsert(ctx, posts.TimeOptimization{PlatformID: "x", UpdatedAt: base}, nil))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetByPlatformMissing(t *testing.T) {
	st, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM time_optimizations")).
		WithArgs("none").
		WillReturnRows(sqlmock.NewRows([]string{"platform_id"}))

	_, ok, err := st.GetByPlatform(context.Background(), "none")
	require.NoError(t, err)
	assert.False(t, ok)
}
