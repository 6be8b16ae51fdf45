package optimize

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/posts"
	"postflow/internal/storage"
)

// Monday.
var monday0930 = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func fixedClock(t time.Time) Option { return WithClock(func() time.Time { return t }) }

func seed(t *testing.T, st posts.OptimizationStore, recs ...posts.TimeOptimization) {
	t.Helper()
	for _, r := range recs {
		require.NoError(t, st.Upsert(context.Background(), r, nil))
	}
}

func TestScoreWeights(t *testing.T) {
	assert.EqualValues(t, 7, Score(posts.Engagement{Likes: 1, Comments: 1, Shares: 1, Clicks: 1}))
	assert.EqualValues(t, 0, Score(posts.Engagement{}))
	assert.EqualValues(t, 10+2*4+3*2+5, Score(posts.Engagement{Likes: 10, Comments: 4, Shares: 2, Clicks: 5}))
}

func TestOptimalPostTimeWithoutData(t *testing.T) {
	st := storage.NewMemory()
	e := NewEstimator(st, Config{Location: time.UTC}, fixedClock(monday0930))

	got, err := e.OptimalPostTime(context.Background(), []string{"tg", "hook"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC), got)

	// Exactly at the default hour rolls to tomorrow.
	at11 := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	e = NewEstimator(st, Config{Location: time.UTC}, fixedClock(at11))
	got, err = e.OptimalPostTime(context.Background(), []string{"tg"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC), got)
}

func TestOptimalPostTimeDefaultHourMidnight(t *testing.T) {
	midnight := 0
	e := NewEstimator(storage.NewMemory(), Config{Location: time.UTC, DefaultHour: &midnight}, fixedClock(monday0930))

	got, err := e.OptimalPostTime(context.Background(), []string{"tg"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), got)

	bad := 24
	e = NewEstimator(storage.NewMemory(), Config{Location: time.UTC, DefaultHour: &bad}, fixedClock(monday0930))
	got, err = e.OptimalPostTime(context.Background(), []string{"tg"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC), got)
}

func TestOptimalPostTimeIntersectsHours(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st,
		posts.TimeOptimization{PlatformID: "tg", BestHours: []int{9, 14, 20}},
		posts.TimeOptimization{PlatformID: "hook", BestHours: []int{14, 20}},
	)
	e := NewEstimator(st, Config{Location: time.UTC}, fixedClock(monday0930))

	got, err := e.OptimalPostTime(context.Background(), []string{"tg", "hook"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC), got)
}

func TestOptimalPostTimeFallsBackToUnion(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st,
		posts.TimeOptimization{PlatformID: "tg", BestHours: []int{18}},
		posts.TimeOptimization{PlatformID: "hook", BestHours: []int{8}},
	)
	e := NewEstimator(st, Config{Location: time.UTC}, fixedClock(monday0930))

	got, err := e.OptimalPostTime(context.Background(), []string{"tg", "hook", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC), got)
}

func TestOptimalPostTimeHonoursDays(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, posts.TimeOptimization{PlatformID: "tg", BestHours: []int{10}, BestDays: []int{int(time.Wednesday)}})
	e := NewEstimator(st, Config{Location: time.UTC}, fixedClock(monday0930))

	got, err := e.OptimalPostTime(context.Background(), []string{"tg"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC), got)
	assert.Equal(t, time.Wednesday, got.Weekday())
}

func TestOptimalPostTimeRelaxesDaysOutsideHorizon(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, posts.TimeOptimization{PlatformID: "tg", BestHours: []int{10}, BestDays: []int{int(time.Friday)}})
	e := NewEstimator(st, Config{Location: time.UTC, Horizon: 24 * time.Hour}, fixedClock(monday0930))

	got, err := e.OptimalPostTime(context.Background(), []string{"tg"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), got)
}

func TestOptimalPostTimeIsStrictlyAfterNow(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, posts.TimeOptimization{PlatformID: "tg", BestHours: []int{14}})
	at14 := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	e := NewEstimator(st, Config{Location: time.UTC}, fixedClock(at14))

	got, err := e.OptimalPostTime(context.Background(), []string{"tg"})
	require.NoError(t, err)
	assert.True(t, got.After(at14))
	assert.Equal(t, time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC), got)
}

func TestOptimalPostTimeAudienceTimezone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	st := storage.NewMemory()
	seed(t, st,
		posts.TimeOptimization{PlatformID: "a", BestHours: []int{9}, AudienceTimezone: "Asia/Tokyo"},
		posts.TimeOptimization{PlatformID: "b", BestHours: []int{9}, AudienceTimezone: "Asia/Tokyo"},
		posts.TimeOptimization{PlatformID: "c", BestHours: []int{9}, AudienceTimezone: "Europe/Berlin"},
	)
	e := NewEstimator(st, Config{Location: time.UTC}, fixedClock(monday0930))

	got, err := e.OptimalPostTime(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 3, 3, 9, 0, 0, 0, tokyo)))

	// Disagreement uses the estimator location.
	got, err = e.OptimalPostTime(context.Background(), []string{"a", "c"})
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)))
}

func TestOptimalPostTimeIsPure(t *testing.T) {
	st := &countingStore{OptimizationStore: storage.NewMemory()}
	e := NewEstimator(st, Config{Location: time.UTC}, fixedClock(monday0930))
	_, err := e.OptimalPostTime(context.Background(), []string{"tg"})
	require.NoError(t, err)
	assert.Zero(t, st.upserts.Load())
}

func TestRecordFeedbackSeedsThenRaises(t *testing.T) {
	st := storage.NewMemory()
	e := NewEstimator(st, Config{Location: time.UTC}, fixedClock(monday0930))
	ctx := context.Background()

	res, err := e.RecordFeedback(ctx, Feedback{PlatformID: "tg", PlatformType: "telegram", Engagement: posts.Engagement{Likes: 5}, Hour: 9, Day: 1})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, []int{9}, res.Record.BestHours)
	assert.EqualValues(t, 5, res.Record.EngagementScore)

	// Equal score does not move the window.
	res, err = e.RecordFeedback(ctx, Feedback{PlatformID: "tg", Engagement: posts.Engagement{Likes: 5}, Hour: 20, Day: 5})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	res, err = e.RecordFeedback(ctx, Feedback{PlatformID: "tg", Engagement: posts.Engagement{Comments: 3}, Hour: 15, Day: 5})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	rec, ok, err := st.GetByPlatform(ctx, "tg")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int{9, 15}, rec.BestHours)
	assert.Equal(t, []int{1, 5}, rec.BestDays)
	assert.EqualValues(t, 6, rec.EngagementScore)
	assert.Equal(t, "telegram", rec.PlatformType)
}

func TestRecordFeedbackOnEmptyRecord(t *testing.T) {
	cases := []struct {
		name      string
		fb        Feedback
		wantHours []int
		wantDays  []int
		wantScore int64
	}{
		{
			name:      "likes comments shares",
			fb:        Feedback{PlatformID: "A", Engagement: posts.Engagement{Likes: 10, Comments: 5, Shares: 2, Clicks: 0}, Hour: 19, Day: 3},
			wantHours: []int{19},
			wantDays:  []int{3},
			wantScore: 26,
		},
		{
			name:      "clicks only",
			fb:        Feedback{PlatformID: "B", Engagement: posts.Engagement{Clicks: 4}, Hour: 0, Day: 0},
			wantHours: []int{0},
			wantDays:  []int{0},
			wantScore: 4,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := storage.NewMemory()
			e := NewEstimator(st, Config{Location: time.UTC}, fixedClock(monday0930))

			res, err := e.RecordFeedback(context.Background(), tc.fb)
			require.NoError(t, err)
			assert.True(t, res.Applied)

			rec, ok, err := st.GetByPlatform(context.Background(), tc.fb.PlatformID)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tc.wantHours, rec.BestHours)
			assert.Equal(t, tc.wantDays, rec.BestDays)
			assert.Equal(t, tc.wantScore, rec.EngagementScore)
		})
	}
}

func TestRecordFeedbackCapacity(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, posts.TimeOptimization{PlatformID: "tg", BestHours: []int{8, 9, 10, 11, 12}, EngagementScore: 1})
	e := NewEstimator(st, Config{Location: time.UTC}, fixedClock(monday0930))

	res, err := e.RecordFeedback(context.Background(), Feedback{PlatformID: "tg", Engagement: posts.Engagement{Likes: 2}, Hour: 7, Day: 0})
	require.NoError(t, err)
	assert.Equal(t, []int{7, 8, 9, 10, 11}, res.Record.BestHours)
	assert.LessOrEqual(t, len(res.Record.BestHours), posts.MaxBestHours)
}

func TestRecordFeedbackRejectsBadInput(t *testing.T) {
	e := NewEstimator(storage.NewMemory(), Config{})
	_, err := e.RecordFeedback(context.Background(), Feedback{PlatformID: "tg", Hour: 24})
	var fe *posts.OptimizationFeedbackError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "tg", fe.PlatformID)

	_, err = e.RecordFeedback(context.Background(), Feedback{})
	assert.Error(t, err)

	st := storage.NewMemory()
	e = NewEstimator(st, Config{})
	_, err = e.RecordFeedback(context.Background(), Feedback{PlatformID: "tg", Engagement: posts.Engagement{Likes: -5}, Hour: 9, Day: 1})
	assert.ErrorIs(t, err, posts.ErrNegativeEngagement)
	_, ok, err := st.GetByPlatform(context.Background(), "tg")
	require.NoError(t, err)
	assert.False(t, ok, "rejected feedback seeds nothing")
}

func TestRecordFeedbackRetriesOnConflict(t *testing.T) {
	st := &countingStore{OptimizationStore: storage.NewMemory(), conflicts: 2}
	e := NewEstimator(st, Config{Location: time.UTC, CASRetries: 5})

	res, err := e.RecordFeedback(context.Background(), Feedback{PlatformID: "tg", Engagement: posts.Engagement{Likes: 1}, Hour: 9, Day: 1})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.EqualValues(t, 3, st.upserts.Load())
}

func TestRecordFeedbackGivesUp(t *testing.T) {
	st := &countingStore{OptimizationStore: storage.NewMemory(), conflicts: 100}
	e := NewEstimator(st, Config{CASRetries: 3})

	_, err := e.RecordFeedback(context.Background(), Feedback{PlatformID: "tg", Engagement: posts.Engagement{Likes: 1}, Hour: 9, Day: 1})
	assert.ErrorIs(t, err, posts.ErrConflict)
	assert.EqualValues(t, 3, st.upserts.Load())
}

func TestRecordFeedbackConcurrentKeepsMax(t *testing.T) {
	st := storage.NewMemory()
	e := NewEstimator(st, Config{Location: time.UTC, CASRetries: 50})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			_, _ = e.RecordFeedback(ctx, Feedback{PlatformID: "tg", Engagement: posts.Engagement{Likes: n}, Hour: int(n % 24), Day: 1})
		}(int64(i))
	}
	wg.Wait()

	rec, ok, err := st.GetByPlatform(ctx, "tg")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 20, rec.EngagementScore)
	assert.LessOrEqual(t, len(rec.BestHours), posts.MaxBestHours)
}

type countingStore struct {
	posts.OptimizationStore
	conflicts int64
	upserts   atomic.Int64
}

func (c *countingStore) Upsert(ctx context.Context, next posts.TimeOptimization, prev *posts.TimeOptimization) error {
	n := c.upserts.Add(1)
	if n <= c.conflicts {
		return posts.ErrConflict
	}
	return c.OptimizationStore.Upsert(ctx, next, prev)
}
