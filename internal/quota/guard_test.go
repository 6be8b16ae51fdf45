package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/posts"
	"postflow/internal/storage"
)

var noon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func seedPosts(t *testing.T, st *storage.Memory, userID string, created ...time.Time) {
	t.Helper()
	for i, at := range created {
		require.NoError(t, st.Create(context.Background(), &posts.Post{
			ID:              userID + "-" + at.Format(time.RFC3339) + "-" + string(rune('a'+i)),
			UserID:          userID,
			Content:         "x",
			PlatformTargets: []string{"tg"},
			Status:          posts.StatusPending,
			CreatedAt:       at,
		}))
	}
}

func TestCheckDailyQuota(t *testing.T) {
	st := storage.NewMemory()
	seedPosts(t, st, "u1", noon.Add(-time.Hour), noon.Add(-2*time.Hour), noon.Add(-13*time.Hour))
	seedPosts(t, st, "u2", noon)

	g := NewGuard(st, map[string]int{"Free": 2, "pro": 10}, time.UTC, WithClock(func() time.Time { return noon }))

	d, err := g.CheckDailyQuota(context.Background(), "u1", "free", nil)
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: false, Current: 2, Max: 2}, d)

	d, err = g.CheckDailyQuota(context.Background(), "u1", "pro", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = g.CheckDailyQuota(context.Background(), "nobody", "free", nil)
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Current: 0, Max: 2}, d)
}

func TestCheckDailyQuotaAtLimit(t *testing.T) {
	cases := []struct {
		name    string
		today   int
		allowed bool
	}{
		{"below", 2, true},
		{"at max", 3, false},
		{"over", 4, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := storage.NewMemory()
			var created []time.Time
			for i := 0; i < tc.today; i++ {
				created = append(created, noon.Add(-time.Duration(i+1)*time.Minute))
			}
			seedPosts(t, st, "u1", created...)
			g := NewGuard(st, map[string]int{"basic": 3}, time.UTC, WithClock(func() time.Time { return noon }))

			d, err := g.CheckDailyQuota(context.Background(), "u1", "basic", nil)
			require.NoError(t, err)
			assert.Equal(t, Decision{Allowed: tc.allowed, Current: tc.today, Max: 3}, d)
		})
	}
}

func TestCheckDailyQuotaUsesLocation(t *testing.T) {
	st := storage.NewMemory()
	// 23:30 UTC on Mar 1 is already Mar 2 in Tokyo.
	seedPosts(t, st, "u1", time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC))
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	g := NewGuard(st, map[string]int{"free": 1}, time.UTC, WithClock(func() time.Time { return noon.Add(-10 * time.Hour) }))

	d, err := g.CheckDailyQuota(context.Background(), "u1", "free", time.UTC)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = g.CheckDailyQuota(context.Background(), "u1", "free", tokyo)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestUnknownTier(t *testing.T) {
	g := NewGuard(storage.NewMemory(), map[string]int{"free": 1}, time.UTC)
	_, err := g.CheckDailyQuota(context.Background(), "u1", "enterprise", nil)
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestAdmit(t *testing.T) {
	st := storage.NewMemory()
	seedPosts(t, st, "u1", noon.Add(-time.Minute))
	g := NewGuard(st, map[string]int{"free": 1}, time.UTC, WithClock(func() time.Time { return noon }))

	err := g.Admit(context.Background(), "u1", "free", nil)
	var ae *posts.AdmissionError
	require.True(t, errors.As(err, &ae))
	assert.ErrorIs(t, err, posts.ErrQuotaExceeded)

	assert.NoError(t, g.Admit(context.Background(), "u2", "free", nil))
}

func TestGuardIsReadOnly(t *testing.T) {
	st := storage.NewMemory()
	g := NewGuard(st, map[string]int{"free": 5}, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := g.CheckDailyQuota(context.Background(), "u1", "free", nil)
		require.NoError(t, err)
	}
	all, err := st.List(context.Background(), posts.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}
