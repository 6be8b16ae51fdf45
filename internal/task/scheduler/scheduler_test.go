package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/task/engine"
	logx "postflow/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		cron  string
	}{
		{in: "*/1 * * * *", kind: SpecCron, cron: "*/1 * * * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "cron:0 9 * * 1", kind: SpecCron, cron: "0 9 * * 1"},
		{in: "30s", kind: SpecInterval, every: 30 * time.Second},
		{in: "00:05", kind: SpecInterval, every: 5 * time.Minute},
		{in: "every:1m", kind: SpecInterval, every: time.Minute},
		{in: "interval:01:30", kind: SpecInterval, every: 90 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			ps, err := ParseSchedule(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, ps.Kind)
			assert.Equal(t, tc.every, ps.Every)
			assert.Equal(t, tc.cron, ps.Cron)
		})
	}

	for _, bad := range []string{"", "cron:", "0s", "-1m", "00:75", "soon", "every:"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}

type fakeEngine struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (f *fakeEngine) Enqueue(t engine.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
	return f.err
}

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func TestAddScheduleReplacesByName(t *testing.T) {
	eng := &fakeEngine{}
	s := New(Config{Timezone: "UTC"}, eng, logx.Nop())
	job := func(context.Context) error { return nil }

	require.NoError(t, s.AddSchedule("posts.sweep", "1m", time.Second, job))
	require.NoError(t, s.AddSchedule("posts.sweep", "*/5 * * * *", time.Second, job))
	assert.Error(t, s.AddSchedule("x", "61 * * * *", 0, job))
	assert.Error(t, s.AddSchedule("", "1m", 0, job))
	assert.Error(t, s.AddSchedule("y", "1m", 0, nil))

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "*/5 * * * *", snap.Schedules[0].Spec)
	assert.False(t, snap.Running)

	assert.True(t, s.Remove("posts.sweep"))
	assert.False(t, s.Remove("posts.sweep"))
}

func TestStartRegistersAndFire(t *testing.T) {
	eng := &fakeEngine{}
	s := New(Config{Timezone: "UTC"}, eng, logx.Nop())
	require.NoError(t, s.AddSchedule("posts.sweep", "1h", time.Second, func(context.Context) error { return nil }))

	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "UTC", snap.Timezone)
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "@every 1h0m0s", snap.Schedules[0].Spec)
	assert.False(t, snap.Schedules[0].Next.IsZero())

	require.NoError(t, s.Fire("posts.sweep"))
	require.Equal(t, 1, eng.count())
	assert.Equal(t, engine.OverlapSkipIfRunning, eng.tasks[0].Opt.Overlap)
	assert.Error(t, s.Fire("missing"))
}

func TestCronTriggersEnqueue(t *testing.T) {
	eng := &fakeEngine{err: engine.ErrOverlapSkip}
	s := New(Config{}, eng, logx.Nop())
	require.NoError(t, s.AddSchedule("tick", "* * * * * *", 0, func(context.Context) error { return nil }))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return eng.count() > 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestSpreadDelaysOnlyFirstTick(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := intervalWithSpread(time.Minute, now, "posts.sweep")
	assert.Less(t, jitter, time.Minute)

	first := sched.Next(now)
	assert.Equal(t, now.Add(time.Minute+jitter), first)
	second := sched.Next(first)
	assert.InDelta(t, float64(time.Minute), float64(second.Sub(first)), float64(time.Second))
}
