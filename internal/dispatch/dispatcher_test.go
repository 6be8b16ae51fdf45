package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/posts"
	logx "postflow/pkg/logx"
)

func ok(remoteID string) ConnectorFunc {
	return func(ctx context.Context, _ Target, _ string, _ Options) (Result, error) {
		return Result{Success: true, RemoteID: remoteID}, nil
	}
}

func failing(err error) ConnectorFunc {
	return func(ctx context.Context, _ Target, _ string, _ Options) (Result, error) {
		return Result{}, err
	}
}

func newRegistry(t *testing.T, ps ...Platform) *Registry {
	t.Helper()
	r := NewRegistry(BreakerConfig{}, logx.Nop())
	for _, p := range ps {
		require.NoError(t, r.Register(p))
	}
	return r
}

func resolve(t *testing.T, r *Registry, ids ...string) []*Route {
	t.Helper()
	rts, err := r.Resolve(ids)
	require.NoError(t, err)
	return rts
}

var post = &posts.Post{ID: "p1", WorkflowID: "wf", Content: "hello"}

func TestFanoutAllSettled(t *testing.T) {
	r := newRegistry(t,
		Platform{ID: "a", Connector: ok("1")},
		Platform{ID: "b", Connector: failing(errors.New("http 502"))},
		Platform{ID: "c", Connector: ok("3")},
	)
	d := New(Config{Timeout: time.Second}, logx.Nop())

	out := d.Fanout(context.Background(), post, resolve(t, r, "a", "b", "c"))
	require.Len(t, out, 3)
	assert.True(t, out["a"].Success)
	assert.Equal(t, "1", out["a"].RemoteID)
	assert.False(t, out["b"].Success)
	assert.Contains(t, out["b"].Message, "http 502")
	assert.True(t, out["c"].Success)
	assert.Equal(t, posts.StatusPartialFailure, posts.Aggregate(out))
}

func TestFanoutTimeoutEnforcedWhenConnectorIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := ConnectorFunc(func(context.Context, Target, string, Options) (Result, error) {
		<-release
		return Result{Success: true}, nil
	})
	r := newRegistry(t,
		Platform{ID: "slow", Connector: stuck, Timeout: 50 * time.Millisecond},
		Platform{ID: "fast", Connector: ok("f")},
	)
	d := New(Config{Timeout: time.Minute}, logx.Nop())

	start := time.Now()
	out := d.Fanout(context.Background(), post, resolve(t, r, "slow", "fast"))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, out["slow"].Success)
	assert.Contains(t, out["slow"].Message, posts.ErrDispatchTimeout.Error())
	assert.True(t, out["fast"].Success)
}

func TestFanoutRecoversPanics(t *testing.T) {
	boom := ConnectorFunc(func(context.Context, Target, string, Options) (Result, error) {
		panic("nil map")
	})
	r := newRegistry(t, Platform{ID: "boom", Connector: boom}, Platform{ID: "fine", Connector: ok("x")})
	d := New(Config{Timeout: time.Second}, logx.Nop())

	out := d.Fanout(context.Background(), post, resolve(t, r, "boom", "fine"))
	assert.False(t, out["boom"].Success)
	assert.Contains(t, out["boom"].Message, posts.ErrDispatchPanic.Error())
	assert.True(t, out["fine"].Success)
}

func TestFanoutUnsuccessfulResultIsFailure(t *testing.T) {
	soft := ConnectorFunc(func(context.Context, Target, string, Options) (Result, error) {
		return Result{Success: false, Message: "rejected by moderation"}, nil
	})
	r := newRegistry(t, Platform{ID: "x", Connector: soft})
	out := New(Config{}, logx.Nop()).Fanout(context.Background(), post, resolve(t, r, "x"))
	assert.False(t, out["x"].Success)
	assert.Contains(t, out["x"].Message, "rejected by moderation")
}

func TestFanoutRespectsMaxParallel(t *testing.T) {
	var cur, peak atomic.Int32
	slow := ConnectorFunc(func(ctx context.Context, _ Target, _ string, _ Options) (Result, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return Result{Success: true}, nil
	})
	var ps []Platform
	var ids []string
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		ps = append(ps, Platform{ID: id, Connector: slow})
		ids = append(ids, id)
	}
	r := newRegistry(t, ps...)
	out := New(Config{Timeout: time.Second, MaxParallel: 2}, logx.Nop()).Fanout(context.Background(), post, resolve(t, r, ids...))
	assert.Len(t, out, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestFanoutPassesTargetAndOptions(t *testing.T) {
	var got Target
	var gotOpts Options
	var gotContent string
	c := ConnectorFunc(func(_ context.Context, tgt Target, content string, opts Options) (Result, error) {
		got, gotContent, gotOpts = tgt, content, opts
		return Result{Success: true}, nil
	})
	r := newRegistry(t, Platform{ID: "tg", Type: "telegram", Connector: c})
	p := &posts.Post{ID: "p9", WorkflowID: "wf9", Content: "body", ScheduledFor: time.Unix(100, 0)}
	New(Config{}, logx.Nop()).Fanout(context.Background(), p, resolve(t, r, "tg"))

	assert.Equal(t, Target{PostID: "p9", PlatformID: "tg", PlatformType: "telegram"}, got)
	assert.Equal(t, "body", gotContent)
	assert.Equal(t, "wf9", gotOpts.WorkflowID)
	assert.True(t, gotOpts.ScheduledFor.Equal(time.Unix(100, 0)))
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	bad := ConnectorFunc(func(context.Context, Target, string, Options) (Result, error) {
		calls.Add(1)
		return Result{}, errors.New("down")
	})
	var (
		mu     sync.Mutex
		states []string
	)
	r := NewRegistry(BreakerConfig{FailureThreshold: 2, Window: 2, Delay: time.Hour}, logx.Nop())
	r.OnBreakerState(func(_, _, to string) {
		mu.Lock()
		states = append(states, to)
		mu.Unlock()
	})
	require.NoError(t, r.Register(Platform{ID: "bad", Connector: bad}))
	d := New(Config{Timeout: time.Second}, logx.Nop())
	rts := resolve(t, r, "bad")

	for i := 0; i < 4; i++ {
		out := d.Fanout(context.Background(), post, rts)
		assert.False(t, out["bad"].Success)
	}
	assert.EqualValues(t, 2, calls.Load(), "open breaker must short-circuit")
	assert.Equal(t, "open", rts[0].BreakerState())
	mu.Lock()
	assert.Contains(t, states, "open")
	mu.Unlock()
}

type recordingObserver struct {
	mu    sync.Mutex
	calls map[string]bool
}

func (o *recordingObserver) ObservePublish(id string, success bool, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = map[string]bool{}
	}
	o.calls[id] = success
}

func TestObserverSeesEveryCall(t *testing.T) {
	obs := &recordingObserver{}
	r := newRegistry(t, Platform{ID: "a", Connector: ok("1")}, Platform{ID: "b", Connector: failing(errors.New("x"))})
	New(Config{}, logx.Nop(), WithObserver(obs)).Fanout(context.Background(), post, resolve(t, r, "a", "b"))
	assert.Equal(t, map[string]bool{"a": true, "b": false}, obs.calls)
}

func TestRegistry(t *testing.T) {
	r := newRegistry(t, Platform{ID: "b", Connector: ok("")}, Platform{ID: "a", Connector: ok("")})
	assert.Equal(t, []string{"a", "b"}, r.IDs())
	_, found := r.Lookup("a")
	assert.True(t, found)
	_, found = r.Lookup("z")
	assert.False(t, found)

	assert.Error(t, r.Register(Platform{ID: "a", Connector: ok("")}))
	assert.Error(t, r.Register(Platform{ID: " ", Connector: ok("")}))
	assert.Error(t, r.Register(Platform{ID: "nil"}))

	_, err := r.Resolve([]string{"a", "z", "y"})
	assert.ErrorIs(t, err, posts.ErrUnknownPlatform)
	assert.Contains(t, err.Error(), "z, y")
}

func TestLogConnector(t *testing.T) {
	res, err := NewLogConnector(logx.Nop()).Publish(context.Background(), Target{PlatformID: "dry"}, "hi", Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.RemoteID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewLogConnector(logx.Nop()).Publish(ctx, Target{}, "hi", Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
