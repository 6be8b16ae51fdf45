package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/eventbus"
	logx "postflow/pkg/logx"
)

type delivery struct {
	key  string
	body []byte
}

type fakeBroker struct {
	mu      sync.Mutex
	msgs    []delivery
	dials   atomic.Int32
	failOn  string
	dialErr error
	closed  atomic.Int32
}

func (b *fakeBroker) dial(context.Context) (Publisher, error) {
	b.dials.Add(1)
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	return &fakePublisher{b: b}, nil
}

func (b *fakeBroker) sent() []delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]delivery(nil), b.msgs...)
}

type fakePublisher struct{ b *fakeBroker }

func (p *fakePublisher) Publish(_ context.Context, key string, body []byte) error {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if p.b.failOn != "" && key == p.b.failOn {
		p.b.failOn = ""
		return errors.New("channel closed")
	}
	p.b.msgs = append(p.b.msgs, delivery{key: key, body: body})
	return nil
}

func (p *fakePublisher) Close() error {
	p.b.closed.Add(1)
	return nil
}

func startRelay(t *testing.T, b *fakeBroker, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(Config{Enabled: true, URL: "amqp://test"}, bus, b.dial, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestRelaysPostEvents(t *testing.T) {
	bus := eventbus.New()
	b := &fakeBroker{}
	s := startRelay(t, b, bus)

	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	bus.Publish(eventbus.Event{Type: eventbus.PostPublished, Time: at, Data: eventbus.PostEvent{PostID: "p1", Status: "published"}})
	bus.Publish(eventbus.Event{Type: eventbus.SweepCompleted, Time: at})
	bus.Publish(eventbus.Event{Type: eventbus.PostFailed, Time: at, Data: eventbus.PostEvent{PostID: "p2", Status: "failed", Reason: "all platforms failed"}})

	require.Eventually(t, func() bool { return len(b.sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
	msgs := b.sent()
	assert.Equal(t, eventbus.PostPublished, msgs[0].key)
	assert.Equal(t, eventbus.PostFailed, msgs[1].key)

	var m struct {
		Type string             `json:"type"`
		Time time.Time          `json:"time"`
		Data eventbus.PostEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msgs[1].body, &m))
	assert.Equal(t, "p2", m.Data.PostID)
	assert.Equal(t, "all platforms failed", m.Data.Reason)
	assert.True(t, m.Time.Equal(at))
	assert.EqualValues(t, 2, s.Published())
}

func TestPublishErrorDropsAndReconnects(t *testing.T) {
	bus := eventbus.New()
	b := &fakeBroker{failOn: eventbus.PostClaimed}
	s := startRelay(t, b, bus)

	bus.Publish(eventbus.Event{Type: eventbus.PostClaimed, Data: eventbus.PostEvent{PostID: "p1"}})
	require.Eventually(t, func() bool { return b.dials.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.PostPublished, Data: eventbus.PostEvent{PostID: "p1"}})
	require.Eventually(t, func() bool { return len(b.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, eventbus.PostPublished, b.sent()[0].key)
	assert.EqualValues(t, 1, s.Dropped())
	assert.GreaterOrEqual(t, b.closed.Load(), int32(1))
}

func TestDisabledRelayDoesNothing(t *testing.T) {
	b := &fakeBroker{}
	s := New(Config{}, eventbus.New(), b.dial, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	assert.Nil(t, s.Supervisor())
	s.Stop(context.Background())
	assert.Zero(t, b.dials.Load())
}

func TestStartValidation(t *testing.T) {
	b := &fakeBroker{}
	assert.Error(t, New(Config{Enabled: true}, eventbus.New(), b.dial, logx.Nop()).Start(context.Background()))
	assert.Error(t, New(Config{Enabled: true, URL: "amqp://x"}, nil, b.dial, logx.Nop()).Start(context.Background()))
}

func TestDialFailureRetries(t *testing.T) {
	b := &fakeBroker{dialErr: errors.New("connection refused")}
	s := startRelay(t, b, eventbus.New())
	require.Eventually(t, func() bool { return b.dials.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	var st []string
	for _, l := range s.Supervisor().Snapshot() {
		st = append(st, l.LastErr)
	}
	assert.Contains(t, st, "connection refused")
}
