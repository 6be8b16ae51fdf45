package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))

	log.Info("hello", Int("n", 3), Err(errors.New("boom")), Err(nil))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "hello", m["message"])
	assert.Equal(t, "test", m["comp"])
	assert.EqualValues(t, 3, m["n"])
	assert.NotEmpty(t, m["caller"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("skipped")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Error("nothing happens")
	Nop().With(String("a", "b")).Warn("still nothing")
}

func TestFormatAlert(t *testing.T) {
	got := formatAlert([]byte(`{"level":"warn","message":"sweep failed","post":"p1","err":"db down","time":"x"}`))
	assert.Equal(t, "[WARN] sweep failed\n- err=db down\n- post=p1", got)

	assert.Equal(t, "plain text", formatAlert([]byte("  plain text \n")))
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendAlert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestAlertWriterForwardsAboveMinLevel(t *testing.T) {
	sender := &recordingSender{}
	svc := &Service{sender: sender, alertQ: make(chan string, 8)}
	svc.cfg.Alerts = AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}
	svc.Apply(Config{Level: "debug", Alerts: svc.cfg.Alerts, File: FileConfig{}})
	t.Cleanup(func() { _ = svc.Close() })

	w := &alertWriter{svc: svc}
	_, _ = w.WriteLevel(zerolog.InfoLevel, []byte(`{"level":"info","message":"ignored"}`))
	_, _ = w.WriteLevel(zerolog.ErrorLevel, []byte(`{"level":"error","message":"page me"}`))

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "[ERROR] page me", sender.msgs[0])
}
