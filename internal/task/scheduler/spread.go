package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays only the first interval tick so several replicas
// started together do not sweep in lockstep.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq atomic.Uint64

func intervalWithSpread(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	limit := min(every, maxStartupSpread)
	if limit <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(spreadSeq.Add(1)) ^ int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(limit)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}
