// Package engine executes queued background tasks (due-post sweeps,
// optimization feedback) on a bounded worker pool with retries, timeouts
// and overlap control.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"postflow/internal/eventbus"
	rtsup "postflow/internal/runtime/supervisor"
	logx "postflow/pkg/logx"
)

const (
	EventTaskStarted  = "task.started"
	EventTaskFinished = "task.finished"
	EventTaskFailed   = "task.failed"
	EventTaskDropped  = "task.dropped"
	EventTaskSkipped  = "task.skipped"
)

const warnThrottleEvery = 5 * time.Second

// TaskEvent is the Data of task.* events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	q      chan queuedTask
	sup    *rtsup.Supervisor
	stopCh chan struct{}

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	idSeq            atomic.Uint64
	inFlight         atomic.Int32
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	lastWarnAt       atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	state      *RunState
}

// New returns a stopped engine. bus may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "taskengine")),
		bus:    bus,
		states: map[string]*RunState{},
	}
}

// Apply swaps the config. Worker or queue size changes restart the pool;
// queued tasks are dropped in that case.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the worker pool. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	queue, stopCh, sup := s.q, s.stopCh, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue, i)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop signals workers and waits for in-flight tasks up to ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	sup := s.sup
	s.stopCh, s.q, s.sup = nil, nil, nil
	s.mu.Unlock()

	if err := sup.Stop(ctx); err != nil && errors.Is(err, ctx.Err()) {
		s.log.Warn("task engine stop timed out", logx.Err(err))
		return
	}
	s.log.Info("task engine stopped")
}

// Enqueue adds t without blocking; a full queue drops it with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until t is queued, ctx ends or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, q, stopCh := s.cfg, s.q, s.stopCh
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: t.Opt.withDefaults(cfg)}

	if qt.opt.Overlap == OverlapSkipIfRunning {
		qt.state = s.stateFor(t.Name)
		if !qt.state.tryAcquire() {
			s.publish(EventTaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name))
			return ErrOverlapSkip
		}
	}
	release := func() {
		if qt.state != nil {
			qt.state.release()
		}
	}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			release()
			s.droppedQueueFull.Add(1)
			s.publish(EventTaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Error: "queue_full"})
			if s.shouldWarn(now) {
				s.log.Warn("task dropped: queue full",
					logx.String("task", t.Name),
					logx.Int("queue_cap", cap(q)),
					logx.Int64("dropped_queue_full", int64(s.droppedQueueFull.Load())),
				)
			}
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		release()
		return ctx.Err()
	case <-stopCh:
		release()
		return ErrStopped
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q, running := s.cfg, s.q, s.stopCh != nil
	s.mu.Unlock()

	snap := Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		RetryMax:         cfg.RetryMax,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) stateFor(name string) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}

func (s *Service) shouldWarn(now time.Time) bool {
	prev := s.lastWarnAt.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return false
	}
	return s.lastWarnAt.CompareAndSwap(prev, now.UnixNano())
}
