package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"golang.org/x/sync/errgroup"

	"postflow/internal/posts"
	logx "postflow/pkg/logx"
)

const DefaultTimeout = 30 * time.Second

type Config struct {
	// Timeout bounds each platform call unless the platform overrides it.
	Timeout time.Duration
	// MaxParallel bounds concurrent platform calls for one post. 0 means unbounded.
	MaxParallel int
}

// Observer receives per-call measurements (metrics).
type Observer interface {
	ObservePublish(platformID string, success bool, took time.Duration)
}

type Option func(*Dispatcher)

func WithObserver(o Observer) Option { return func(d *Dispatcher) { d.obs = o } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

type Dispatcher struct {
	cfg Config
	log logx.Logger
	obs Observer
	now func() time.Time
}

func New(cfg Config, log logx.Logger, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{cfg: cfg, log: log.With(logx.String("comp", "dispatch")), now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Timeout is the default per-call bound.
func (d *Dispatcher) Timeout() time.Duration { return d.cfg.Timeout }

// Fanout publishes post to every route concurrently and waits for all of
// them. The returned map has exactly one outcome per route.
func (d *Dispatcher) Fanout(ctx context.Context, post *posts.Post, routes []*Route) map[string]posts.Outcome {
	out := make(map[string]posts.Outcome, len(routes))
	var mu sync.Mutex

	// Plain Group: a failing platform must not cancel its siblings.
	var g errgroup.Group
	if d.cfg.MaxParallel > 0 {
		g.SetLimit(d.cfg.MaxParallel)
	}
	for _, rt := range routes {
		g.Go(func() error {
			o := d.publish(ctx, post, rt)
			mu.Lock()
			out[rt.ID] = o
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (d *Dispatcher) publish(ctx context.Context, post *posts.Post, rt *Route) posts.Outcome {
	start := d.now()
	timeout := d.cfg.Timeout
	if rt.Timeout > 0 {
		timeout = rt.Timeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := d.guarded(cctx, post, rt)
	took := d.now().Sub(start)

	o := posts.Outcome{Duration: took, At: d.now()}
	if err != nil {
		perr := &posts.PlatformDispatchError{PlatformID: rt.ID, Err: err}
		o.Message = perr.Error()
		d.log.Warn("platform publish failed",
			logx.String("post", post.ID),
			logx.String("platform", rt.ID),
			logx.Duration("took", took),
			logx.Err(err),
		)
	} else {
		o.Success = true
		o.Message = res.Message
		o.RemoteID = res.RemoteID
		o.URL = res.URL
		o.Engagement = res.Engagement
		d.log.Debug("platform publish ok",
			logx.String("post", post.ID),
			logx.String("platform", rt.ID),
			logx.String("remote_id", res.RemoteID),
			logx.Duration("took", took),
		)
	}
	if d.obs != nil {
		d.obs.ObservePublish(rt.ID, o.Success, took)
	}
	return o
}

func (d *Dispatcher) guarded(ctx context.Context, post *posts.Post, rt *Route) (Result, error) {
	if err := rt.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit: %w", timeoutErr(ctx, err))
	}
	res, err := failsafe.With(rt.breaker).WithContext(ctx).Get(func() (Result, error) {
		return d.call(ctx, post, rt)
	})
	if err != nil {
		return Result{}, timeoutErr(ctx, err)
	}
	return res, nil
}

type reply struct {
	res Result
	err error
}

// call runs the connector in its own goroutine so the deadline holds even
// when the connector ignores ctx.
func (d *Dispatcher) call(ctx context.Context, post *posts.Post, rt *Route) (Result, error) {
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("connector panic",
					logx.String("platform", rt.ID),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
				ch <- reply{err: fmt.Errorf("%w: %v", posts.ErrDispatchPanic, r)}
			}
		}()
		res, err := rt.Connector.Publish(ctx,
			Target{PostID: post.ID, PlatformID: rt.ID, PlatformType: rt.Type},
			post.Content,
			Options{WorkflowID: post.WorkflowID, ScheduledFor: post.ScheduledFor},
		)
		ch <- reply{res: res, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return Result{}, r.err
		}
		if !r.res.Success {
			msg := r.res.Message
			if msg == "" {
				msg = "platform reported failure"
			}
			return Result{}, errors.New(msg)
		}
		return r.res, nil
	case <-ctx.Done():
		return Result{}, timeoutErr(ctx, ctx.Err())
	}
}

func timeoutErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return posts.ErrDispatchTimeout
	}
	return err
}
