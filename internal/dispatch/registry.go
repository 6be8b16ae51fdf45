package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"golang.org/x/time/rate"

	"postflow/internal/posts"
	logx "postflow/pkg/logx"
)

// Platform is one configured destination.
type Platform struct {
	ID        string
	Type      string
	Connector Connector

	// Timeout overrides the dispatcher default when > 0.
	Timeout time.Duration
	// RatePerSec <= 0 disables rate limiting for this platform.
	RatePerSec float64
	Burst      int
	// Timezone is the audience zone reported with engagement feedback.
	Timezone string
}

// BreakerConfig trips a platform's breaker after FailureThreshold failures
// within the last Window calls and probes again after Delay.
type BreakerConfig struct {
	FailureThreshold uint
	Window           uint
	Delay            time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Window == 0 {
		c.Window = 10
	}
	if c.FailureThreshold == 0 || c.FailureThreshold > c.Window {
		c.FailureThreshold = (c.Window + 1) / 2
	}
	if c.Delay <= 0 {
		c.Delay = 30 * time.Second
	}
	return c
}

// Route is a Platform plus its guards.
type Route struct {
	Platform
	limiter *rate.Limiter
	breaker circuitbreaker.CircuitBreaker[Result]
}

// BreakerState is "closed", "open" or "half-open".
func (r *Route) BreakerState() string {
	switch r.breaker.State() {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}

// Registry maps platform ids to routes. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	routes  map[string]*Route
	breaker BreakerConfig
	log     logx.Logger
	onState func(platformID, from, to string)
}

func NewRegistry(breaker BreakerConfig, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		routes:  map[string]*Route{},
		breaker: breaker.withDefaults(),
		log:     log.With(logx.String("comp", "dispatch.registry")),
	}
}

// OnBreakerState installs a callback for breaker transitions of routes
// registered afterwards.
func (r *Registry) OnBreakerState(fn func(platformID, from, to string)) {
	r.mu.Lock()
	r.onState = fn
	r.mu.Unlock()
}

func (r *Registry) Register(p Platform) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return errors.New("platform id is required")
	}
	if p.Connector == nil {
		return fmt.Errorf("platform %s: connector is required", p.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.routes[p.ID]; dup {
		return fmt.Errorf("platform %s registered twice", p.ID)
	}

	lim := rate.NewLimiter(rate.Inf, 0)
	if p.RatePerSec > 0 {
		burst := p.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(p.RatePerSec), burst)
	}

	id := p.ID
	onState := r.onState
	log := r.log
	cb := circuitbreaker.NewBuilder[Result]().
		WithFailureThresholdRatio(r.breaker.FailureThreshold, r.breaker.Window).
		WithDelay(r.breaker.Delay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			from, to := stateName(e.OldState), stateName(e.NewState)
			log.Warn("circuit breaker state change",
				logx.String("platform", id), logx.String("from", from), logx.String("to", to))
			if onState != nil {
				onState(id, from, to)
			}
		}).
		Build()

	r.routes[p.ID] = &Route{Platform: p, limiter: lim, breaker: cb}
	return nil
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}

func (r *Registry) Lookup(id string) (*Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[id]
	return rt, ok
}

// IDs returns the registered platform ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for id := range r.routes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Resolve maps every id to a route. Any unknown id fails the whole call with
// an error wrapping posts.ErrUnknownPlatform.
func (r *Registry) Resolve(ids []string) ([]*Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Route, 0, len(ids))
	var missing []string
	for _, id := range ids {
		rt, ok := r.routes[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, rt)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", posts.ErrUnknownPlatform, strings.Join(missing, ", "))
	}
	return out, nil
}
