// Package relay forwards post lifecycle events from the in-process bus to a
// message broker so downstream workflow systems can react to them.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"postflow/internal/eventbus"
	"postflow/internal/runtime/supervisor"
	logx "postflow/pkg/logx"
)

const (
	DefaultExchange = "postflow.events"
	DefaultBuffer   = 256
	DefaultPrefix   = "post."
)

// Publisher sends one message. Implementations need not be safe for
// concurrent use; the relay publishes from a single goroutine.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	Close() error
}

// Dialer opens a fresh Publisher. It is called again after a publish error.
type Dialer func(ctx context.Context) (Publisher, error)

type Config struct {
	Enabled  bool
	URL      string
	Exchange string
	// Buffer is the bus subscription depth. Events beyond it are dropped by
	// the bus while the broker is slow or unreachable.
	Buffer int
	// Prefix selects which event types are relayed.
	Prefix string
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	return c
}

// Message is the JSON body put on the wire.
type Message struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Service struct {
	mu    sync.Mutex
	cfg   Config
	bus   eventbus.Bus
	dial  Dialer
	log   logx.Logger
	sup   *supervisor.Supervisor
	unsub func()

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New builds the relay. A nil dial uses DialAMQP with cfg.URL.
func New(cfg Config, bus eventbus.Bus, dial Dialer, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if dial == nil {
		dial = DialAMQP(cfg.URL, cfg.Exchange)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, bus: bus, dial: dial, log: log.With(logx.String("comp", "relay"))}
}

func (s *Service) Published() uint64 { return s.published.Load() }

// Dropped counts events lost to publish errors. Bus-side drops are reported
// by eventbus.Dropped.
func (s *Service) Dropped() uint64 { return s.dropped.Load() }

func (s *Service) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return nil
	}
	if s.bus == nil {
		return errors.New("relay: event bus is required")
	}
	if strings.TrimSpace(s.cfg.URL) == "" {
		return errors.New("relay: broker url is required")
	}
	ch, unsub := s.bus.Subscribe(s.cfg.Buffer)
	s.unsub = unsub
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	s.sup.GoRestart("relay.publish", func(ctx context.Context) error {
		return s.run(ctx, ch)
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	s.log.Info("event relay started", logx.String("exchange", s.cfg.Exchange), logx.String("prefix", s.cfg.Prefix))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	unsub()
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("relay stop incomplete", logx.Err(err))
	}
	s.log.Info("event relay stopped", logx.Int64("published", int64(s.published.Load())), logx.Int64("dropped", int64(s.dropped.Load())))
}

// run publishes until ctx ends or the publisher fails. A failed event is
// dropped and the connection is rebuilt by the supervisor.
func (s *Service) run(ctx context.Context, ch <-chan eventbus.Event) error {
	pub, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = pub.Close() }()

	prefix := s.cfg.Prefix
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(e.Type, prefix) {
				continue
			}
			body, err := json.Marshal(Message{Type: e.Type, Time: e.Time.UTC(), Data: e.Data})
			if err != nil {
				s.dropped.Add(1)
				s.log.Warn("event not serializable", logx.String("type", e.Type), logx.Err(err))
				continue
			}
			if err := pub.Publish(ctx, e.Type, body); err != nil {
				s.dropped.Add(1)
				s.log.Warn("event publish failed; reconnecting", logx.String("type", e.Type), logx.Err(err))
				return err
			}
			s.published.Add(1)
		}
	}
}
