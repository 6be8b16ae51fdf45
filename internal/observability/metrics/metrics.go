// Package metrics exposes dispatch and sweep measurements as Prometheus
// collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"postflow/internal/services/posting"
)

const namespace = "postflow"

// Metrics implements dispatch.Observer and posting.SweepObserver.
type Metrics struct {
	PublishTotal    *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec
	BreakerState    *prometheus.GaugeVec

	SweepPosts    *prometheus.CounterVec
	SweepDuration prometheus.Histogram
	StuckPosts    prometheus.Gauge
}

// New builds the collectors and registers them on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		PublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_total",
				Help:      "Platform publish attempts by result.",
			},
			[]string{"platform", "result"},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "publish_duration_seconds",
				Help:      "Platform publish latency.",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"platform"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "platform_breaker_open",
				Help:      "1 when the platform circuit breaker is open, 0.5 half-open, 0 closed.",
			},
			[]string{"platform"},
		),
		SweepPosts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_posts_total",
				Help:      "Posts handled by sweeps by final status.",
			},
			[]string{"status"},
		),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of one sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
		StuckPosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "posts_stuck",
			Help:      "Posts left in processing past the stuck threshold at the last sweep.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.PublishTotal, m.PublishDuration, m.BreakerState,
		m.SweepPosts, m.SweepDuration, m.StuckPosts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObservePublish(platformID string, success bool, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !success {
		result = "error"
	}
	m.PublishTotal.WithLabelValues(platformID, result).Inc()
	m.PublishDuration.WithLabelValues(platformID).Observe(took.Seconds())
}

func (m *Metrics) ObserveSweep(r posting.SweepReport) {
	if m == nil {
		return
	}
	m.SweepPosts.WithLabelValues("published").Add(float64(r.Published))
	m.SweepPosts.WithLabelValues("partial_failure").Add(float64(r.Partial))
	m.SweepPosts.WithLabelValues("failed").Add(float64(r.Failed))
	m.SweepPosts.WithLabelValues("skipped").Add(float64(r.Skipped))
	m.SweepDuration.Observe(r.Took.Seconds())
	m.StuckPosts.Set(float64(r.Stuck))
}

// BreakerChanged matches dispatch.Registry.OnBreakerState.
func (m *Metrics) BreakerChanged(platformID, _, to string) {
	if m == nil {
		return
	}
	v := 0.0
	switch to {
	case "open":
		v = 1
	case "half-open":
		v = 0.5
	}
	m.BreakerState.WithLabelValues(platformID).Set(v)
}
