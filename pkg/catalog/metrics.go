package catalog

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the sync counters. A nil *Metrics records nothing.
type Metrics struct {
	outcomes *prometheus.CounterVec
	duration prometheus.Histogram
	servers  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil. Collectors already registered by an earlier call are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meerkat",
			Subsystem: "catalog",
			Name:      "sync_outcomes_total",
			Help:      "Sync passes by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "meerkat",
			Subsystem: "catalog",
			Name:      "sync_duration_seconds",
			Help:      "Duration of sync passes.",
			Buckets:   prometheus.DefBuckets,
		}),
		servers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meerkat",
			Subsystem: "catalog",
			Name:      "servers",
			Help:      "Servers in the directory.",
		}),
	}
	if reg == nil {
		return m
	}
	m.outcomes = register(reg, m.outcomes)
	m.duration = register(reg, m.duration)
	m.servers = register(reg, m.servers)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) observe(o Outcome, took time.Duration, servers int) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(o.Name()).Inc()
	m.duration.Observe(took.Seconds())
	m.servers.Set(float64(servers))
}
