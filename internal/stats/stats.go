package stats

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gochat"

const (
	ActiveConnections   = "active_connections"
	MessagesSent        = "messages_sent"
	PublishFailures     = "publish_failures"
	Broadcasts          = "broadcasts"
	DispatchFailures    = "dispatch_failures"
	UserEventsProcessed = "user_events_processed"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
}

// gaugeMetrics go up and down; every other name is a monotonic counter
// exported with a _total suffix.
var gaugeMetrics = map[string]bool{
	ActiveConnections: true,
}

// StatsUpdater keeps one collector per metric name on its own prometheus
// registry.
type StatsUpdater struct {
	registry *prometheus.Registry
	mu       sync.RWMutex
	gauges   map[string]prometheus.Gauge
	counters map[string]prometheus.Counter
}

// NewStatsUpdater creates a new stats updater instance.
func NewStatsUpdater() *StatsUpdater {
	su := &StatsUpdater{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]prometheus.Gauge),
		counters: make(map[string]prometheus.Counter),
	}
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the relay started.",
		}, func() float64 {
			return time.Since(startTime).Seconds()
		}),
	)
}

// Handler serves the registry in the prometheus exposition format.
func (su *StatsUpdater) Handler() http.Handler {
	return promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{Registry: su.registry})
}

// RegisterMetric is idempotent.
func (su *StatsUpdater) RegisterMetric(name string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	su.register(name)
}

// register must be called with mu held. A name prometheus rejects still gets
// a collector, it is just never exported.
func (su *StatsUpdater) register(name string) {
	if _, ok := su.gauges[name]; ok {
		return
	}
	if _, ok := su.counters[name]; ok {
		return
	}

	if gaugeMetrics[name] {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      "gochat " + name,
		})
		_ = su.registry.Register(g)
		su.gauges[name] = g
		return
	}

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name + "_total",
		Help:      "gochat " + name,
	})
	_ = su.registry.Register(c)
	su.counters[name] = c
}

// Incr registers name on first use.
func (su *StatsUpdater) Incr(name string) {
	su.mu.RLock()
	g, isGauge := su.gauges[name]
	c, isCounter := su.counters[name]
	su.mu.RUnlock()

	if !isGauge && !isCounter {
		su.RegisterMetric(name)
		su.Incr(name)
		return
	}

	if isGauge {
		g.Inc()
		return
	}
	c.Inc()
}

// Decr only applies to gauges; counters never decrease.
func (su *StatsUpdater) Decr(name string) {
	su.mu.RLock()
	g, ok := su.gauges[name]
	su.mu.RUnlock()

	if ok {
		g.Dec()
	}
}
