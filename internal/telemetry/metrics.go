package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the fleet and event counters exposed on /metrics. It
// implements fleet.MetricsRecorder.
type Metrics struct {
	registry *prometheus.Registry

	agentsSpawned   prometheus.Counter
	agentsCompleted prometheus.Counter
	agentsFailed    prometheus.Counter
	agentsRunning   prometheus.Gauge
	agentsQueued    prometheus.Gauge
	eventsEmitted   *prometheus.CounterVec
}

// NewMetrics creates and registers the Fleethub metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		agentsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleethub_agents_spawned_total",
			Help: "Total number of agent instances spawned.",
		}),
		agentsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleethub_agents_completed_total",
			Help: "Total number of agent instances that completed successfully.",
		}),
		agentsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleethub_agents_failed_total",
			Help: "Total number of agent instances that failed.",
		}),
		agentsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleethub_agents_running",
			Help: "Number of agent instances currently running.",
		}),
		agentsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleethub_agents_queued",
			Help: "Number of submissions waiting for a concurrency slot.",
		}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleethub_events_total",
			Help: "Total events observed on the bus, by kind.",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.agentsSpawned,
		m.agentsCompleted,
		m.agentsFailed,
		m.agentsRunning,
		m.agentsQueued,
		m.eventsEmitted,
	)
	return m
}

// AgentSpawned increments the spawned counter.
func (m *Metrics) AgentSpawned() { m.agentsSpawned.Inc() }

// AgentCompleted increments the completed counter.
func (m *Metrics) AgentCompleted() { m.agentsCompleted.Inc() }

// AgentFailed increments the failed counter.
func (m *Metrics) AgentFailed() { m.agentsFailed.Inc() }

// SetRunning updates the running gauge.
func (m *Metrics) SetRunning(n int) { m.agentsRunning.Set(float64(n)) }

// SetQueued updates the queued gauge.
func (m *Metrics) SetQueued(n int) { m.agentsQueued.Set(float64(n)) }

// EventEmitted counts one bus event of the given kind.
func (m *Metrics) EventEmitted(kind string) {
	m.eventsEmitted.WithLabelValues(kind).Inc()
}

// Handler returns the HTTP handler serving the metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
