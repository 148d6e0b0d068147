package runner

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors describing runner activity.
type Metrics struct {
	iterations        *prometheus.CounterVec
	sessions          *prometheus.CounterVec
	gates             *prometheus.CounterVec
	iterationDuration *prometheus.HistogramVec
	tasksActive       prometheus.Gauge
	stalls            prometheus.Counter
	spawns            *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the collectors registered with the global
// Prometheus registry, creating them on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the runner collectors with reg and panics on a
// registration conflict it cannot resolve. Tests pass a fresh registry.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harness",
			Subsystem: "runner",
			Name:      "iterations_total",
			Help:      "Completed task iterations by mode and outcome.",
		}, []string{"mode", "outcome"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harness",
			Subsystem: "runner",
			Name:      "sessions_total",
			Help:      "Finished worker sessions by final status.",
		}, []string{"status"}),
		gates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harness",
			Subsystem: "runner",
			Name:      "gate_results_total",
			Help:      "Plan, test and judge gate results.",
		}, []string{"gate", "status"}),
		iterationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "harness",
			Subsystem: "runner",
			Name:      "iteration_duration_seconds",
			Help:      "Wall time of one full iteration.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"mode"}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harness",
			Subsystem: "runner",
			Name:      "tasks_active",
			Help:      "Task loops currently running.",
		}),
		stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harness",
			Subsystem: "runner",
			Name:      "stalls_total",
			Help:      "Iterations that repeated the previous iterations without progress.",
		}),
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harness",
			Subsystem: "runner",
			Name:      "spawn_requests_total",
			Help:      "Spawn requests handled by the dispatcher, by response status.",
		}, []string{"status"}),
	}

	register := func(c prometheus.Collector) prometheus.Collector {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return already.ExistingCollector
			}
			panic(err)
		}
		return c
	}
	m.iterations = register(m.iterations).(*prometheus.CounterVec)
	m.sessions = register(m.sessions).(*prometheus.CounterVec)
	m.gates = register(m.gates).(*prometheus.CounterVec)
	m.iterationDuration = register(m.iterationDuration).(*prometheus.HistogramVec)
	m.tasksActive = register(m.tasksActive).(prometheus.Gauge)
	m.stalls = register(m.stalls).(prometheus.Counter)
	m.spawns = register(m.spawns).(*prometheus.CounterVec)
	return m
}

func (m *Metrics) observeIteration(mode Mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.iterations.WithLabelValues(string(mode), outcome).Inc()
	m.iterationDuration.WithLabelValues(string(mode)).Observe(d.Seconds())
}

func (m *Metrics) incSession(status string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(status).Inc()
}

func (m *Metrics) incGate(gate, status string) {
	if m == nil {
		return
	}
	m.gates.WithLabelValues(gate, status).Inc()
}

func (m *Metrics) incStall() {
	if m == nil {
		return
	}
	m.stalls.Inc()
}

func (m *Metrics) incSpawn(status string) {
	if m == nil {
		return
	}
	m.spawns.WithLabelValues(status).Inc()
}

func (m *Metrics) taskStarted() {
	if m == nil {
		return
	}
	m.tasksActive.Inc()
}

func (m *Metrics) taskFinished() {
	if m == nil {
		return
	}
	m.tasksActive.Dec()
}
