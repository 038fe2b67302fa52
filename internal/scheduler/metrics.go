package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/iambrandonn/arbor/internal/task"
)

// Origin labels how a task came to exist
type Origin string

const (
	OriginRoot        Origin = "root"
	OriginSubquestion Origin = "subquestion"
	OriginFork        Origin = "fork"
)

// Metrics exposes Prometheus collectors for orchestrator activity
type Metrics struct {
	tasksStarted  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	tasksActive   prometheus.Gauge
	outputTokens  prometheus.Counter
	humanQueries  *prometheus.CounterVec
	scripts       *prometheus.CounterVec
}

// MustNewMetrics registers the collectors with reg and panics on conflict.
// Tests should pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbor",
			Subsystem: "scheduler",
			Name:      "tasks_started_total",
			Help:      "Tasks registered, by origin.",
		}, []string{"origin"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbor",
			Subsystem: "scheduler",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arbor",
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Wall time from registration to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"status"}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbor",
			Subsystem: "scheduler",
			Name:      "tasks_active",
			Help:      "Tasks currently live in the registry.",
		}),
		outputTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbor",
			Subsystem: "scheduler",
			Name:      "output_tokens_total",
			Help:      "Output tokens forwarded to the event sink.",
		}),
		humanQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbor",
			Subsystem: "scheduler",
			Name:      "human_queries_total",
			Help:      "Human queries by resolution.",
		}, []string{"result"}),
		scripts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbor",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Sandbox script executions by outcome.",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{
		m.tasksStarted, m.tasksFinished, m.taskDuration, m.tasksActive,
		m.outputTokens, m.humanQueries, m.scripts,
	} {
		reg.MustRegister(c)
	}
	return m
}

// All methods tolerate a nil receiver so metrics stay optional.

func (m *Metrics) taskStarted(origin Origin) {
	if m == nil {
		return
	}
	m.tasksStarted.WithLabelValues(string(origin)).Inc()
	m.tasksActive.Inc()
}

func (m *Metrics) taskFinished(status task.Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(string(status)).Inc()
	m.taskDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
	m.tasksActive.Dec()
}

func (m *Metrics) tokenForwarded() {
	if m == nil {
		return
	}
	m.outputTokens.Inc()
}

func (m *Metrics) queryResolved(answered bool) {
	if m == nil {
		return
	}
	result := "absent"
	if answered {
		result = "answered"
	}
	m.humanQueries.WithLabelValues(result).Inc()
}

func (m *Metrics) scriptFinished(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.scripts.WithLabelValues(outcome).Inc()
}
