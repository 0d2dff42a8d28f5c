package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sandbox_runner"

// Metrics groups the runner's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Executions        *prometheus.CounterVec
	ExecutionSeconds  *prometheus.HistogramVec
	Rejections        *prometheus.CounterVec
	SessionsCreated   *prometheus.CounterVec
	SessionsEvicted   *prometheus.CounterVec
	SessionsLive      prometheus.Gauge
	CapacityRejection prometheus.Counter
}

// New creates the collectors and registers them on reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Executions by path and result status.",
		}, []string{"path", "status"}),
		ExecutionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_seconds",
			Help:      "Wall time of executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"path"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validator_rejections_total",
			Help:      "Submissions rejected by the static validator.",
		}, []string{"language"}),
		SessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Interactive sessions created.",
		}, []string{"kernel"}),
		SessionsEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Interactive sessions removed from the pool.",
		}, []string{"reason"}),
		SessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Sessions currently held by the pool.",
		}),
		CapacityRejection: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_capacity_rejections_total",
			Help:      "Session creations refused because the pool was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Executions, m.ExecutionSeconds, m.Rejections,
			m.SessionsCreated, m.SessionsEvicted, m.SessionsLive, m.CapacityRejection)
	}
	return m
}

// ObserveExecution records one finished execution.
func (m *Metrics) ObserveExecution(path, status string, wall time.Duration) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(path, status).Inc()
	m.ExecutionSeconds.WithLabelValues(path).Observe(wall.Seconds())
}

// ObserveRejection records a validator rejection.
func (m *Metrics) ObserveRejection(language string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(language).Inc()
}

// SessionCreated records a new pooled session.
func (m *Metrics) SessionCreated(kernel string) {
	if m == nil {
		return
	}
	m.SessionsCreated.WithLabelValues(kernel).Inc()
	m.SessionsLive.Inc()
}

// SessionEvicted records a session leaving the pool.
func (m *Metrics) SessionEvicted(reason string) {
	if m == nil {
		return
	}
	m.SessionsEvicted.WithLabelValues(reason).Inc()
	m.SessionsLive.Dec()
}

// CapacityExceeded records a refused session creation.
func (m *Metrics) CapacityExceeded() {
	if m == nil {
		return
	}
	m.CapacityRejection.Inc()
}
