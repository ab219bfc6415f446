package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: время от старта (running) до терминального состояния
	RunDuration *prometheus.HistogramVec

	// Traffic: переходы в терминальные состояния
	RunsTotal *prometheus.CounterVec

	// Errors: отказы допуска и ошибки коллектора по классам
	AdmissionDenied *prometheus.CounterVec
	CollectorErrors *prometheus.CounterVec
	FollowupErrors  *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Backpressure: глубина очереди воркеров и заполненность буфера журнала
	QueueDepth        prometheus.Gauge
	JournalBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object: без регистратора метрики пишутся в локальный реестр, который никто не читает
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RunDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "siteaudit_run_duration_seconds",
			Help:    "Histogram of audit run durations from start to terminal state.",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 20, 30, 45, 60, 120},
		}, []string{"kind", "state"}),

		RunsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_runs_total",
			Help: "Total number of audit runs by terminal state.",
		}, []string{"kind", "state"}),

		AdmissionDenied: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_admission_denied_total",
			Help: "Total number of admission denials by reason.",
		}, []string{"reason"}),

		CollectorErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_collector_errors_total",
			Help: "Total number of collector errors by type.",
		}, []string{"type"}), // transient, throttle, validation, timeout, breaker_open

		FollowupErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_followup_errors_total",
			Help: "Total number of failed followup consumers after retries.",
		}, []string{"consumer"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "siteaudit_circuit_breaker_state",
			Help: "Current state of the collector circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"collector"}),

		QueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "siteaudit_queue_depth",
			Help: "Current number of runs waiting for a worker.",
		}),

		JournalBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "siteaudit_journal_buffer_utilization",
			Help: "Current number of events in the transition journal buffer.",
		}),
	}
}
