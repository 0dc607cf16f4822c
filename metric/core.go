package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every docrelay collector.
const Namespace = "docrelay"

// Metrics contains the process-wide collectors shared by all components.
type Metrics struct {
	// Connection manager
	Sessions         *prometheus.GaugeVec
	Reconnects       *prometheus.CounterVec
	ReconnectGiveUps prometheus.Counter

	// Router
	MessagesRouted *prometheus.CounterVec

	// Queue
	QueueJobs   *prometheus.GaugeVec
	JobAttempts *prometheus.CounterVec

	// Pipeline
	StageDuration      *prometheus.HistogramVec
	ProcessingDuration *prometheus.HistogramVec
	DocumentsProcessed *prometheus.CounterVec
	Detections         *prometheus.CounterVec
	Notifications      *prometheus.CounterVec

	// NATS
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		Sessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "connection",
				Name:      "sessions",
				Help:      "Number of user sessions per connection state",
			},
			[]string{"state"},
		),

		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "connection",
				Name:      "reconnects_total",
				Help:      "Reconnect attempts scheduled, by kind (backoff, quick_fail)",
			},
			[]string{"kind"},
		),

		ReconnectGiveUps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "connection",
				Name:      "give_ups_total",
				Help:      "Sessions that exhausted their reconnect budget",
			},
		),

		MessagesRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "router",
				Name:      "messages_total",
				Help:      "Inbound messages by routing outcome",
			},
			[]string{"outcome"},
		),

		QueueJobs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "queue",
				Name:      "jobs",
				Help:      "Jobs per queue state (waiting, active, delayed, completed, failed)",
			},
			[]string{"state"},
		),

		JobAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "queue",
				Name:      "attempts_total",
				Help:      "Job attempts by result (success, retry, exhausted)",
			},
			[]string{"result"},
		),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Duration of individual pipeline stage attempts",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"stage", "outcome"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "pipeline",
				Name:      "processing_duration_seconds",
				Help:      "End to end document processing time",
				Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 120, 300},
			},
			[]string{"outcome"},
		),

		DocumentsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "pipeline",
				Name:      "documents_total",
				Help:      "Documents reaching a terminal state",
			},
			[]string{"outcome", "within_target"},
		),

		Detections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "router",
				Name:      "detections_total",
				Help:      "Document detections by result",
			},
			[]string{"success"},
		),

		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "notify",
				Name:      "messages_total",
				Help:      "Outbound notifications by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (1 connected, 0 otherwise)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "NATS client reconnects",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Sessions,
		m.Reconnects,
		m.ReconnectGiveUps,
		m.MessagesRouted,
		m.QueueJobs,
		m.JobAttempts,
		m.StageDuration,
		m.ProcessingDuration,
		m.DocumentsProcessed,
		m.Detections,
		m.Notifications,
		m.NATSConnected,
		m.NATSReconnects,
	}
}
