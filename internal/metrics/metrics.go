// Package metrics holds the Prometheus collectors shared by the pipeline,
// the audit service and the storage backends.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gosuda/agentaudit/internal/domain"
)

// Drop reasons reported on EventsDropped.
const (
	DropOldest   = "oldest"
	DropFull     = "full"
	DropClosed   = "closed"
	DropSampled  = "sampled"
	DropDisabled = "disabled"
)

type Metrics struct {
	EventsEnqueued prometheus.Counter
	EventsDropped  *prometheus.CounterVec
	// Exports counts exporter calls by exporter name and result (ok, error).
	Exports    *prometheus.CounterVec
	QueueDepth prometheus.Gauge

	// AuditFailures counts swallowed facade failures by operation and step.
	AuditFailures *prometheus.CounterVec
	RecordsSaved  *prometheus.CounterVec

	// Per-record KPIs, labelled by event_type and agent_name.
	RecordLatency *prometheus.HistogramVec
	InputTokens   *prometheus.CounterVec
	OutputTokens  *prometheus.CounterVec
	RecordErrors  *prometheus.CounterVec

	// QueryOutcomes counts polling query results (complete, failed, timeout).
	QueryOutcomes *prometheus.CounterVec
}

// New registers all collectors on reg. A nil reg gets a private registry so
// callers that do not scrape metrics still get working collectors.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		EventsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "agentaudit_events_enqueued_total",
			Help: "Events accepted by the delivery queue.",
		}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentaudit_events_dropped_total",
			Help: "Events discarded before export, by reason.",
		}, []string{"reason"}),
		Exports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentaudit_exports_total",
			Help: "Exporter invocations by exporter and result.",
		}, []string{"exporter", "result"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentaudit_queue_depth",
			Help: "Events currently waiting in the delivery queue.",
		}),
		AuditFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentaudit_audit_failures_total",
			Help: "Swallowed audit service failures by operation and step.",
		}, []string{"op", "step"}),
		RecordsSaved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentaudit_records_saved_total",
			Help: "Audit records persisted, by event type.",
		}, []string{"event_type"}),
		RecordLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentaudit_record_latency_milliseconds",
			Help:    "Latency reported by persisted audit records.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, kpiLabels),
		InputTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentaudit_input_tokens_total",
			Help: "Input tokens reported by persisted audit records.",
		}, kpiLabels),
		OutputTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentaudit_output_tokens_total",
			Help: "Output tokens reported by persisted audit records.",
		}, kpiLabels),
		RecordErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentaudit_record_errors_total",
			Help: "Persisted audit records flagged as errors.",
		}, kpiLabels),
		QueryOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentaudit_log_query_outcomes_total",
			Help: "Log analytics query results by outcome.",
		}, []string{"outcome"}),
	}
}

var kpiLabels = []string{"event_type", "agent_name"} //nolint:gochecknoglobals // label set

// ObserveRecord counts a persisted record and publishes its latency, token
// and error KPIs. Records without an agent are labelled "none".
func (m *Metrics) ObserveRecord(rec *domain.AuditRecord) {
	eventType := string(rec.EventType)
	m.RecordsSaved.WithLabelValues(eventType).Inc()

	agent := rec.AgentName
	if agent == "" {
		agent = "none"
	}
	if rec.LatencyMs != nil {
		m.RecordLatency.WithLabelValues(eventType, agent).Observe(float64(*rec.LatencyMs))
	}
	if rec.TokenUsage != nil {
		m.InputTokens.WithLabelValues(eventType, agent).Add(float64(rec.TokenUsage.Input))
		m.OutputTokens.WithLabelValues(eventType, agent).Add(float64(rec.TokenUsage.Output))
	}
	if rec.IsError {
		m.RecordErrors.WithLabelValues(eventType, agent).Inc()
	}
}
