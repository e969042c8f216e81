package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/metrics"
)

func TestNew_RegistersCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.EventsEnqueued.Inc()
	m.EventsDropped.WithLabelValues(metrics.DropOldest).Add(2)
	m.AuditFailures.WithLabelValues("record_llm_call", "save").Inc()

	assert.InDelta(t, 1, testutil.ToFloat64(m.EventsEnqueued), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.EventsDropped.WithLabelValues(metrics.DropOldest)), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "agentaudit_events_enqueued_total")
	assert.Contains(t, names, "agentaudit_audit_failures_total")
}

func TestNew_NilRegistry(t *testing.T) {
	t.Parallel()

	a := metrics.New(nil)
	b := metrics.New(nil)
	a.EventsEnqueued.Inc()
	assert.InDelta(t, 0, testutil.ToFloat64(b.EventsEnqueued), 0, "private registries must not collide")
}

func TestObserveRecord(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	latency := int64(900)
	m.ObserveRecord(&domain.AuditRecord{
		EventType:  domain.EventLLMCall,
		AgentName:  "benefits",
		LatencyMs:  &latency,
		TokenUsage: domain.NewTokenUsage(500, 200),
	})
	m.ObserveRecord(&domain.AuditRecord{EventType: domain.EventError, IsError: true})
	m.ObserveRecord(&domain.AuditRecord{EventType: domain.EventUserInput})

	llm := string(domain.EventLLMCall)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RecordsSaved.WithLabelValues(llm)), 0)
	assert.InDelta(t, 500, testutil.ToFloat64(m.InputTokens.WithLabelValues(llm, "benefits")), 0)
	assert.InDelta(t, 200, testutil.ToFloat64(m.OutputTokens.WithLabelValues(llm, "benefits")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RecordErrors.WithLabelValues(string(domain.EventError), "none")), 0)

	assert.Equal(t, 1, testutil.CollectAndCount(m.RecordLatency, "agentaudit_record_latency_milliseconds"))
	assert.Equal(t, 1, testutil.CollectAndCount(m.InputTokens), "records without usage add no series")

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "agentaudit_record_latency_milliseconds" {
			continue
		}
		require.Len(t, f.GetMetric(), 1)
		h := f.GetMetric()[0].GetHistogram()
		assert.Equal(t, uint64(1), h.GetSampleCount())
		assert.InDelta(t, 900, h.GetSampleSum(), 0)
	}
}
