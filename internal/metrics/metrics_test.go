package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAllCollectorsWithoutPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { New(reg) })
}

func TestOCCConflicts_IncrementsByResourceType(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.OCCConflicts.WithLabelValues("object_type").Inc()
	m.OCCConflicts.WithLabelValues("object_type").Inc()

	metric := &dto.Metric{}
	require.NoError(t, m.OCCConflicts.WithLabelValues("object_type").Write(metric))
	require.Equal(t, float64(2), metric.GetCounter().GetValue())
}

func TestObserveLatency_RecordsAgainstLabeledHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	ObserveLatency(m.OutboxLatency, time.Now().Add(-50*time.Millisecond), "object_type.created")

	metric := &dto.Metric{}
	require.NoError(t, m.OutboxLatency.WithLabelValues("object_type.created").Write(metric))
	require.Equal(t, uint64(1), metric.GetHistogram().GetSampleCount())
}

func TestObserveLatency_NilHistogramIsNoop(t *testing.T) {
	require.NotPanics(t, func() { ObserveLatency(nil, time.Now()) })
}
