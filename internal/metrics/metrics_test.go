package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveQuery("blocking", "answered")
	m.ObserveQuery("blocking", "answered")
	m.ObserveQuery("stream", "no_results")
	m.ObserveEmbeddingBatch(true)
	m.ObserveEmbeddingBatch(false)
	m.AddIndexedRecords(42)
	m.AddRetentionEvictions(0)
	m.ObserveRetrieval(3)
	m.ObserveGeneration("stream", 150*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.queriesCounter.WithLabelValues("blocking", "answered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queriesCounter.WithLabelValues("stream", "no_results")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.embeddingBatches.WithLabelValues("failed")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.indexedRecords))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.retentionEvictions))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveQuery("blocking", "error")
		m.ObserveRetrieval(1)
		m.ObserveEmbeddingBatch(true)
		m.ObserveGeneration("blocking", time.Second)
		m.AddIndexedRecords(1)
		m.AddRetentionEvictions(1)
		m.ObserveTurnPublished(false)
	})
}
