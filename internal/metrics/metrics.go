package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics RAG流水线的Prometheus指标，nil 接收者上的方法均为空操作
type Metrics struct {
	queriesCounter     *prometheus.CounterVec
	retrievalResults   prometheus.Histogram
	embeddingBatches   *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	indexedRecords     prometheus.Counter
	retentionEvictions prometheus.Counter
	publishedTurns     *prometheus.CounterVec
}

// New 在 reg 上注册全部指标
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		queriesCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_queries_total",
				Help: "Total number of RAG queries",
			},
			[]string{"mode", "outcome"}, // mode: blocking, stream; outcome: success, no_results, error
		),
		retrievalResults: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rag_retrieval_results",
				Help:    "Number of results kept after similarity filtering",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
			},
		),
		embeddingBatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_embedding_batches_total",
				Help: "Embedding batches by status",
			},
			[]string{"status"},
		),
		generationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rag_generation_duration_seconds",
				Help:    "Duration of answer generation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		indexedRecords: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rag_indexed_records_total",
				Help: "Records inserted into the vector index",
			},
		),
		retentionEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rag_retention_evictions_total",
				Help: "Conversations deleted by the retention policy",
			},
		),
		publishedTurns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_turn_events_total",
				Help: "Conversation turn events published",
			},
			[]string{"status"},
		),
	}
}

func (m *Metrics) ObserveQuery(mode, outcome string) {
	if m == nil {
		return
	}
	m.queriesCounter.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) ObserveRetrieval(results int) {
	if m == nil {
		return
	}
	m.retrievalResults.Observe(float64(results))
}

func (m *Metrics) ObserveEmbeddingBatch(ok bool) {
	if m == nil {
		return
	}
	m.embeddingBatches.WithLabelValues(status(ok)).Inc()
}

func (m *Metrics) ObserveGeneration(mode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.generationDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

func (m *Metrics) AddIndexedRecords(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.indexedRecords.Add(float64(n))
}

func (m *Metrics) AddRetentionEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.retentionEvictions.Add(float64(n))
}

func (m *Metrics) ObserveTurnPublished(ok bool) {
	if m == nil {
		return
	}
	m.publishedTurns.WithLabelValues(status(ok)).Inc()
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failed"
}
