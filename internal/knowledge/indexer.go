package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/aihub/rag-assistant/internal/metrics"
	"go.uber.org/zap"
)

// ChunkEmbedder 为分块生成向量
type ChunkEmbedder interface {
	EmbedChunks(ctx context.Context, chunks []Chunk) ([]Chunk, error)
}

// IndexReport 一次建库的统计
type IndexReport struct {
	Documents int           `json:"documents"`
	Chunks    int           `json:"chunks"`
	Embedded  int           `json:"embedded"`
	Failed    int           `json:"failed"`
	Inserted  int           `json:"inserted"`
	Duration  time.Duration `json:"duration"`
}

// Indexer 文档 -> 分块 -> 向量 -> 索引
type Indexer struct {
	chunker  *Chunker
	embedder ChunkEmbedder
	index    VectorIndex
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewIndexer 创建建库流水线
func NewIndexer(chunker *Chunker, embedder ChunkEmbedder, index VectorIndex, logger *zap.Logger, m *metrics.Metrics) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		chunker:  chunker,
		embedder: embedder,
		index:    index,
		logger:   logger,
		metrics:  m,
	}
}

// IndexDocuments 分块并向量化文档后写入索引；向量化失败的分块被排除
func (i *Indexer) IndexDocuments(ctx context.Context, docs []Document) (IndexReport, error) {
	start := time.Now()
	report := IndexReport{Documents: len(docs)}

	i.logger.Info("Chunking documents", zap.Int("documents", len(docs)))
	chunks := i.chunker.ChunkDocuments(docs)
	report.Chunks = len(chunks)
	if len(chunks) == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	i.logger.Info("Generating embeddings", zap.Int("chunks", len(chunks)))
	embedded, err := i.embedder.EmbedChunks(ctx, chunks)
	if err != nil {
		return report, fmt.Errorf("embedding chunks: %w", err)
	}

	records := make([]VectorRecord, 0, len(embedded))
	for _, ch := range embedded {
		if len(ch.Embedding) == 0 {
			report.Failed++
			continue
		}
		records = append(records, ch.Record())
	}
	report.Embedded = len(records)
	if report.Failed > 0 {
		i.logger.Warn("Excluding chunks without embeddings", zap.Int("failed", report.Failed))
	}

	inserted, err := i.index.Add(ctx, records)
	if err != nil {
		return report, fmt.Errorf("indexing chunks: %w", err)
	}
	report.Inserted = inserted
	report.Duration = time.Since(start)
	i.metrics.AddIndexedRecords(inserted)

	i.logger.Info("Indexing complete",
		zap.Int("documents", report.Documents),
		zap.Int("chunks", report.Chunks),
		zap.Int("inserted", report.Inserted),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// IndexSources 依次加载所有文档源后统一建库
func (i *Indexer) IndexSources(ctx context.Context, sources ...DocumentSource) (IndexReport, error) {
	var docs []Document
	for _, src := range sources {
		loaded, err := src.Load(ctx)
		if err != nil {
			return IndexReport{}, fmt.Errorf("loading %s: %w", src.Name(), err)
		}
		i.logger.Info("Loaded source", zap.String("source", src.Name()), zap.Int("documents", len(loaded)))
		docs = append(docs, loaded...)
	}
	return i.IndexDocuments(ctx, docs)
}
