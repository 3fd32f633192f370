package knowledge

import (
	"context"
	"math"

	"go.uber.org/zap"
)

const (
	DefaultInsertBatchSize = 100
	DefaultStatsSampleSize = 100
)

// VectorRecord 索引中的一条记录，ID 即分块ID
type VectorRecord struct {
	ID        string
	Embedding []float32
	Text      string
	Metadata  ChunkMetadata
}

// SearchHit 向量检索命中，Distance 为余弦距离，越小越相似
type SearchHit struct {
	ID       string
	Text     string
	Metadata ChunkMetadata
	Distance float64
}

// Filter 元数据等值过滤，空字段不参与过滤
type Filter struct {
	SourceType SourceType
	DocumentID string
	RepoName   string
}

func (f Filter) matches(m ChunkMetadata) bool {
	if f.SourceType != "" && m.SourceType != f.SourceType {
		return false
	}
	if f.DocumentID != "" && m.DocumentID != f.DocumentID {
		return false
	}
	if f.RepoName != "" && m.RepoName != f.RepoName {
		return false
	}
	return true
}

// IndexStats 索引统计，来源分布基于有限样本
type IndexStats struct {
	Collection     string         `json:"collection_name"`
	TotalDocuments int64          `json:"total_documents"`
	SourceTypes    map[string]int `json:"source_types"`
	SampleSize     int            `json:"sample_size"`
	Provider       string         `json:"provider"`
}

// VectorIndex 向量索引抽象
type VectorIndex interface {
	// Add 写入记录，跳过空向量，返回实际写入数量
	Add(ctx context.Context, records []VectorRecord) (int, error)
	// Search 按距离升序返回最多 k 条结果
	Search(ctx context.Context, query []float32, k int, filter Filter) ([]SearchHit, error)
	// Get 按ID读取，不存在时返回 nil, nil
	Get(ctx context.Context, id string) (*VectorRecord, error)
	Delete(ctx context.Context, id string) (bool, error)
	// Reset 清空并重建集合
	Reset(ctx context.Context) error
	Stats(ctx context.Context) (IndexStats, error)
	Ready() bool
}

// VectorIndexOptions 各后端共用的参数
type VectorIndexOptions struct {
	Collection      string
	VectorSize      int
	InsertBatchSize int
	StatsSampleSize int
	Logger          *zap.Logger
}

func (o *VectorIndexOptions) applyDefaults() {
	if o.Collection == "" {
		o.Collection = "ai_sme_documents"
	}
	if o.InsertBatchSize <= 0 {
		o.InsertBatchSize = DefaultInsertBatchSize
	}
	if o.StatsSampleSize <= 0 {
		o.StatsSampleSize = DefaultStatsSampleSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// prepareRecords 过滤空向量和维度不符的记录，并规范化附加元数据
func prepareRecords(records []VectorRecord, vectorSize int, logger *zap.Logger) []VectorRecord {
	valid := make([]VectorRecord, 0, len(records))
	for _, r := range records {
		if len(r.Embedding) == 0 {
			logger.Warn("Skipping record without embedding", zap.String("id", r.ID))
			continue
		}
		if vectorSize > 0 && len(r.Embedding) != vectorSize {
			logger.Warn("Skipping record with unexpected dimensionality",
				zap.String("id", r.ID),
				zap.Int("got", len(r.Embedding)),
				zap.Int("want", vectorSize))
			continue
		}
		r.Metadata.Extra = CoerceMetadata(r.Metadata.Extra)
		valid = append(valid, r)
	}
	return valid
}

// batches 按 size 切分
func batches(records []VectorRecord, size int) [][]VectorRecord {
	var out [][]VectorRecord
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		out = append(out, records[start:end])
	}
	return out
}

func sampleSourceTypes(types []SourceType) map[string]int {
	counts := make(map[string]int)
	for _, st := range types {
		key := string(st)
		if key == "" {
			key = "unknown"
		}
		counts[key]++
	}
	return counts
}

// cosineDistance 返回 1 - cos(a, b)，零向量视为最远
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
