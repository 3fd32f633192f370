package knowledge

import (
	"context"
	"math"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
	"github.com/aihub/rag-assistant/internal/metrics"
	"go.uber.org/zap"
)

const (
	DefaultTopK       = 5
	previewRuneLength = 200
)

// QueryEmbedder 查询向量化能力，空向量表示失败
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// RetrieveOptions 检索参数；TopK 为 0 时使用默认值，MinScore 为 nil 时使用检索器的默认阈值
type RetrieveOptions struct {
	SourceType SourceType
	TopK       int
	MinScore   *float64
}

// ScoreThreshold 构造 RetrieveOptions.MinScore
func ScoreThreshold(v float64) *float64 {
	return &v
}

// RetrievedResult 检索结果
type RetrievedResult struct {
	ID              string        `json:"id"`
	Content         string        `json:"content"`
	Metadata        ChunkMetadata `json:"metadata"`
	SimilarityScore float64       `json:"similarity_score"`
	Distance        float64       `json:"distance"`
}

// Title 返回标题，缺失时为 Untitled
func (r RetrievedResult) Title() string {
	if r.Metadata.Title == "" {
		return "Untitled"
	}
	return r.Metadata.Title
}

// SourceTypeName 返回来源类型，缺失时为 unknown
func (r RetrievedResult) SourceTypeName() string {
	if r.Metadata.SourceType == "" {
		return "unknown"
	}
	return string(r.Metadata.SourceType)
}

// SourceMetadata 代码类来源的定位信息
type SourceMetadata struct {
	FilePath  string `json:"file_path,omitempty"`
	RepoName  string `json:"repo_name,omitempty"`
	Language  string `json:"language,omitempty"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
}

// Source 展示给用户的引用来源
type Source struct {
	Title           string          `json:"title"`
	URL             string          `json:"url"`
	SourceType      string          `json:"source_type"`
	ContentPreview  string          `json:"content_preview,omitempty"`
	SimilarityScore float64         `json:"similarity_score"`
	Metadata        *SourceMetadata `json:"metadata,omitempty"`
}

// Retriever 语义检索
type Retriever struct {
	embedder QueryEmbedder
	index    VectorIndex
	topK     int
	minScore float64
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// RetrieverOptions 检索器默认参数
type RetrieverOptions struct {
	TopK     int
	MinScore float64
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// NewRetriever 创建检索器
func NewRetriever(embedder QueryEmbedder, index VectorIndex, opts RetrieverOptions) *Retriever {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger.Info("Initialized retriever",
		zap.Int("top_k", opts.TopK),
		zap.Float64("min_score", opts.MinScore))
	return &Retriever{
		embedder: embedder,
		index:    index,
		topK:     opts.TopK,
		minScore: opts.MinScore,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// TopK 返回默认返回条数
func (r *Retriever) TopK() int {
	return r.topK
}

// Index 返回底层向量索引
func (r *Retriever) Index() VectorIndex {
	return r.index
}

// Retrieve 检索与查询最相关的分块，按相似度降序
func (r *Retriever) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]RetrievedResult, error) {
	k := opts.TopK
	if k <= 0 {
		k = r.topK
	}
	minScore := r.minScore
	if opts.MinScore != nil {
		minScore = *opts.MinScore
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		r.logger.Warn("Failed to generate query embedding")
		r.metrics.ObserveRetrieval(0)
		return []RetrievedResult{}, nil
	}

	hits, err := r.index.Search(ctx, vector, k, Filter{SourceType: opts.SourceType})
	if err != nil {
		return nil, apperrors.NewExternalError(apperrors.ErrCodeIndexUnavailable, "vector search failed").WithCause(err)
	}

	results := make([]RetrievedResult, 0, len(hits))
	for _, hit := range hits {
		score := SimilarityScore(hit.Distance)
		if score < minScore {
			continue
		}
		results = append(results, RetrievedResult{
			ID:              hit.ID,
			Content:         hit.Text,
			Metadata:        hit.Metadata,
			SimilarityScore: score,
			Distance:        hit.Distance,
		})
	}

	r.metrics.ObserveRetrieval(len(results))
	r.logger.Info("Retrieved documents",
		zap.Int("count", len(results)),
		zap.String("query", truncateRunes(query, 50)))
	return results, nil
}

// SimilarityScore 将余弦距离换算为 [0,1] 相似度
func SimilarityScore(distance float64) float64 {
	return math.Min(1, math.Max(0, 1-distance))
}

// FormatSources 生成带内容预览和代码定位信息的来源列表
func FormatSources(results []RetrievedResult) []Source {
	sources := make([]Source, 0, len(results))
	for _, res := range results {
		src := Source{
			Title:           res.Title(),
			URL:             res.Metadata.URL,
			SourceType:      res.SourceTypeName(),
			ContentPreview:  preview(res.Content),
			SimilarityScore: roundScore(res.SimilarityScore),
		}
		m := res.Metadata
		if m.FilePath != "" || m.RepoName != "" || m.Language != "" || m.StartLine != 0 || m.EndLine != 0 {
			src.Metadata = &SourceMetadata{
				FilePath:  m.FilePath,
				RepoName:  m.RepoName,
				Language:  m.Language,
				StartLine: m.StartLine,
				EndLine:   m.EndLine,
			}
		}
		sources = append(sources, src)
	}
	return sources
}

// ProjectSources 只保留标题、链接、类型和相似度
func ProjectSources(results []RetrievedResult) []Source {
	sources := make([]Source, 0, len(results))
	for _, res := range results {
		sources = append(sources, Source{
			Title:           res.Title(),
			URL:             res.Metadata.URL,
			SourceType:      res.SourceTypeName(),
			SimilarityScore: res.SimilarityScore,
		})
	}
	return sources
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewRuneLength {
		return content
	}
	return string(runes[:previewRuneLength]) + "..."
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func roundScore(score float64) float64 {
	return math.Round(score*1000) / 1000
}
