package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
	"github.com/aihub/rag-assistant/internal/metrics"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultEmbeddingModel     = "text-embedding-3-large"
	DefaultEmbeddingBatchSize = 100
	DefaultEmbeddingDelay     = 500 * time.Millisecond
)

var embeddingDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
}

// EmbeddingDimensions 返回模型的向量维度，未知模型返回 0
func EmbeddingDimensions(model string) int {
	return embeddingDimensions[model]
}

// EmbeddingClient 外部向量化能力，一次调用处理一批文本
type EmbeddingClient interface {
	CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// OpenAIEmbeddingClient 使用OpenAI Embedding API
type OpenAIEmbeddingClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIEmbeddingClient 创建OpenAI向量化客户端，缺少API Key视为配置错误
func NewOpenAIEmbeddingClient(apiKey, baseURL, model string) (*OpenAIEmbeddingClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, apperrors.NewConfigurationError("OPENAI_API_KEY is not set")
	}
	if model == "" {
		model = DefaultEmbeddingModel
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAIEmbeddingClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

func (c *OpenAIEmbeddingClient) Model() string {
	return c.model
}

func (c *OpenAIEmbeddingClient) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.model),
		Input: texts,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("embedding response index %d out of range", item.Index)
		}
		vec := make([]float32, len(item.Embedding))
		copy(vec, item.Embedding)
		vectors[item.Index] = vec
	}
	return vectors, nil
}

// EmbedderOptions 批量向量化参数
type EmbedderOptions struct {
	BatchSize  int
	BatchDelay time.Duration
	Retry      RetryPolicy
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Embedder 批量向量化，失败批次以空向量占位
type Embedder struct {
	client     EmbeddingClient
	batchSize  int
	batchDelay time.Duration
	retry      RetryPolicy
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewEmbedder 创建向量化服务
func NewEmbedder(client EmbeddingClient, opts EmbedderOptions) (*Embedder, error) {
	if client == nil {
		return nil, apperrors.NewConfigurationError("embedding client is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultEmbeddingBatchSize
	}
	if opts.BatchDelay < 0 {
		opts.BatchDelay = 0
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Embedder{
		client:     client,
		batchSize:  opts.BatchSize,
		batchDelay: opts.BatchDelay,
		retry:      opts.Retry,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}, nil
}

// Model 返回向量化模型名
func (e *Embedder) Model() string {
	return e.client.Model()
}

// Dimensions 返回模型向量维度
func (e *Embedder) Dimensions() int {
	return EmbeddingDimensions(e.client.Model())
}

// Embed 向量化单个文本；空文本或重试耗尽时返回空向量
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return []float32{}, nil
	}
	vectors, err := e.EmbedBatch(ctx, []string{text}, 1)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch 按批次向量化，输出与输入一一对应；失败批次对应位置为空向量
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = e.batchSize
	}
	vectors := make([][]float32, len(texts))
	if len(texts) == 0 {
		return vectors, nil
	}

	// 批次之间保持最小间隔
	var limiter *rate.Limiter
	if e.batchDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(e.batchDelay), 1)
	}

	totalBatches := (len(texts) + batchSize - 1) / batchSize
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batchNo := start/batchSize + 1

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("embedding batch %d/%d: %w", batchNo, totalBatches, err)
			}
		}

		// 空文本不发送给外部服务，直接占位
		positions := make([]int, 0, end-start)
		inputs := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			if strings.TrimSpace(texts[i]) == "" {
				vectors[i] = []float32{}
				continue
			}
			positions = append(positions, i)
			inputs = append(inputs, texts[i])
		}
		if len(inputs) == 0 {
			continue
		}

		batch, err := e.embedWithRetry(ctx, inputs)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("embedding batch %d/%d: %w", batchNo, totalBatches, ctx.Err())
			}
			e.logger.Error("Embedding batch failed, using empty vectors",
				zap.Int("batch", batchNo),
				zap.Int("total_batches", totalBatches),
				zap.Int("size", end-start),
				zap.Error(err))
			e.metrics.ObserveEmbeddingBatch(false)
			for _, pos := range positions {
				vectors[pos] = []float32{}
			}
			continue
		}

		e.metrics.ObserveEmbeddingBatch(true)
		for j, pos := range positions {
			vectors[pos] = batch[j]
		}
		e.logger.Debug("Embedding batch completed",
			zap.Int("batch", batchNo),
			zap.Int("total_batches", totalBatches))
	}

	return vectors, nil
}

func (e *Embedder) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var result [][]float32
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		vectors, err := e.client.CreateEmbeddings(ctx, texts)
		if err != nil {
			return err
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("embedding client returned %d vectors for %d inputs", len(vectors), len(texts))
		}
		result = vectors
		return nil
	}, func(err error, wait time.Duration) {
		e.logger.Warn("Embedding request failed, retrying",
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperrors.NewExternalError(apperrors.ErrCodeEmbeddingFailed, "embedding request failed").WithCause(err)
	}
	return result, nil
}

// EmbedChunks 为分块生成向量并记录模型名，失败的分块保留空向量
func (e *Embedder) EmbedChunks(ctx context.Context, chunks []Chunk) ([]Chunk, error) {
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}

	vectors, err := e.EmbedBatch(ctx, texts, e.batchSize)
	if err != nil {
		return nil, err
	}

	out := make([]Chunk, len(chunks))
	for i, ch := range chunks {
		ch.Embedding = vectors[i]
		ch.Metadata.EmbeddingModel = e.client.Model()
		out[i] = ch
	}
	return out, nil
}
