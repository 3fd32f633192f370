package rag

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
	"github.com/aihub/rag-assistant/internal/knowledge"
	"github.com/aihub/rag-assistant/internal/metrics"
	"go.uber.org/zap"
)

const (
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 1000
)

// Answer 带来源的回答
type Answer struct {
	Answer      string             `json:"answer"`
	Sources     []knowledge.Source `json:"sources"`
	ContextUsed int                `json:"context_used"`
}

// GeneratorOptions 生成参数
type GeneratorOptions struct {
	Temperature  float32
	MaxTokens    int
	HistoryTurns int
	Retry        knowledge.RetryPolicy
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Generator 基于检索上下文生成回答
type Generator struct {
	client       CompletionClient
	temperature  float32
	maxTokens    int
	historyTurns int
	retry        knowledge.RetryPolicy
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// NewGenerator 创建生成器
func NewGenerator(client CompletionClient, opts GeneratorOptions) (*Generator, error) {
	if client == nil {
		return nil, apperrors.NewConfigurationError("completion client is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = DefaultHistoryTurns
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = knowledge.DefaultRetryPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger.Info("Initialized generator",
		zap.String("model", client.Model()),
		zap.Float32("temperature", opts.Temperature))

	return &Generator{
		client:       client,
		temperature:  opts.Temperature,
		maxTokens:    opts.MaxTokens,
		historyTurns: opts.HistoryTurns,
		retry:        opts.Retry,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}, nil
}

// Model 返回生成模型名
func (g *Generator) Model() string {
	return g.client.Model()
}

func (g *Generator) buildRequest(query, contextText string, history []HistoryMessage) CompletionRequest {
	return CompletionRequest{
		System:      SystemPrompt,
		User:        BuildChatPrompt(query, contextText, history, g.historyTurns),
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	}
}

func (g *Generator) notifyRetry(err error, wait time.Duration) {
	g.logger.Warn("Completion request failed, retrying", zap.Duration("wait", wait), zap.Error(err))
}

func generationError(err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.NewExternalError(apperrors.ErrCodeGenerationFailed, "answer generation failed").WithCause(err)
}

// Generate 阻塞生成完整回答
func (g *Generator) Generate(ctx context.Context, query, contextText string, history []HistoryMessage) (string, error) {
	start := time.Now()
	req := g.buildRequest(query, contextText, history)

	var answer string
	err := g.retry.Do(ctx, func(ctx context.Context) error {
		text, err := g.client.Complete(ctx, req)
		if err != nil {
			return err
		}
		answer = text
		return nil
	}, g.notifyRetry)
	if err != nil {
		g.logger.Error("Error generating response", zap.Error(err))
		return "", generationError(err)
	}

	g.metrics.ObserveGeneration("blocking", time.Since(start))
	g.logger.Info("Generated response", zap.Int("characters", len(answer)))
	return answer, nil
}

// GenerateStream 打开片段流；只有建立连接的过程会重试
func (g *Generator) GenerateStream(ctx context.Context, query, contextText string, history []HistoryMessage) (FragmentStream, error) {
	req := g.buildRequest(query, contextText, history)

	var stream FragmentStream
	err := g.retry.Do(ctx, func(ctx context.Context) error {
		s, err := g.client.Stream(ctx, req)
		if err != nil {
			return err
		}
		stream = s
		return nil
	}, g.notifyRetry)
	if err != nil {
		g.logger.Error("Error opening response stream", zap.Error(err))
		return nil, generationError(err)
	}
	return &timedStream{FragmentStream: stream, start: time.Now(), metrics: g.metrics}, nil
}

// GenerateWithSources 生成回答并附带来源
func (g *Generator) GenerateWithSources(ctx context.Context, query string, results []knowledge.RetrievedResult, history []HistoryMessage) (*Answer, error) {
	answer, err := g.Generate(ctx, query, FormatContext(results), history)
	if err != nil {
		return nil, err
	}
	return &Answer{
		Answer:      answer,
		Sources:     knowledge.ProjectSources(results),
		ContextUsed: len(results),
	}, nil
}

// timedStream 在关闭时记录流式生成耗时
type timedStream struct {
	FragmentStream
	start   time.Time
	metrics *metrics.Metrics
	closed  bool
}

func (s *timedStream) Close() error {
	if !s.closed {
		s.closed = true
		s.metrics.ObserveGeneration("stream", time.Since(s.start))
	}
	return s.FragmentStream.Close()
}
