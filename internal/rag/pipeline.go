package rag

import (
	"context"
	"errors"
	"io"
	"strings"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
	"github.com/aihub/rag-assistant/internal/knowledge"
	"github.com/aihub/rag-assistant/internal/metrics"
	"go.uber.org/zap"
)

const (
	// FallbackAnswer 阻塞模式下检索为空时的固定回答
	FallbackAnswer = "I couldn't find any relevant documentation to answer your question. Please try rephrasing or check if the information exists in our knowledge base."
	// NoResultsMessage 流式模式下检索为空时的错误事件内容
	NoResultsMessage = "I couldn't find any relevant documentation."
	// GenericErrorMessage 对外展示的通用错误信息，细节只写日志
	GenericErrorMessage = "An error occurred while processing your question. Please try again."
)

// QueryRequest 查询参数
type QueryRequest struct {
	Question   string
	SourceType knowledge.SourceType
	History    []HistoryMessage
	Stream     bool
}

// QueryResult 查询结果；Stream 模式下 AnswerStream 由调用方读取并关闭
type QueryResult struct {
	Answer           string             `json:"answer"`
	Sources          []knowledge.Source `json:"sources"`
	ContextUsed      int                `json:"context_used"`
	RetrievalSuccess bool               `json:"retrieval_success"`
	AnswerStream     FragmentStream     `json:"-"`
}

// PipelineStats 流水线状态
type PipelineStats struct {
	VectorStore    knowledge.IndexStats `json:"vector_store"`
	RetrievalTopK  int                  `json:"retrieval_top_k"`
	GeneratorModel string               `json:"generator_model"`
}

// Pipeline 检索增强问答流水线，构造后只读，可并发使用
type Pipeline struct {
	retriever *knowledge.Retriever
	generator *Generator
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewPipeline 创建流水线
func NewPipeline(retriever *knowledge.Retriever, generator *Generator, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Initialized RAG pipeline")
	return &Pipeline{retriever: retriever, generator: generator, logger: logger, metrics: m}
}

func validateQuestion(question string) error {
	if strings.TrimSpace(question) == "" {
		return apperrors.NewInvalidInputError("question", "must not be empty")
	}
	return nil
}

func previewQuestion(q string) string {
	runes := []rune(q)
	if len(runes) > 50 {
		return string(runes[:50]) + "..."
	}
	return q
}

// Query 检索后生成回答；检索为空返回固定回答而不是错误
func (p *Pipeline) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	mode := "blocking"
	if req.Stream {
		mode = "stream"
	}
	if err := validateQuestion(req.Question); err != nil {
		return nil, err
	}
	p.logger.Info("Processing query", zap.String("question", previewQuestion(req.Question)), zap.String("mode", mode))

	results, err := p.retriever.Retrieve(ctx, req.Question, knowledge.RetrieveOptions{SourceType: req.SourceType})
	if err != nil {
		p.metrics.ObserveQuery(mode, "error")
		return nil, err
	}

	if len(results) == 0 {
		p.metrics.ObserveQuery(mode, "no_results")
		return &QueryResult{
			Answer:           FallbackAnswer,
			Sources:          []knowledge.Source{},
			ContextUsed:      0,
			RetrievalSuccess: false,
		}, nil
	}

	if req.Stream {
		stream, err := p.generator.GenerateStream(ctx, req.Question, FormatContext(results), req.History)
		if err != nil {
			p.metrics.ObserveQuery(mode, "error")
			return nil, err
		}
		p.metrics.ObserveQuery(mode, "success")
		return &QueryResult{
			AnswerStream:     stream,
			Sources:          knowledge.FormatSources(results),
			ContextUsed:      len(results),
			RetrievalSuccess: true,
		}, nil
	}

	answer, err := p.generator.GenerateWithSources(ctx, req.Question, results, req.History)
	if err != nil {
		p.metrics.ObserveQuery(mode, "error")
		return nil, err
	}
	p.metrics.ObserveQuery(mode, "success")
	return &QueryResult{
		Answer:           answer.Answer,
		Sources:          answer.Sources,
		ContextUsed:      answer.ContextUsed,
		RetrievalSuccess: true,
	}, nil
}

// QueryStream 以事件流返回回答：若干 chunk 后跟一个 complete，或单个 error。
// ctx 取消后停止生产并关闭通道。
func (p *Pipeline) QueryStream(ctx context.Context, req QueryRequest) <-chan StreamEvent {
	events := make(chan StreamEvent)

	go func() {
		defer close(events)

		send := func(ev StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(err error) {
			p.logger.Error("Streaming query failed", zap.Error(err))
			p.metrics.ObserveQuery("stream", "error")
			send(errorEvent(GenericErrorMessage))
		}

		if err := validateQuestion(req.Question); err != nil {
			fail(err)
			return
		}

		results, err := p.retriever.Retrieve(ctx, req.Question, knowledge.RetrieveOptions{SourceType: req.SourceType})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fail(err)
			return
		}
		if len(results) == 0 {
			p.metrics.ObserveQuery("stream", "no_results")
			send(errorEvent(NoResultsMessage))
			return
		}

		sources := knowledge.FormatSources(results)
		stream, err := p.generator.GenerateStream(ctx, req.Question, FormatContext(results), req.History)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fail(err)
			return
		}
		defer stream.Close()

		var answer strings.Builder
		for {
			fragment, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				fail(err)
				return
			}
			answer.WriteString(fragment)
			if !send(chunkEvent(fragment)) {
				p.logger.Info("Stream consumer went away", zap.Int("answer_bytes", answer.Len()))
				return
			}
		}

		if send(completeEvent(answer.String(), sources, len(results))) {
			p.metrics.ObserveQuery("stream", "success")
		}
	}()

	return events
}

// Stats 返回索引统计和生成配置
func (p *Pipeline) Stats(ctx context.Context) (*PipelineStats, error) {
	stats, err := p.retriever.Index().Stats(ctx)
	if err != nil {
		return nil, apperrors.NewExternalError(apperrors.ErrCodeIndexUnavailable, "failed to read index stats").WithCause(err)
	}
	return &PipelineStats{
		VectorStore:    stats,
		RetrievalTopK:  p.retriever.TopK(),
		GeneratorModel: p.generator.Model(),
	}, nil
}

// Ready 向量索引可用时返回 true
func (p *Pipeline) Ready() bool {
	return p.retriever.Index().Ready()
}
