package rag

import (
	"context"
	"errors"
	"io"
	"strings"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
	openai "github.com/sashabaranov/go-openai"
)

const DefaultChatModel = "gpt-4-turbo-preview"

// CompletionRequest 一次补全调用的输入
type CompletionRequest struct {
	System      string
	User        string
	Temperature float32
	MaxTokens   int
}

// FragmentStream 有限且不可重放的回答片段流，结束时 Recv 返回 io.EOF
type FragmentStream interface {
	Recv() (string, error)
	Close() error
}

// CompletionClient 外部文本补全能力
type CompletionClient interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Stream(ctx context.Context, req CompletionRequest) (FragmentStream, error)
	Model() string
}

// OpenAICompletionClient 基于 Chat Completions 接口
type OpenAICompletionClient struct {
	client *openai.Client
	model  string
}

// NewOpenAICompletionClient 创建补全客户端，缺少API Key视为配置错误
func NewOpenAICompletionClient(apiKey, baseURL, model string) (*OpenAICompletionClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, apperrors.NewConfigurationError("OPENAI_API_KEY is not set")
	}
	if model == "" {
		model = DefaultChatModel
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompletionClient{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (c *OpenAICompletionClient) Model() string {
	return c.model
}

func (c *OpenAICompletionClient) request(req CompletionRequest, stream bool) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

func (c *OpenAICompletionClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.request(req, false))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAICompletionClient) Stream(ctx context.Context, req CompletionRequest) (FragmentStream, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, c.request(req, true))
	if err != nil {
		return nil, err
	}
	return &openAIFragmentStream{stream: stream}, nil
}

type openAIFragmentStream struct {
	stream *openai.ChatCompletionStream
}

// Recv 跳过没有内容的增量
func (s *openAIFragmentStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if content := resp.Choices[0].Delta.Content; content != "" {
			return content, nil
		}
	}
}

func (s *openAIFragmentStream) Close() error {
	return s.stream.Close()
}

// sliceFragmentStream 将已知片段包装为流
type sliceFragmentStream struct {
	fragments []string
	pos       int
	closed    bool
}

// NewSliceFragmentStream 按顺序返回给定片段
func NewSliceFragmentStream(fragments ...string) FragmentStream {
	return &sliceFragmentStream{fragments: fragments}
}

func (s *sliceFragmentStream) Recv() (string, error) {
	if s.closed || s.pos >= len(s.fragments) {
		return "", io.EOF
	}
	f := s.fragments[s.pos]
	s.pos++
	return f, nil
}

func (s *sliceFragmentStream) Close() error {
	s.closed = true
	return nil
}
