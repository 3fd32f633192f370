package rag

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aihub/rag-assistant/internal/knowledge"
)

func fastRetry() knowledge.RetryPolicy {
	return knowledge.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
}

// scriptedStream 依次返回片段，片段耗尽后返回 err 或 io.EOF
type scriptedStream struct {
	fragments []string
	err       error
	pos       int
	closed    atomic.Bool
}

func (s *scriptedStream) Recv() (string, error) {
	if s.pos < len(s.fragments) {
		f := s.fragments[s.pos]
		s.pos++
		return f, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeCompletionClient 按调用顺序返回 errs 中的错误，之后成功
type fakeCompletionClient struct {
	mu       sync.Mutex
	answer   string
	stream   *scriptedStream
	errs     []error
	calls    int
	requests []CompletionRequest
}

func (f *fakeCompletionClient) Model() string { return "fake-chat" }

func (f *fakeCompletionClient) next(req CompletionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)
	if f.calls <= len(f.errs) {
		return f.errs[f.calls-1]
	}
	return nil
}

func (f *fakeCompletionClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if err := f.next(req); err != nil {
		return "", err
	}
	return f.answer, nil
}

func (f *fakeCompletionClient) Stream(ctx context.Context, req CompletionRequest) (FragmentStream, error) {
	if err := f.next(req); err != nil {
		return nil, err
	}
	if f.stream == nil {
		return NewSliceFragmentStream(f.answer), nil
	}
	return f.stream, nil
}

func (f *fakeCompletionClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixedEmbedder struct {
	vector []float32
}

func (e fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.vector, nil
}
