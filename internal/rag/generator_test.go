package rag

import (
	"context"
	"errors"
	"io"
	"testing"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
	"github.com/aihub/rag-assistant/internal/knowledge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGenerator(t *testing.T, client CompletionClient) *Generator {
	t.Helper()
	g, err := NewGenerator(client, GeneratorOptions{Temperature: DefaultTemperature, Retry: fastRetry()})
	require.NoError(t, err)
	return g
}

func TestNewOpenAICompletionClient_RequiresAPIKey(t *testing.T) {
	_, err := NewOpenAICompletionClient("  ", "", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))

	client, err := NewOpenAICompletionClient("sk-test", "", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultChatModel, client.Model())
}

func TestNewGenerator_RequiresClient(t *testing.T) {
	_, err := NewGenerator(nil, GeneratorOptions{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))
}

func TestGenerator_GenerateRetriesTransientFailures(t *testing.T) {
	client := &fakeCompletionClient{
		answer: "Use make release.",
		errs:   []error{errors.New("connection reset"), errors.New("connection reset")},
	}
	g := newTestGenerator(t, client)

	answer, err := g.Generate(context.Background(), "How do I deploy?", "CTX", nil)
	require.NoError(t, err)
	assert.Equal(t, "Use make release.", answer)
	assert.Equal(t, 3, client.callCount())

	req := client.requests[0]
	assert.Equal(t, SystemPrompt, req.System)
	assert.Contains(t, req.User, "Question: How do I deploy?")
	assert.Equal(t, float32(DefaultTemperature), req.Temperature)
	assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
}

func TestGenerator_GenerateExhaustedRetriesIsExternalError(t *testing.T) {
	boom := errors.New("upstream 503")
	client := &fakeCompletionClient{errs: []error{boom, boom, boom, boom}}
	g := newTestGenerator(t, client)

	_, err := g.Generate(context.Background(), "q", "CTX", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeExternal))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, client.callCount())
}

func TestGenerator_GenerateStream(t *testing.T) {
	client := &fakeCompletionClient{stream: &scriptedStream{fragments: []string{"Use ", "make ", "release."}}}
	g := newTestGenerator(t, client)

	stream, err := g.GenerateStream(context.Background(), "q", "CTX", []HistoryMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	var got []string
	for {
		f, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, f)
	}
	require.NoError(t, stream.Close())
	assert.Equal(t, []string{"Use ", "make ", "release."}, got)
	assert.True(t, client.stream.closed.Load())
	assert.Contains(t, client.requests[0].User, "Previous conversation:\nuser: hi")
}

func TestGenerator_GenerateWithSources(t *testing.T) {
	client := &fakeCompletionClient{answer: "See the runbook."}
	g := newTestGenerator(t, client)

	results := []knowledge.RetrievedResult{
		{Content: "steps", SimilarityScore: 0.8, Metadata: knowledge.ChunkMetadata{Title: "Runbook", URL: "u1", SourceType: knowledge.SourceWiki}},
		{Content: "code", SimilarityScore: 0.6, Metadata: knowledge.ChunkMetadata{SourceType: knowledge.SourceCode}},
	}
	answer, err := g.GenerateWithSources(context.Background(), "q", results, nil)
	require.NoError(t, err)

	assert.Equal(t, "See the runbook.", answer.Answer)
	assert.Equal(t, 2, answer.ContextUsed)
	require.Len(t, answer.Sources, 2)
	assert.Equal(t, knowledge.Source{Title: "Runbook", URL: "u1", SourceType: "wiki", SimilarityScore: 0.8}, answer.Sources[0])
	assert.Equal(t, "Untitled", answer.Sources[1].Title)
	assert.Contains(t, client.requests[0].User, "[Source 1]\nType: wiki\nTitle: Runbook")
}
