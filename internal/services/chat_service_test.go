package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
	"github.com/aihub/rag-assistant/internal/knowledge"
	"github.com/aihub/rag-assistant/internal/models"
	"github.com/aihub/rag-assistant/internal/rag"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func answerResult(answer string) *rag.QueryResult {
	return &rag.QueryResult{
		Answer:           answer,
		Sources:          []knowledge.Source{{Title: "Deploy runbook", URL: "https://wiki/deploy", SourceType: "wiki", SimilarityScore: 0.91}},
		ContextUsed:      1,
		RetrievalSuccess: true,
	}
}

func newTestChatService(engine QueryEngine, store ConversationStore, publisher TurnPublisher, max int) *ChatService {
	return NewChatService(engine, store, NewRetentionPolicy(store, max, nil, nil), publisher, ChatServiceOptions{
		TitleLength:  50,
		HistoryLimit: 10,
	})
}

func collect(t *testing.T, events <-chan ChatEvent) []ChatEvent {
	t.Helper()
	var out []ChatEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestChatService_ChatCreatesConversation(t *testing.T) {
	store := newMemoryStore()
	publisher := &recordingPublisher{}
	engine := &fakeEngine{result: answerResult("Run make release.")}
	svc := newTestChatService(engine, store, publisher, 50)

	resp, err := svc.Chat(context.Background(), "alice", ChatRequest{Message: "How do I deploy the billing service?"})
	require.NoError(t, err)
	svc.Close()

	assert.Equal(t, "Run make release.", resp.Answer)
	assert.True(t, resp.RetrievalSuccess)
	require.NotEmpty(t, resp.ConversationID)

	conv, err := store.GetConversation(context.Background(), "alice", resp.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, conv.Title)
	assert.Equal(t, "How do I deploy the billing service?", *conv.Title)

	msgs, err := store.ListMessages(context.Background(), resp.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Run make release.", msgs[1].Content)

	var sources []knowledge.Source
	require.NoError(t, json.Unmarshal(msgs[1].Sources, &sources))
	assert.Equal(t, "Deploy runbook", sources[0].Title)

	events := publisher.published()
	require.Len(t, events, 1)
	assert.Equal(t, resp.ConversationID, events[0].ConversationID)
	assert.Equal(t, "blocking", events[0].Mode)
}

func TestChatService_TitleTruncated(t *testing.T) {
	store := newMemoryStore()
	svc := newTestChatService(&fakeEngine{result: answerResult("ok")}, store, nil, 50)

	resp, err := svc.Chat(context.Background(), "alice", ChatRequest{Message: strings.Repeat("ü", 60)})
	require.NoError(t, err)

	conv, err := store.GetConversation(context.Background(), "alice", resp.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("ü", 50), *conv.Title)
}

func TestChatService_ContinuesConversationWithHistory(t *testing.T) {
	store := newMemoryStore()
	engine := &fakeEngine{result: answerResult("first answer")}
	svc := newTestChatService(engine, store, nil, 50)

	first, err := svc.Chat(context.Background(), "alice", ChatRequest{Message: "first question"})
	require.NoError(t, err)

	engine.result = answerResult("second answer")
	second, err := svc.Chat(context.Background(), "alice", ChatRequest{
		Message:        "second question",
		ConversationID: first.ConversationID,
		SourceType:     "confluence",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	req := engine.lastRequest()
	assert.Equal(t, knowledge.SourceWiki, req.SourceType)
	require.Len(t, req.History, 2)
	assert.Equal(t, rag.HistoryMessage{Role: "user", Content: "first question"}, req.History[0])
	assert.Equal(t, rag.HistoryMessage{Role: "assistant", Content: "first answer"}, req.History[1])

	assert.Equal(t, 4, store.messageCount(first.ConversationID))
	assert.Equal(t, 1, store.conversationCount())
}

func TestChatService_UnknownConversation(t *testing.T) {
	store := newMemoryStore()
	svc := newTestChatService(&fakeEngine{result: answerResult("ok")}, store, nil, 50)

	_, err := svc.Chat(context.Background(), "alice", ChatRequest{Message: "hi", ConversationID: uuid.NewString()})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestChatService_OtherOwnerCannotContinue(t *testing.T) {
	store := newMemoryStore()
	svc := newTestChatService(&fakeEngine{result: answerResult("ok")}, store, nil, 50)

	resp, err := svc.Chat(context.Background(), "alice", ChatRequest{Message: "hi"})
	require.NoError(t, err)

	_, err = svc.Chat(context.Background(), "mallory", ChatRequest{Message: "hi", ConversationID: resp.ConversationID})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestChatService_ValidationErrors(t *testing.T) {
	svc := newTestChatService(&fakeEngine{result: answerResult("ok")}, newMemoryStore(), nil, 50)

	cases := map[string]ChatRequest{
		"blank message":   {Message: "   "},
		"bad id":          {Message: "hi", ConversationID: "not-a-uuid"},
		"bad source type": {Message: "hi", SourceType: "jira"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Chat(context.Background(), "alice", req)
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
		})
	}

	_, err := svc.Chat(context.Background(), "", ChatRequest{Message: "hi"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestChatService_QueryFailurePersistsNothing(t *testing.T) {
	store := newMemoryStore()
	publisher := &recordingPublisher{}
	engine := &fakeEngine{err: apperrors.NewExternalError(apperrors.ErrCodeGenerationFailed, "answer generation failed")}
	svc := newTestChatService(engine, store, publisher, 50)

	_, err := svc.Chat(context.Background(), "alice", ChatRequest{Message: "hi"})
	require.Error(t, err)
	svc.Close()

	assert.Equal(t, 0, store.conversationCount())
	assert.Empty(t, publisher.published())
}

func TestChatService_PublishFailureDoesNotFailTurn(t *testing.T) {
	store := newMemoryStore()
	publisher := &recordingPublisher{err: errors.New("broker down")}
	svc := newTestChatService(&fakeEngine{result: answerResult("ok")}, store, publisher, 50)

	resp, err := svc.Chat(context.Background(), "alice", ChatRequest{Message: "hi"})
	require.NoError(t, err)
	svc.Close()

	assert.Equal(t, 2, store.messageCount(resp.ConversationID))
	assert.Len(t, publisher.published(), 1)
}

func TestChatService_CloseStopsPublishing(t *testing.T) {
	store := newMemoryStore()
	publisher := &recordingPublisher{}
	svc := newTestChatService(&fakeEngine{result: answerResult("ok")}, store, publisher, 50)

	_, err := svc.Chat(context.Background(), "alice", ChatRequest{Message: "first"})
	require.NoError(t, err)
	svc.Close()
	require.Len(t, publisher.published(), 1)

	resp, err := svc.Chat(context.Background(), "alice", ChatRequest{Message: "second"})
	require.NoError(t, err)
	svc.Close()

	assert.Equal(t, 2, store.messageCount(resp.ConversationID))
	assert.Len(t, publisher.published(), 1)
}

func TestChatService_ConcurrentTurnsDuringClose(t *testing.T) {
	store := newMemoryStore()
	publisher := &recordingPublisher{}
	svc := newTestChatService(&fakeEngine{result: answerResult("ok")}, store, publisher, 50)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Chat(context.Background(), "alice", ChatRequest{Message: "hi"})
			assert.NoError(t, err)
		}()
	}
	svc.Close()
	wg.Wait()
	svc.Close()

	assert.LessOrEqual(t, len(publisher.published()), 8)
}

func TestChatService_AppliesRetentionOnNewConversation(t *testing.T) {
	store := newMemoryStore()
	ids := store.seed("alice", 50)
	svc := newTestChatService(&fakeEngine{result: answerResult("ok")}, store, nil, 50)

	resp, err := svc.Chat(context.Background(), "alice", ChatRequest{Message: "the 51st"})
	require.NoError(t, err)

	count, err := store.CountConversations(context.Background(), "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 50, count)
	assert.Equal(t, []string{ids[0]}, store.deleted)

	_, err = store.GetConversation(context.Background(), "alice", resp.ConversationID)
	assert.NoError(t, err)
}

func TestChatService_ChatStream(t *testing.T) {
	store := newMemoryStore()
	publisher := &recordingPublisher{}
	sources := []knowledge.Source{{Title: "Runbook", SourceType: "wiki", ContentPreview: "deploy..."}}
	engine := &fakeEngine{events: []rag.StreamEvent{
		{Type: rag.EventChunk, Content: "Run "},
		{Type: rag.EventChunk, Content: "make release."},
		{Type: rag.EventComplete, Answer: "Run make release.", Sources: sources, ContextUsed: 1},
	}}
	svc := newTestChatService(engine, store, publisher, 50)

	events, err := svc.ChatStream(context.Background(), "alice", ChatRequest{Message: "How do I deploy?"})
	require.NoError(t, err)
	got := collect(t, events)
	svc.Close()

	require.Len(t, got, 3)
	assert.Equal(t, ChatEvent{Type: ChatEventToken, Content: "Run "}, got[0])
	assert.Equal(t, ChatEvent{Type: ChatEventToken, Content: "make release."}, got[1])

	complete := got[2]
	assert.Equal(t, ChatEventComplete, complete.Type)
	assert.Equal(t, "Run make release.", complete.Answer)
	assert.Equal(t, sources, complete.Sources)
	require.NotEmpty(t, complete.ConversationID)

	assert.Equal(t, 2, store.messageCount(complete.ConversationID))
	require.Len(t, publisher.published(), 1)
	assert.Equal(t, "stream", publisher.published()[0].Mode)
	assert.True(t, engine.lastRequest().Stream)
}

func TestChatService_ChatStreamErrorPersistsNothing(t *testing.T) {
	store := newMemoryStore()
	engine := &fakeEngine{events: []rag.StreamEvent{
		{Type: rag.EventError, Message: rag.NoResultsMessage},
	}}
	svc := newTestChatService(engine, store, nil, 50)

	events, err := svc.ChatStream(context.Background(), "alice", ChatRequest{Message: "unknown topic"})
	require.NoError(t, err)
	got := collect(t, events)

	require.Len(t, got, 1)
	assert.Equal(t, ChatEventError, got[0].Type)
	assert.Equal(t, rag.NoResultsMessage, got[0].Message)
	assert.Equal(t, 0, store.conversationCount())
}

func TestChatService_ChatStreamCancelledPersistsNothing(t *testing.T) {
	store := newMemoryStore()
	engine := &fakeEngine{events: []rag.StreamEvent{
		{Type: rag.EventChunk, Content: "a"},
		{Type: rag.EventChunk, Content: "b"},
		{Type: rag.EventComplete, Answer: "ab"},
	}}
	svc := newTestChatService(engine, store, nil, 50)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := svc.ChatStream(ctx, "alice", ChatRequest{Message: "hi"})
	require.NoError(t, err)

	first := <-events
	assert.Equal(t, ChatEventToken, first.Type)
	cancel()
	for ev := range events {
		assert.NotEqual(t, ChatEventComplete, ev.Type)
	}

	assert.Equal(t, 0, store.conversationCount())
}

func TestChatService_ChatStreamValidation(t *testing.T) {
	svc := newTestChatService(&fakeEngine{}, newMemoryStore(), nil, 50)

	events, err := svc.ChatStream(context.Background(), "alice", ChatRequest{Message: ""})
	require.Error(t, err)
	assert.Nil(t, events)
}

func TestChatService_ConversationManagement(t *testing.T) {
	store := newMemoryStore()
	svc := newTestChatService(&fakeEngine{result: answerResult("ok")}, store, nil, 50)
	ctx := context.Background()

	var ids []string
	for _, q := range []string{"one", "two", "three"} {
		resp, err := svc.Chat(ctx, "alice", ChatRequest{Message: q})
		require.NoError(t, err)
		ids = append(ids, resp.ConversationID)
	}

	list, err := svc.ListConversations(ctx, "alice", 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, list.Total)
	require.Len(t, list.Items, 2)
	assert.Equal(t, ids[2], list.Items[0].ID)

	detail, err := svc.GetConversation(ctx, "alice", ids[0])
	require.NoError(t, err)
	assert.Equal(t, 2, detail.MessageCount)
	assert.Equal(t, "one", detail.Messages[0].Content)

	_, err = svc.GetConversation(ctx, "bob", ids[0])
	assert.True(t, apperrors.IsNotFound(err))

	require.NoError(t, svc.DeleteConversation(ctx, "alice", ids[0]))
	assert.True(t, apperrors.IsNotFound(svc.DeleteConversation(ctx, "alice", ids[0])))
	assert.Equal(t, 0, store.messageCount(ids[0]))
}

func TestChatService_ListConversationsPaging(t *testing.T) {
	svc := newTestChatService(&fakeEngine{}, newMemoryStore(), nil, 50)

	list, err := svc.ListConversations(context.Background(), "alice", 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Page)
	assert.Equal(t, MaxPageSize, list.PageSize)
	assert.Empty(t, list.Items)
}
