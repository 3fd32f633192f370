package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
	"github.com/aihub/rag-assistant/internal/kafka"
	"github.com/aihub/rag-assistant/internal/models"
	"github.com/aihub/rag-assistant/internal/rag"
	"github.com/google/uuid"
)

// memoryStore 内存版会话存储
type memoryStore struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	messages      map[string][]models.Message
	clock         time.Time
	deleted       []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		conversations: map[string]*models.Conversation{},
		messages:      map[string][]models.Message{},
		clock:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *memoryStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

// seed 按顺序创建 n 个会话，第一个最旧
func (m *memoryStore) seed(ownerID string, n int) []string {
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		conv := &models.Conversation{ID: newID(ownerID, i), OwnerID: ownerID}
		_ = m.CreateConversation(context.Background(), conv)
		ids[i] = conv.ID
	}
	return ids
}

func newID(owner string, i int) string {
	return fmt.Sprintf("%s-%03d", owner, i)
}

func newConversation(ownerID string) *models.Conversation {
	return &models.Conversation{ID: uuid.NewString(), OwnerID: ownerID}
}

func (m *memoryStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.tick()
	conv.CreatedAt, conv.UpdatedAt = now, now
	c := *conv
	m.conversations[conv.ID] = &c
	return nil
}

func (m *memoryStore) GetConversation(ctx context.Context, ownerID, id string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok || conv.OwnerID != ownerID {
		return nil, apperrors.NewNotFoundError("conversation")
	}
	c := *conv
	return &c, nil
}

func (m *memoryStore) owned(ownerID string) []models.Conversation {
	out := []models.Conversation{}
	for _, c := range m.conversations {
		if c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out
}

func (m *memoryStore) ListConversations(ctx context.Context, ownerID string, limit, offset int) ([]models.Conversation, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.owned(ownerID)
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	total := int64(len(all))
	if offset >= len(all) {
		return []models.Conversation{}, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (m *memoryStore) CountConversations(ctx context.Context, ownerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.owned(ownerID))), nil
}

func (m *memoryStore) OldestConversationIDs(ctx context.Context, ownerID string, n int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.owned(ownerID)
	if n > len(all) {
		n = len(all)
	}
	ids := make([]string, 0, n)
	for _, c := range all[:n] {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (m *memoryStore) DeleteConversations(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.messages, id)
		delete(m.conversations, id)
		m.deleted = append(m.deleted, id)
	}
	return nil
}

func (m *memoryStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := append([]models.Message(nil), m.messages[conversationID]...)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (m *memoryStore) AppendTurn(ctx context.Context, conversationID string, messages []models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		return apperrors.NewNotFoundError("conversation")
	}
	for _, msg := range messages {
		msg.ConversationID = conversationID
		msg.CreatedAt = m.tick()
		m.messages[conversationID] = append(m.messages[conversationID], msg)
	}
	conv.UpdatedAt = m.tick()
	return nil
}

func (m *memoryStore) messageCount(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[conversationID])
}

func (m *memoryStore) conversationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conversations)
}

// fakeEngine 可编排的问答流水线
type fakeEngine struct {
	mu       sync.Mutex
	result   *rag.QueryResult
	err      error
	events   []rag.StreamEvent
	requests []rag.QueryRequest
}

func (f *fakeEngine) Query(ctx context.Context, req rag.QueryRequest) (*rag.QueryResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeEngine) QueryStream(ctx context.Context, req rag.QueryRequest) <-chan rag.StreamEvent {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	ch := make(chan rag.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range f.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (f *fakeEngine) lastRequest() rag.QueryRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

// recordingPublisher 记录发布的事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []kafka.TurnEvent
	err    error
}

func (p *recordingPublisher) PublishTurn(ctx context.Context, event kafka.TurnEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) published() []kafka.TurnEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafka.TurnEvent(nil), p.events...)
}
