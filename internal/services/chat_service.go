package services

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
	"github.com/aihub/rag-assistant/internal/kafka"
	"github.com/aihub/rag-assistant/internal/knowledge"
	"github.com/aihub/rag-assistant/internal/metrics"
	"github.com/aihub/rag-assistant/internal/models"
	"github.com/aihub/rag-assistant/internal/rag"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	DefaultTitleLength  = 50
	DefaultHistoryLimit = 10
	DefaultPageSize     = 20
	MaxPageSize         = 100

	publishTimeout = 5 * time.Second
)

// QueryEngine 问答流水线
type QueryEngine interface {
	Query(ctx context.Context, req rag.QueryRequest) (*rag.QueryResult, error)
	QueryStream(ctx context.Context, req rag.QueryRequest) <-chan rag.StreamEvent
}

// TurnPublisher 问答完成事件发布
type TurnPublisher interface {
	PublishTurn(ctx context.Context, event kafka.TurnEvent) error
}

// ChatRequest 对话请求
type ChatRequest struct {
	Message        string `json:"message" validate:"notblank,max=8000"`
	ConversationID string `json:"conversation_id,omitempty" validate:"omitempty,uuid"`
	SourceType     string `json:"source_type,omitempty" validate:"omitempty,source_type"`
}

// ChatResponse 阻塞模式的对话响应
type ChatResponse struct {
	ConversationID   string             `json:"conversation_id"`
	Answer           string             `json:"answer"`
	Sources          []knowledge.Source `json:"sources"`
	ContextUsed      int                `json:"context_used"`
	RetrievalSuccess bool               `json:"retrieval_success"`
}

// ChatEventType 流式对话事件类型
type ChatEventType string

const (
	ChatEventToken    ChatEventType = "token"
	ChatEventComplete ChatEventType = "complete"
	ChatEventError    ChatEventType = "error"
)

// ChatEvent 流式对话事件
type ChatEvent struct {
	Type           ChatEventType      `json:"type"`
	Content        string             `json:"content,omitempty"`
	Answer         string             `json:"answer,omitempty"`
	Sources        []knowledge.Source `json:"sources,omitempty"`
	ContextUsed    int                `json:"context_used,omitempty"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Message        string             `json:"message,omitempty"`
}

// ConversationList 会话分页结果
type ConversationList struct {
	Items    []models.Conversation `json:"items"`
	Total    int64                 `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
}

// ConversationDetail 会话及其全部消息
type ConversationDetail struct {
	models.Conversation
	Messages     []models.Message `json:"messages"`
	MessageCount int              `json:"message_count"`
}

// ChatServiceOptions 对话服务参数
type ChatServiceOptions struct {
	TitleLength  int
	HistoryLimit int
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// ChatService 对话编排：历史 → 流水线 → 保留策略 → 持久化 → 事件发布
type ChatService struct {
	engine       QueryEngine
	store        ConversationStore
	retention    *RetentionPolicy
	publisher    TurnPublisher
	validator    *Validator
	titleLength  int
	historyLimit int
	logger       *zap.Logger
	metrics      *metrics.Metrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewChatService 创建对话服务，publisher 可为 nil
func NewChatService(engine QueryEngine, store ConversationStore, retention *RetentionPolicy, publisher TurnPublisher, opts ChatServiceOptions) *ChatService {
	if opts.TitleLength <= 0 {
		opts.TitleLength = DefaultTitleLength
	}
	if opts.HistoryLimit < 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if retention == nil {
		retention = NewRetentionPolicy(store, DefaultMaxConversations, opts.Logger, opts.Metrics)
	}
	return &ChatService{
		engine:       engine,
		store:        store,
		retention:    retention,
		publisher:    publisher,
		validator:    NewValidator(),
		titleLength:  opts.TitleLength,
		historyLimit: opts.HistoryLimit,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
}

// turnState 一轮对话的上下文
type turnState struct {
	ownerID      string
	conversation *models.Conversation
	isNew        bool
	query        rag.QueryRequest
}

// prepare 校验请求并加载已有会话的历史
func (s *ChatService) prepare(ctx context.Context, ownerID string, req ChatRequest, stream bool) (*turnState, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, apperrors.NewInvalidInputError("owner_id", "must not be empty")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}

	var sourceType knowledge.SourceType
	if req.SourceType != "" {
		st, err := knowledge.ParseSourceType(req.SourceType)
		if err != nil {
			return nil, apperrors.NewInvalidInputError("source_type", err.Error())
		}
		sourceType = st
	}

	state := &turnState{
		ownerID: ownerID,
		query: rag.QueryRequest{
			Question:   req.Message,
			SourceType: sourceType,
			Stream:     stream,
		},
	}

	if req.ConversationID == "" {
		state.isNew = true
		state.conversation = &models.Conversation{ID: uuid.NewString(), OwnerID: ownerID}
		return state, nil
	}

	conv, err := s.store.GetConversation(ctx, ownerID, req.ConversationID)
	if err != nil {
		return nil, err
	}
	state.conversation = conv

	if s.historyLimit > 0 {
		msgs, err := s.store.ListMessages(ctx, conv.ID, s.historyLimit)
		if err != nil {
			return nil, err
		}
		history := make([]rag.HistoryMessage, len(msgs))
		for i, m := range msgs {
			history[i] = rag.HistoryMessage{Role: m.Role, Content: m.Content}
		}
		state.query.History = history
	}
	return state, nil
}

// persist 保存本轮的用户消息和助手回答，新会话先执行保留策略再创建
func (s *ChatService) persist(ctx context.Context, state *turnState, answer string, sources []knowledge.Source) error {
	if state.isNew {
		if _, err := s.retention.BeforeCreate(ctx, state.ownerID); err != nil {
			return err
		}
		title := s.title(state.query.Question)
		state.conversation.Title = &title
		if err := s.store.CreateConversation(ctx, state.conversation); err != nil {
			return err
		}
	}

	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return apperrors.NewSystemError(apperrors.ErrCodeInternalServer, "failed to encode sources").WithCause(err)
	}

	return s.store.AppendTurn(ctx, state.conversation.ID, []models.Message{
		{Role: models.RoleUser, Content: state.query.Question},
		{Role: models.RoleAssistant, Content: answer, Sources: datatypes.JSON(sourcesJSON)},
	})
}

func (s *ChatService) title(message string) string {
	runes := []rune(strings.TrimSpace(message))
	if len(runes) > s.titleLength {
		runes = runes[:s.titleLength]
	}
	return string(runes)
}

// publish 异步发布事件，失败只记录日志
func (s *ChatService) publish(event kafka.TurnEvent) {
	if s.publisher == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("Chat service closed, dropping turn event",
			zap.String("conversation_id", event.ConversationID))
		s.metrics.ObserveTurnPublished(false)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		err := s.publisher.PublishTurn(ctx, event)
		s.metrics.ObserveTurnPublished(err == nil)
		if err != nil {
			s.logger.Warn("Failed to publish turn event",
				zap.String("conversation_id", event.ConversationID),
				zap.Error(err))
		}
	}()
}

func turnEvent(state *turnState, answer string, sources []knowledge.Source, contextUsed int, mode string) kafka.TurnEvent {
	return kafka.TurnEvent{
		ConversationID: state.conversation.ID,
		OwnerID:        state.ownerID,
		Question:       state.query.Question,
		Answer:         answer,
		Sources:        sources,
		ContextUsed:    contextUsed,
		Mode:           mode,
		Timestamp:      time.Now().UTC(),
	}
}

// Chat 阻塞模式对话
func (s *ChatService) Chat(ctx context.Context, ownerID string, req ChatRequest) (*ChatResponse, error) {
	state, err := s.prepare(ctx, ownerID, req, false)
	if err != nil {
		return nil, err
	}

	result, err := s.engine.Query(ctx, state.query)
	if err != nil {
		s.logger.Error("Chat query failed", zap.String("owner_id", ownerID), zap.Error(err))
		return nil, err
	}

	if err := s.persist(ctx, state, result.Answer, result.Sources); err != nil {
		s.logger.Error("Failed to persist chat turn",
			zap.String("conversation_id", state.conversation.ID),
			zap.Error(err))
		return nil, err
	}
	s.publish(turnEvent(state, result.Answer, result.Sources, result.ContextUsed, "blocking"))

	return &ChatResponse{
		ConversationID:   state.conversation.ID,
		Answer:           result.Answer,
		Sources:          result.Sources,
		ContextUsed:      result.ContextUsed,
		RetrievalSuccess: result.RetrievalSuccess,
	}, nil
}

// ChatStream 流式对话；只有收到 complete 后才持久化，ctx 取消后不写入任何内容
func (s *ChatService) ChatStream(ctx context.Context, ownerID string, req ChatRequest) (<-chan ChatEvent, error) {
	state, err := s.prepare(ctx, ownerID, req, true)
	if err != nil {
		return nil, err
	}

	upstream := s.engine.QueryStream(ctx, state.query)
	events := make(chan ChatEvent)

	go func() {
		defer close(events)
		defer func() {
			// 保证上游 goroutine 能退出
			for range upstream {
			}
		}()

		send := func(ev ChatEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for ev := range upstream {
			switch ev.Type {
			case rag.EventChunk:
				if !send(ChatEvent{Type: ChatEventToken, Content: ev.Content}) {
					return
				}
			case rag.EventError:
				send(ChatEvent{Type: ChatEventError, Message: ev.Message})
				return
			case rag.EventComplete:
				if ctx.Err() != nil {
					return
				}
				if err := s.persist(ctx, state, ev.Answer, ev.Sources); err != nil {
					s.logger.Error("Failed to persist streamed turn",
						zap.String("conversation_id", state.conversation.ID),
						zap.Error(err))
					send(ChatEvent{Type: ChatEventError, Message: rag.GenericErrorMessage})
					return
				}
				s.publish(turnEvent(state, ev.Answer, ev.Sources, ev.ContextUsed, "stream"))
				send(ChatEvent{
					Type:           ChatEventComplete,
					Answer:         ev.Answer,
					Sources:        ev.Sources,
					ContextUsed:    ev.ContextUsed,
					ConversationID: state.conversation.ID,
				})
				return
			}
		}
	}()

	return events, nil
}

// ListConversations 分页列出属主的会话
func (s *ChatService) ListConversations(ctx context.Context, ownerID string, page, pageSize int) (*ConversationList, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	items, total, err := s.store.ListConversations(ctx, ownerID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	return &ConversationList{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// GetConversation 返回会话及全部消息
func (s *ChatService) GetConversation(ctx context.Context, ownerID, id string) (*ConversationDetail, error) {
	conv, err := s.store.GetConversation(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, conv.ID, 0)
	if err != nil {
		return nil, err
	}
	return &ConversationDetail{Conversation: *conv, Messages: msgs, MessageCount: len(msgs)}, nil
}

// DeleteConversation 删除属主的会话及其消息
func (s *ChatService) DeleteConversation(ctx context.Context, ownerID, id string) error {
	conv, err := s.store.GetConversation(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteConversations(ctx, []string{conv.ID}); err != nil {
		return err
	}
	s.logger.Info("Conversation deleted", zap.String("owner_id", ownerID), zap.String("conversation_id", conv.ID))
	return nil
}

// Close 停止接收新的事件发布并等待未完成的发布；可重复调用
func (s *ChatService) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}
