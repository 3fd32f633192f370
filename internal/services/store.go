package services

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
	"github.com/aihub/rag-assistant/internal/models"
	"gorm.io/gorm"
)

// ConversationStore 会话持久化
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, ownerID, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, ownerID string, limit, offset int) ([]models.Conversation, int64, error)
	CountConversations(ctx context.Context, ownerID string) (int64, error)
	OldestConversationIDs(ctx context.Context, ownerID string, n int) ([]string, error)
	DeleteConversations(ctx context.Context, ids []string) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	AppendTurn(ctx context.Context, conversationID string, messages []models.Message) error
}

// GormConversationStore 基于 gorm 的会话存储
type GormConversationStore struct {
	db *gorm.DB
}

// NewGormConversationStore 创建存储
func NewGormConversationStore(db *gorm.DB) *GormConversationStore {
	return &GormConversationStore{db: db}
}

func (s *GormConversationStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to create conversation").WithCause(err)
	}
	return nil
}

// GetConversation 按属主查询，不存在或不属于该属主时返回 NotFound
func (s *GormConversationStore) GetConversation(ctx context.Context, ownerID, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewNotFoundError("conversation")
	}
	if err != nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to load conversation").WithCause(err)
	}
	return &conv, nil
}

// ListConversations 按更新时间倒序分页
func (s *GormConversationStore) ListConversations(ctx context.Context, ownerID string, limit, offset int) ([]models.Conversation, int64, error) {
	var total int64
	base := s.db.WithContext(ctx).Model(&models.Conversation{}).Where("owner_id = ?", ownerID)
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to count conversations").WithCause(err)
	}

	convs := []models.Conversation{}
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&convs).Error
	if err != nil {
		return nil, 0, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to list conversations").WithCause(err)
	}
	return convs, total, nil
}

func (s *GormConversationStore) CountConversations(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("owner_id = ?", ownerID).
		Count(&count).Error
	if err != nil {
		return 0, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to count conversations").WithCause(err)
	}
	return count, nil
}

// OldestConversationIDs 返回最久未更新的 n 个会话ID
func (s *GormConversationStore) OldestConversationIDs(ctx context.Context, ownerID string, n int) ([]string, error) {
	ids := []string{}
	if n <= 0 {
		return ids, nil
	}
	err := s.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("owner_id = ?", ownerID).
		Order("updated_at ASC").
		Limit(n).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to select oldest conversations").WithCause(err)
	}
	return ids, nil
}

// DeleteConversations 在一个事务内先删消息再删会话
func (s *GormConversationStore) DeleteConversations(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id IN ?", ids).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&models.Conversation{}).Error
	})
	if err != nil {
		return apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to delete conversations").WithCause(err)
	}
	return nil
}

// ListMessages 返回最近 limit 条消息，按时间正序；limit<=0 返回全部
func (s *GormConversationStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	msgs := []models.Message{}
	q := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if limit > 0 {
		q = q.Order("created_at DESC").Limit(limit)
	} else {
		q = q.Order("created_at ASC")
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to list messages").WithCause(err)
	}
	if limit > 0 {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// AppendTurn 追加一轮消息并刷新会话的 updated_at
func (s *GormConversationStore) AppendTurn(ctx context.Context, conversationID string, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range messages {
		messages[i].ConversationID = conversationID
		if messages[i].CreatedAt.IsZero() {
			// 同一轮内保持 user 在 assistant 之前
			messages[i].CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&messages).Error; err != nil {
			return err
		}
		return tx.Model(&models.Conversation{}).
			Where("id = ?", conversationID).
			Update("updated_at", now.Add(time.Duration(len(messages))*time.Microsecond)).Error
	})
	if err != nil {
		return apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to append messages").WithCause(err)
	}
	return nil
}
