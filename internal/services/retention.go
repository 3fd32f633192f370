package services

import (
	"context"

	"github.com/aihub/rag-assistant/internal/metrics"
	"go.uber.org/zap"
)

// DefaultMaxConversations 每个属主保留的会话上限
const DefaultMaxConversations = 50

// RetentionPolicy 创建新会话前淘汰最旧的会话。
// 计数与删除不在同一事务中，并发创建时上限可能被短暂超过。
type RetentionPolicy struct {
	store   ConversationStore
	max     int
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRetentionPolicy 创建保留策略
func NewRetentionPolicy(store ConversationStore, max int, logger *zap.Logger, m *metrics.Metrics) *RetentionPolicy {
	if max <= 0 {
		max = DefaultMaxConversations
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionPolicy{store: store, max: max, logger: logger, metrics: m}
}

// Max 返回会话上限
func (r *RetentionPolicy) Max() int {
	return r.max
}

// BeforeCreate 数量达到上限时删除 count-(max-1) 个最旧会话，返回删除数量
func (r *RetentionPolicy) BeforeCreate(ctx context.Context, ownerID string) (int, error) {
	count, err := r.store.CountConversations(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if count < int64(r.max) {
		return 0, nil
	}

	excess := int(count) - (r.max - 1)
	ids, err := r.store.OldestConversationIDs(ctx, ownerID, excess)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := r.store.DeleteConversations(ctx, ids); err != nil {
		return 0, err
	}

	r.metrics.AddRetentionEvictions(len(ids))
	r.logger.Info("Evicted oldest conversations",
		zap.String("owner_id", ownerID),
		zap.Int64("count", count),
		zap.Int("deleted", len(ids)))
	return len(ids), nil
}
