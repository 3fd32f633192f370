package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// VectorCache 向量缓存，Get 返回与 keys 对齐的结果，未命中为 nil
type VectorCache interface {
	Get(ctx context.Context, keys []string) ([][]float32, error)
	Set(ctx context.Context, key string, vector []float32) error
}

// RedisVectorCache 基于Redis的向量缓存
type RedisVectorCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisVectorCache 创建Redis向量缓存
func NewRedisVectorCache(client *redis.Client, ttl time.Duration) *RedisVectorCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisVectorCache{client: client, ttl: ttl}
}

func (c *RedisVectorCache) Get(ctx context.Context, keys []string) ([][]float32, error) {
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([][]float32, len(keys))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			continue
		}
		out[i] = vec
	}
	return out, nil
}

func (c *RedisVectorCache) Set(ctx context.Context, key string, vector []float32) error {
	data, err := json.Marshal(vector)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// CachedEmbeddingClient 带缓存的向量化客户端，缓存故障时直接访问上游
type CachedEmbeddingClient struct {
	next   EmbeddingClient
	cache  VectorCache
	logger *zap.Logger
}

// NewCachedEmbeddingClient 包装向量化客户端
func NewCachedEmbeddingClient(next EmbeddingClient, cache VectorCache, logger *zap.Logger) *CachedEmbeddingClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedEmbeddingClient{next: next, cache: cache, logger: logger}
}

func (c *CachedEmbeddingClient) Model() string {
	return c.next.Model()
}

func (c *CachedEmbeddingClient) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + c.next.Model() + ":" + hex.EncodeToString(sum[:])
}

func (c *CachedEmbeddingClient) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = c.cacheKey(text)
	}

	cached, err := c.cache.Get(ctx, keys)
	if err != nil {
		c.logger.Warn("Embedding cache lookup failed", zap.Error(err))
		cached = nil
	}

	out := make([][]float32, len(texts))
	var missTexts []string
	var missPos []int
	for i := range texts {
		if i < len(cached) && len(cached[i]) > 0 {
			out[i] = cached[i]
			continue
		}
		missTexts = append(missTexts, texts[i])
		missPos = append(missPos, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := c.next.CreateEmbeddings(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("embedding client returned %d vectors for %d inputs", len(vectors), len(missTexts))
	}
	for j, pos := range missPos {
		out[pos] = vectors[j]
		if len(vectors[j]) == 0 {
			continue
		}
		if err := c.cache.Set(ctx, keys[pos], vectors[j]); err != nil {
			c.logger.Warn("Embedding cache write failed", zap.Error(err))
		}
	}
	return out, nil
}
