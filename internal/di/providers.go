package di

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aihub/rag-assistant/internal/config"
	"github.com/aihub/rag-assistant/internal/database"
	apperrors "github.com/aihub/rag-assistant/internal/errors"
	"github.com/aihub/rag-assistant/internal/kafka"
	"github.com/aihub/rag-assistant/internal/knowledge"
	"github.com/aihub/rag-assistant/internal/metrics"
	"github.com/aihub/rag-assistant/internal/rag"
	"github.com/aihub/rag-assistant/internal/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const startupTimeout = 30 * time.Second

// RegisterProviders 注册所有依赖提供者；数据库、Redis 缓存、Kafka 只在配置时注册
func RegisterProviders(c *dig.Container, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) error {
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	providers := []interface{}{
		func() *config.Config { return cfg },
		func() *zap.Logger { return logger },
		func() prometheus.Registerer { return reg },
		func() *metrics.Metrics { return metrics.New(reg) },
		provideTokenizer,
		provideChunker,
		provideEmbeddingClient,
		provideEmbedder,
		provideVectorIndex,
		provideRetriever,
		provideIndexer,
		provideCompletionClient,
		provideGenerator,
		providePipeline,
		provideHealthChecker,
	}

	if cfg.Database.URL != "" {
		providers = append(providers,
			provideDatabase,
			provideConversationStore,
			provideRetentionPolicy,
			provideChatService,
		)
	}
	if cfg.Redis.Host != "" && cfg.Redis.EmbeddingCacheEnabled {
		providers = append(providers, provideRedis)
	}
	if cfg.Kafka.Enabled {
		providers = append(providers, provideProducer)
	}

	for _, p := range providers {
		if err := c.Provide(p); err != nil {
			return err
		}
	}

	vs := cfg.Knowledge.VectorStore
	if vs.Provider == "memory" && vs.SeedFromDocuments {
		if err := c.Decorate(seedMemoryIndex); err != nil {
			return err
		}
	}
	return nil
}

func provideDatabase(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*gorm.DB, error) {
	db, err := database.OpenPostgres(cfg.Database, logger.Named("database"))
	if err != nil {
		return nil, err
	}
	if reg != nil {
		sqlDB, err := db.DB()
		if err == nil {
			if err := database.RegisterPoolMetrics(reg, sqlDB, "conversations"); err != nil {
				logger.Warn("Failed to register pool metrics", zap.Error(err))
			}
		}
	}
	return db, nil
}

func provideRedis(cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	return database.OpenRedis(ctx, cfg.Redis, logger.Named("redis"))
}

func provideTokenizer(cfg *config.Config) (knowledge.Tokenizer, error) {
	return knowledge.NewTiktokenTokenizer(cfg.Knowledge.Encoding)
}

func provideChunker(cfg *config.Config, tokenizer knowledge.Tokenizer) (*knowledge.Chunker, error) {
	return knowledge.NewChunker(tokenizer, cfg.Knowledge.ChunkSize, cfg.Knowledge.ChunkOverlap)
}

func retryPolicy(cfg *config.Config) knowledge.RetryPolicy {
	policy := knowledge.DefaultRetryPolicy()
	r := cfg.Knowledge.Retry
	if r.MaxAttempts > 0 {
		policy.MaxAttempts = r.MaxAttempts
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval > 0 {
		policy.MaxInterval = r.MaxInterval
	}
	return policy
}

type embeddingClientParams struct {
	dig.In

	Config *config.Config
	Logger *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

// provideEmbeddingClient 启用缓存且 Redis 可用时包一层向量缓存
func provideEmbeddingClient(p embeddingClientParams) (knowledge.EmbeddingClient, error) {
	client, err := knowledge.NewOpenAIEmbeddingClient(p.Config.AI.OpenAIAPIKey, p.Config.AI.BaseURL, p.Config.AI.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	if p.Redis == nil || !p.Config.Redis.EmbeddingCacheEnabled {
		return client, nil
	}
	p.Logger.Info("Embedding cache enabled", zap.Duration("ttl", p.Config.Redis.EmbeddingCacheTTL))
	cache := knowledge.NewRedisVectorCache(p.Redis, p.Config.Redis.EmbeddingCacheTTL)
	return knowledge.NewCachedEmbeddingClient(client, cache, p.Logger.Named("embedding_cache")), nil
}

func provideEmbedder(cfg *config.Config, client knowledge.EmbeddingClient, logger *zap.Logger, m *metrics.Metrics) (*knowledge.Embedder, error) {
	return knowledge.NewEmbedder(client, knowledge.EmbedderOptions{
		BatchSize:  cfg.Knowledge.EmbeddingBatchSize,
		BatchDelay: cfg.Knowledge.EmbeddingBatchDelay,
		Retry:      retryPolicy(cfg),
		Logger:     logger.Named("embedder"),
		Metrics:    m,
	})
}

type vectorIndexParams struct {
	dig.In

	Config   *config.Config
	Logger   *zap.Logger
	Embedder *knowledge.Embedder
	DB       *gorm.DB `optional:"true"`
}

// resolveVectorSize 未配置时取 embedding 模型维度；配置值与已知模型维度不一致视为配置错误
func resolveVectorSize(configured int, embedder *knowledge.Embedder) (int, error) {
	dims := embedder.Dimensions()
	switch {
	case configured == 0 && dims == 0:
		return 0, apperrors.NewConfigurationError(fmt.Sprintf(
			"knowledge.vector_store.vector_size must be set for embedding model %q", embedder.Model()))
	case configured == 0:
		return dims, nil
	case dims != 0 && configured != dims:
		return 0, apperrors.NewConfigurationError(fmt.Sprintf(
			"knowledge.vector_store.vector_size %d does not match embedding model %q (%d dimensions)",
			configured, embedder.Model(), dims))
	default:
		return configured, nil
	}
}

// provideVectorIndex 按 provider 选择索引后端
func provideVectorIndex(p vectorIndexParams) (knowledge.VectorIndex, error) {
	vs := p.Config.Knowledge.VectorStore
	size, err := resolveVectorSize(vs.VectorSize, p.Embedder)
	if err != nil {
		return nil, err
	}
	opts := knowledge.VectorIndexOptions{
		Collection:      vs.Collection,
		VectorSize:      size,
		InsertBatchSize: vs.InsertBatchSize,
		StatsSampleSize: vs.StatsSampleSize,
		Logger:          p.Logger.Named("vector_store"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	switch vs.Provider {
	case "milvus":
		return knowledge.NewMilvusVectorIndex(ctx, knowledge.MilvusOptions{
			VectorIndexOptions: opts,
			Address:            vs.Milvus.Address,
			Username:           vs.Milvus.Username,
			Password:           vs.Milvus.Password,
			Database:           vs.Milvus.Database,
			UseTLS:             vs.Milvus.TLS,
		})
	case "pgvector":
		if p.DB == nil {
			return nil, fmt.Errorf("pgvector provider requires database.url")
		}
		return knowledge.NewPGVectorIndex(ctx, p.DB, opts)
	default:
		return knowledge.NewMemoryVectorIndex(opts), nil
	}
}

type seedParams struct {
	dig.In

	Config   *config.Config
	Index    knowledge.VectorIndex
	Chunker  *knowledge.Chunker
	Embedder *knowledge.Embedder
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// seedMemoryIndex 内存索引不落盘，进程启动时从 documents_dir 重建
func seedMemoryIndex(p seedParams) (knowledge.VectorIndex, error) {
	dir := p.Config.Knowledge.DocumentsDir
	logger := p.Logger.Named("indexer")
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		logger.Warn("Documents directory not found, memory index starts empty", zap.String("dir", dir))
		return p.Index, nil
	}

	indexer := knowledge.NewIndexer(p.Chunker, p.Embedder, p.Index, logger, p.Metrics)
	source := knowledge.NewDirectorySource(dir, knowledge.SourceWiki, p.Logger.Named("source"))
	report, err := indexer.IndexSources(context.Background(), source)
	if err != nil {
		logger.Warn("Failed to seed memory index", zap.String("dir", dir), zap.Error(err))
		return p.Index, nil
	}
	logger.Info("Seeded memory index",
		zap.String("dir", dir),
		zap.Int("documents", report.Documents),
		zap.Int("inserted", report.Inserted))
	return p.Index, nil
}

func provideRetriever(cfg *config.Config, embedder *knowledge.Embedder, index knowledge.VectorIndex, logger *zap.Logger, m *metrics.Metrics) *knowledge.Retriever {
	return knowledge.NewRetriever(embedder, index, knowledge.RetrieverOptions{
		TopK:     cfg.Knowledge.RetrievalTopK,
		MinScore: cfg.Knowledge.MinScore,
		Logger:   logger.Named("retriever"),
		Metrics:  m,
	})
}

func provideIndexer(chunker *knowledge.Chunker, embedder *knowledge.Embedder, index knowledge.VectorIndex, logger *zap.Logger, m *metrics.Metrics) *knowledge.Indexer {
	return knowledge.NewIndexer(chunker, embedder, index, logger.Named("indexer"), m)
}

func provideCompletionClient(cfg *config.Config) (rag.CompletionClient, error) {
	return rag.NewOpenAICompletionClient(cfg.AI.OpenAIAPIKey, cfg.AI.BaseURL, cfg.AI.ChatModel)
}

func provideGenerator(cfg *config.Config, client rag.CompletionClient, logger *zap.Logger, m *metrics.Metrics) (*rag.Generator, error) {
	return rag.NewGenerator(client, rag.GeneratorOptions{
		Temperature:  float32(cfg.AI.Temperature),
		MaxTokens:    cfg.AI.MaxTokens,
		HistoryTurns: cfg.AI.HistoryTurns,
		Retry:        retryPolicy(cfg),
		Logger:       logger.Named("generator"),
		Metrics:      m,
	})
}

func providePipeline(retriever *knowledge.Retriever, generator *rag.Generator, logger *zap.Logger, m *metrics.Metrics) *rag.Pipeline {
	return rag.NewPipeline(retriever, generator, logger.Named("pipeline"), m)
}

func provideConversationStore(db *gorm.DB) services.ConversationStore {
	return services.NewGormConversationStore(db)
}

func provideRetentionPolicy(cfg *config.Config, store services.ConversationStore, logger *zap.Logger, m *metrics.Metrics) *services.RetentionPolicy {
	return services.NewRetentionPolicy(store, cfg.Conversation.MaxPerOwner, logger.Named("retention"), m)
}

func provideProducer(cfg *config.Config, logger *zap.Logger) (*kafka.Producer, error) {
	return kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Named("kafka"))
}

type chatServiceParams struct {
	dig.In

	Config    *config.Config
	Pipeline  *rag.Pipeline
	Store     services.ConversationStore
	Retention *services.RetentionPolicy
	Producer  *kafka.Producer `optional:"true"`
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

func provideChatService(p chatServiceParams) *services.ChatService {
	var publisher services.TurnPublisher
	if p.Producer != nil {
		publisher = p.Producer
	}
	return services.NewChatService(p.Pipeline, p.Store, p.Retention, publisher, services.ChatServiceOptions{
		TitleLength:  p.Config.Conversation.TitleLength,
		HistoryLimit: p.Config.Conversation.HistoryLimit,
		Logger:       p.Logger.Named("chat"),
		Metrics:      p.Metrics,
	})
}

type healthParams struct {
	dig.In

	Logger *zap.Logger
	Index  knowledge.VectorIndex
	DB     *gorm.DB      `optional:"true"`
	Redis  *redis.Client `optional:"true"`
}

// provideHealthChecker 注册已配置组件的探针
func provideHealthChecker(p healthParams) *database.HealthChecker {
	hc := database.NewHealthChecker(p.Logger.Named("health"))
	hc.Register("vector_store", func(ctx context.Context) error {
		if !p.Index.Ready() {
			return fmt.Errorf("vector store not ready")
		}
		return nil
	})
	if p.DB != nil {
		if sqlDB, err := p.DB.DB(); err == nil {
			hc.Register("postgres", database.SQLProbe(sqlDB))
		}
	}
	if p.Redis != nil {
		hc.Register("redis", database.RedisProbe(p.Redis))
	}
	return hc
}
