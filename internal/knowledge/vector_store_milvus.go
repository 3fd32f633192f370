package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"
)

const (
	milvusFieldID         = "id"
	milvusFieldSourceType = "source_type"
	milvusFieldDocumentID = "document_id"
	milvusFieldRepoName   = "repo_name"
	milvusFieldContent    = "content"
	milvusFieldMetadata   = "metadata"
	milvusFieldVector     = "vector"

	milvusContentMaxLength = 65535
)

// MilvusOptions Milvus客户端配置
type MilvusOptions struct {
	VectorIndexOptions
	Address  string
	Username string
	Password string
	Database string
	UseTLS   bool
}

type milvusVectorIndex struct {
	milvusClient client.Client
	opts         VectorIndexOptions
	logger       *zap.Logger

	mu     sync.Mutex
	loaded bool
}

// NewMilvusVectorIndex 创建Milvus向量索引
func NewMilvusVectorIndex(ctx context.Context, opts MilvusOptions) (VectorIndex, error) {
	opts.applyDefaults()
	if opts.Address == "" {
		opts.Address = "localhost:19530"
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.VectorSize <= 0 {
		opts.VectorSize = EmbeddingDimensions(DefaultEmbeddingModel)
	}

	milvusClient, err := client.NewClient(ctx, client.Config{
		Address:       opts.Address,
		DBName:        opts.Database,
		Username:      opts.Username,
		Password:      opts.Password,
		EnableTLSAuth: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	return newMilvusVectorIndex(milvusClient, opts.VectorIndexOptions), nil
}

func newMilvusVectorIndex(c client.Client, opts VectorIndexOptions) *milvusVectorIndex {
	opts.applyDefaults()
	return &milvusVectorIndex{
		milvusClient: c,
		opts:         opts,
		logger:       opts.Logger,
	}
}

func (s *milvusVectorIndex) schema() *entity.Schema {
	return &entity.Schema{
		CollectionName: s.opts.Collection,
		Description:    "Documentation chunks for retrieval",
		Fields: []*entity.Field{
			{
				Name:       milvusFieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "512"},
			},
			{
				Name:       milvusFieldSourceType,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "32"},
			},
			{
				Name:       milvusFieldDocumentID,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "512"},
			},
			{
				Name:       milvusFieldRepoName,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "256"},
			},
			{
				Name:       milvusFieldContent,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": strconv.Itoa(milvusContentMaxLength)},
			},
			{
				Name:     milvusFieldMetadata,
				DataType: entity.FieldTypeJSON,
			},
			{
				Name:     milvusFieldVector,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": strconv.Itoa(s.opts.VectorSize),
				},
			},
		},
	}
}

func (s *milvusVectorIndex) ensureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	name := s.opts.Collection
	hasCollection, err := s.milvusClient.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !hasCollection {
		if err := s.milvusClient.CreateCollection(ctx, s.schema(), entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		index, err := entity.NewIndexHNSW(entity.COSINE, 8, 64)
		if err != nil {
			return fmt.Errorf("failed to build index params: %w", err)
		}
		if err := s.milvusClient.CreateIndex(ctx, name, milvusFieldVector, index, false); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
		s.logger.Info("Created milvus collection",
			zap.String("collection", name),
			zap.Int("dim", s.opts.VectorSize))
	}

	if err := s.milvusClient.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	s.loaded = true
	return nil
}

func (s *milvusVectorIndex) Add(ctx context.Context, records []VectorRecord) (int, error) {
	valid := prepareRecords(records, s.opts.VectorSize, s.logger)
	if len(valid) == 0 {
		return 0, nil
	}
	if err := s.ensureCollection(ctx); err != nil {
		return 0, err
	}

	added := 0
	for _, batch := range batches(valid, s.opts.InsertBatchSize) {
		columns, err := milvusColumns(batch, s.opts.VectorSize)
		if err != nil {
			return added, err
		}
		// Upsert 保证重复写入同一分块ID时覆盖
		if _, err := s.milvusClient.Upsert(ctx, s.opts.Collection, "", columns...); err != nil {
			return added, fmt.Errorf("milvus insert failed: %w", err)
		}
		added += len(batch)
	}

	if err := s.milvusClient.Flush(ctx, s.opts.Collection, false); err != nil {
		s.logger.Warn("Failed to flush collection", zap.String("collection", s.opts.Collection), zap.Error(err))
	}
	return added, nil
}

func milvusColumns(batch []VectorRecord, dim int) ([]entity.Column, error) {
	ids := make([]string, len(batch))
	sourceTypes := make([]string, len(batch))
	documentIDs := make([]string, len(batch))
	repoNames := make([]string, len(batch))
	contents := make([]string, len(batch))
	metadata := make([][]byte, len(batch))
	vectors := make([][]float32, len(batch))

	for i, r := range batch {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata for %s: %w", r.ID, err)
		}
		ids[i] = r.ID
		sourceTypes[i] = string(r.Metadata.SourceType)
		documentIDs[i] = r.Metadata.DocumentID
		repoNames[i] = r.Metadata.RepoName
		contents[i] = truncateBytes(r.Text, milvusContentMaxLength)
		metadata[i] = meta
		vectors[i] = r.Embedding
	}

	return []entity.Column{
		entity.NewColumnVarChar(milvusFieldID, ids),
		entity.NewColumnVarChar(milvusFieldSourceType, sourceTypes),
		entity.NewColumnVarChar(milvusFieldDocumentID, documentIDs),
		entity.NewColumnVarChar(milvusFieldRepoName, repoNames),
		entity.NewColumnVarChar(milvusFieldContent, contents),
		entity.NewColumnJSONBytes(milvusFieldMetadata, metadata),
		entity.NewColumnFloatVector(milvusFieldVector, dim, vectors),
	}, nil
}

// truncateBytes 按字节截断且不破坏UTF-8字符
func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut]
}

func milvusFilterExpr(filter Filter) string {
	var parts []string
	if filter.SourceType != "" {
		parts = append(parts, fmt.Sprintf("%s == %s", milvusFieldSourceType, strconv.Quote(string(filter.SourceType))))
	}
	if filter.DocumentID != "" {
		parts = append(parts, fmt.Sprintf("%s == %s", milvusFieldDocumentID, strconv.Quote(filter.DocumentID)))
	}
	if filter.RepoName != "" {
		parts = append(parts, fmt.Sprintf("%s == %s", milvusFieldRepoName, strconv.Quote(filter.RepoName)))
	}
	return strings.Join(parts, " && ")
}

func (s *milvusVectorIndex) Search(ctx context.Context, query []float32, k int, filter Filter) ([]SearchHit, error) {
	if len(query) == 0 || k <= 0 {
		return []SearchHit{}, nil
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}

	sp, _ := entity.NewIndexHNSWSearchParam(64)
	searchResults, err := s.milvusClient.Search(
		ctx,
		s.opts.Collection,
		[]string{},
		milvusFilterExpr(filter),
		[]string{milvusFieldContent, milvusFieldMetadata},
		[]entity.Vector{entity.FloatVector(query)},
		milvusFieldVector,
		entity.COSINE,
		k,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("milvus search failed: %w", err)
	}
	if len(searchResults) == 0 {
		return []SearchHit{}, nil
	}
	result := searchResults[0]
	if result.Err != nil {
		return nil, fmt.Errorf("milvus search error: %w", result.Err)
	}

	ids := varcharData(result.IDs)
	contents := varcharData(result.Fields.GetColumn(milvusFieldContent))
	metadata := jsonData(result.Fields.GetColumn(milvusFieldMetadata))

	hits := make([]SearchHit, 0, result.ResultCount)
	for i := 0; i < result.ResultCount; i++ {
		hit := SearchHit{}
		if i < len(ids) {
			hit.ID = ids[i]
		}
		if i < len(contents) {
			hit.Text = contents[i]
		}
		if i < len(metadata) {
			hit.Metadata = decodeMetadata(metadata[i], s.logger)
		}
		// COSINE 度量返回相似度，转换为距离
		if i < len(result.Scores) {
			hit.Distance = 1 - float64(result.Scores[i])
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func varcharData(col entity.Column) []string {
	if c, ok := col.(*entity.ColumnVarChar); ok {
		return c.Data()
	}
	return nil
}

func jsonData(col entity.Column) [][]byte {
	if c, ok := col.(*entity.ColumnJSONBytes); ok {
		return c.Data()
	}
	return nil
}

func decodeMetadata(raw []byte, logger *zap.Logger) ChunkMetadata {
	var meta ChunkMetadata
	if len(raw) == 0 {
		return meta
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		logger.Warn("Failed to decode record metadata", zap.Error(err))
	}
	return meta
}

func (s *milvusVectorIndex) Get(ctx context.Context, id string) (*VectorRecord, error) {
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}

	rs, err := s.milvusClient.Query(ctx, s.opts.Collection, []string{},
		fmt.Sprintf("%s in [%s]", milvusFieldID, strconv.Quote(id)),
		[]string{milvusFieldID, milvusFieldContent, milvusFieldMetadata, milvusFieldVector},
	)
	if err != nil {
		return nil, fmt.Errorf("milvus query failed: %w", err)
	}

	ids := varcharData(rs.GetColumn(milvusFieldID))
	if len(ids) == 0 {
		return nil, nil
	}
	r := &VectorRecord{ID: ids[0]}
	if contents := varcharData(rs.GetColumn(milvusFieldContent)); len(contents) > 0 {
		r.Text = contents[0]
	}
	if metadata := jsonData(rs.GetColumn(milvusFieldMetadata)); len(metadata) > 0 {
		r.Metadata = decodeMetadata(metadata[0], s.logger)
	}
	if col, ok := rs.GetColumn(milvusFieldVector).(*entity.ColumnFloatVector); ok && len(col.Data()) > 0 {
		r.Embedding = col.Data()[0]
	}
	return r, nil
}

func (s *milvusVectorIndex) Delete(ctx context.Context, id string) (bool, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}

	expr := fmt.Sprintf("%s in [%s]", milvusFieldID, strconv.Quote(id))
	if err := s.milvusClient.Delete(ctx, s.opts.Collection, "", expr); err != nil {
		return false, fmt.Errorf("milvus delete failed: %w", err)
	}
	return true, nil
}

func (s *milvusVectorIndex) Reset(ctx context.Context) error {
	s.mu.Lock()
	has, err := s.milvusClient.HasCollection(ctx, s.opts.Collection)
	if err == nil && has {
		err = s.milvusClient.DropCollection(ctx, s.opts.Collection)
	}
	s.loaded = false
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}

	s.logger.Info("Vector index reset", zap.String("collection", s.opts.Collection))
	return s.ensureCollection(ctx)
}

func (s *milvusVectorIndex) Stats(ctx context.Context) (IndexStats, error) {
	stats := IndexStats{Collection: s.opts.Collection, Provider: "milvus", SourceTypes: map[string]int{}}
	if err := s.ensureCollection(ctx); err != nil {
		return stats, err
	}

	countRS, err := s.milvusClient.Query(ctx, s.opts.Collection, []string{}, "", []string{"count(*)"})
	if err != nil {
		return stats, fmt.Errorf("milvus count failed: %w", err)
	}
	if col, ok := countRS.GetColumn("count(*)").(*entity.ColumnInt64); ok && len(col.Data()) > 0 {
		stats.TotalDocuments = col.Data()[0]
	}

	sampleRS, err := s.milvusClient.Query(ctx, s.opts.Collection, []string{},
		fmt.Sprintf("%s != \"\"", milvusFieldID),
		[]string{milvusFieldSourceType},
		client.WithLimit(int64(s.opts.StatsSampleSize)),
	)
	if err != nil {
		return stats, fmt.Errorf("milvus sample query failed: %w", err)
	}
	sample := varcharData(sampleRS.GetColumn(milvusFieldSourceType))
	types := make([]SourceType, len(sample))
	for i, st := range sample {
		types[i] = SourceType(st)
	}
	stats.SourceTypes = sampleSourceTypes(types)
	stats.SampleSize = len(sample)
	return stats, nil
}

func (s *milvusVectorIndex) Ready() bool {
	if s.milvusClient == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.milvusClient.ListCollections(ctx)
	return err == nil
}

// Close 关闭Milvus连接
func (s *milvusVectorIndex) Close() error {
	return s.milvusClient.Close()
}
