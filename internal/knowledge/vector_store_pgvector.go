package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// vectorRecordRow pgvector表结构
type vectorRecordRow struct {
	ID         string          `gorm:"primaryKey;size:512"`
	SourceType string          `gorm:"size:32;index"`
	DocumentID string          `gorm:"size:512;index"`
	RepoName   string          `gorm:"size:256;index"`
	Content    string          `gorm:"type:text;not null"`
	Metadata   datatypes.JSON  `gorm:"type:jsonb"`
	Embedding  pgvector.Vector `gorm:"not null"`
	CreatedAt  time.Time
}

type pgvectorHit struct {
	ID       string
	Content  string
	Metadata datatypes.JSON
	Distance float64
}

// PGVectorIndex 基于Postgres pgvector扩展的向量索引，使用余弦距离
type PGVectorIndex struct {
	db     *gorm.DB
	opts   VectorIndexOptions
	logger *zap.Logger
}

// NewPGVectorIndex 创建pgvector向量索引，必要时创建扩展和表
func NewPGVectorIndex(ctx context.Context, db *gorm.DB, opts VectorIndexOptions) (*PGVectorIndex, error) {
	opts.applyDefaults()
	if opts.VectorSize <= 0 {
		opts.VectorSize = EmbeddingDimensions(DefaultEmbeddingModel)
	}
	s := &PGVectorIndex{db: db, opts: opts, logger: opts.Logger}
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGVectorIndex) table() *gorm.DB {
	return s.db.Table(s.opts.Collection)
}

func (s *PGVectorIndex) ensureTable(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("failed to enable pgvector extension: %w", err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id varchar(512) PRIMARY KEY,
		source_type varchar(32),
		document_id varchar(512),
		repo_name varchar(256),
		content text NOT NULL,
		metadata jsonb,
		embedding vector(%d) NOT NULL,
		created_at timestamptz DEFAULT NOW()
	)`, s.opts.Collection, s.opts.VectorSize)
	if err := s.db.WithContext(ctx).Exec(ddl).Error; err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}
	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (source_type)`,
		"idx_"+s.opts.Collection+"_source_type", s.opts.Collection)
	if err := s.db.WithContext(ctx).Exec(index).Error; err != nil {
		s.logger.Warn("Failed to create source_type index", zap.Error(err))
	}
	return nil
}

func (s *PGVectorIndex) Add(ctx context.Context, records []VectorRecord) (int, error) {
	valid := prepareRecords(records, s.opts.VectorSize, s.logger)
	if len(valid) == 0 {
		return 0, nil
	}

	rows := make([]vectorRecordRow, 0, len(valid))
	for _, r := range valid {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to encode metadata for %s: %w", r.ID, err)
		}
		rows = append(rows, vectorRecordRow{
			ID:         r.ID,
			SourceType: string(r.Metadata.SourceType),
			DocumentID: r.Metadata.DocumentID,
			RepoName:   r.Metadata.RepoName,
			Content:    r.Text,
			Metadata:   datatypes.JSON(meta),
			Embedding:  pgvector.NewVector(r.Embedding),
		})
	}

	result := s.table().WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(rows, s.opts.InsertBatchSize)
	if result.Error != nil {
		return 0, fmt.Errorf("pgvector insert failed: %w", result.Error)
	}
	return len(rows), nil
}

func (s *PGVectorIndex) Search(ctx context.Context, query []float32, k int, filter Filter) ([]SearchHit, error) {
	if len(query) == 0 || k <= 0 {
		return []SearchHit{}, nil
	}

	q := s.table().WithContext(ctx).
		Select("id, content, metadata, embedding <=> ? AS distance", pgvector.NewVector(query))
	if filter.SourceType != "" {
		q = q.Where("source_type = ?", string(filter.SourceType))
	}
	if filter.DocumentID != "" {
		q = q.Where("document_id = ?", filter.DocumentID)
	}
	if filter.RepoName != "" {
		q = q.Where("repo_name = ?", filter.RepoName)
	}

	var rows []pgvectorHit
	if err := q.Order("distance").Limit(k).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("pgvector search failed: %w", err)
	}

	hits := make([]SearchHit, 0, len(rows))
	for _, row := range rows {
		hits = append(hits, SearchHit{
			ID:       row.ID,
			Text:     row.Content,
			Metadata: decodeMetadata(row.Metadata, s.logger),
			Distance: row.Distance,
		})
	}
	return hits, nil
}

func (s *PGVectorIndex) Get(ctx context.Context, id string) (*VectorRecord, error) {
	var row vectorRecordRow
	err := s.table().WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgvector get failed: %w", err)
	}
	return &VectorRecord{
		ID:        row.ID,
		Embedding: row.Embedding.Slice(),
		Text:      row.Content,
		Metadata:  decodeMetadata(row.Metadata, s.logger),
	}, nil
}

func (s *PGVectorIndex) Delete(ctx context.Context, id string) (bool, error) {
	result := s.table().WithContext(ctx).Where("id = ?", id).Delete(&vectorRecordRow{})
	if result.Error != nil {
		return false, fmt.Errorf("pgvector delete failed: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *PGVectorIndex) Reset(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec(fmt.Sprintf("DROP TABLE IF EXISTS %q", s.opts.Collection)).Error; err != nil {
		return fmt.Errorf("failed to drop vector table: %w", err)
	}
	s.logger.Info("Vector index reset", zap.String("collection", s.opts.Collection))
	return s.ensureTable(ctx)
}

func (s *PGVectorIndex) Stats(ctx context.Context) (IndexStats, error) {
	stats := IndexStats{Collection: s.opts.Collection, Provider: "pgvector", SourceTypes: map[string]int{}}

	if err := s.table().WithContext(ctx).Count(&stats.TotalDocuments).Error; err != nil {
		return stats, fmt.Errorf("pgvector count failed: %w", err)
	}

	var sample []string
	if err := s.table().WithContext(ctx).Limit(s.opts.StatsSampleSize).Pluck("source_type", &sample).Error; err != nil {
		return stats, fmt.Errorf("pgvector sample failed: %w", err)
	}
	types := make([]SourceType, len(sample))
	for i, st := range sample {
		types[i] = SourceType(st)
	}
	stats.SourceTypes = sampleSourceTypes(types)
	stats.SampleSize = len(sample)
	return stats, nil
}

func (s *PGVectorIndex) Ready() bool {
	sqlDB, err := s.db.DB()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx) == nil
}
