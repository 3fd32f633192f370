package knowledge

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// MemoryVectorIndex 进程内精确检索的向量索引
type MemoryVectorIndex struct {
	opts VectorIndexOptions

	mu      sync.RWMutex
	records map[string]VectorRecord
	order   []string
}

// NewMemoryVectorIndex 创建内存向量索引
func NewMemoryVectorIndex(opts VectorIndexOptions) *MemoryVectorIndex {
	opts.applyDefaults()
	return &MemoryVectorIndex{
		opts:    opts,
		records: make(map[string]VectorRecord),
	}
}

func (s *MemoryVectorIndex) Add(ctx context.Context, records []VectorRecord) (int, error) {
	valid := prepareRecords(records, s.opts.VectorSize, s.opts.Logger)

	added := 0
	for _, batch := range batches(valid, s.opts.InsertBatchSize) {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		s.mu.Lock()
		for _, r := range batch {
			if _, exists := s.records[r.ID]; !exists {
				s.order = append(s.order, r.ID)
			}
			r.Embedding = append([]float32(nil), r.Embedding...)
			s.records[r.ID] = r
		}
		s.mu.Unlock()
		added += len(batch)
	}
	return added, nil
}

func (s *MemoryVectorIndex) Search(ctx context.Context, query []float32, k int, filter Filter) ([]SearchHit, error) {
	if len(query) == 0 || k <= 0 {
		return []SearchHit{}, nil
	}

	s.mu.RLock()
	hits := make([]SearchHit, 0, len(s.records))
	for _, id := range s.order {
		r := s.records[id]
		if !filter.matches(r.Metadata) {
			continue
		}
		hits = append(hits, SearchHit{
			ID:       r.ID,
			Text:     r.Text,
			Metadata: cloneMetadata(r.Metadata),
			Distance: cosineDistance(query, r.Embedding),
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Distance < hits[j].Distance
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *MemoryVectorIndex) Get(ctx context.Context, id string) (*VectorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return cloneRecord(r), nil
}

// cloneRecord 返回与索引内部存储不共享切片和 map 的副本
func cloneRecord(r VectorRecord) *VectorRecord {
	r.Embedding = append([]float32(nil), r.Embedding...)
	r.Metadata = cloneMetadata(r.Metadata)
	return &r
}

func cloneMetadata(m ChunkMetadata) ChunkMetadata {
	if m.Extra != nil {
		extra := make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			extra[k] = v
		}
		m.Extra = extra
	}
	return m
}

func (s *MemoryVectorIndex) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return false, nil
	}
	delete(s.records, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *MemoryVectorIndex) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]VectorRecord)
	s.order = nil
	s.opts.Logger.Info("Vector index reset", zap.String("collection", s.opts.Collection))
	return nil
}

func (s *MemoryVectorIndex) Stats(ctx context.Context) (IndexStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sample := s.order
	if len(sample) > s.opts.StatsSampleSize {
		sample = sample[:s.opts.StatsSampleSize]
	}
	types := make([]SourceType, len(sample))
	for i, id := range sample {
		types[i] = s.records[id].Metadata.SourceType
	}

	return IndexStats{
		Collection:     s.opts.Collection,
		TotalDocuments: int64(len(s.records)),
		SourceTypes:    sampleSourceTypes(types),
		SampleSize:     len(sample),
		Provider:       "memory",
	}, nil
}

func (s *MemoryVectorIndex) Ready() bool {
	return true
}
