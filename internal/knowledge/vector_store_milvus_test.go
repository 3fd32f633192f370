package knowledge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMilvusClient 只实现检索路径用到的方法
type fakeMilvusClient struct {
	client.Client

	results    []client.SearchResult
	lastExpr   string
	lastMetric entity.MetricType
	lastTopK   int
}

func (f *fakeMilvusClient) HasCollection(ctx context.Context, name string) (bool, error) {
	return true, nil
}

func (f *fakeMilvusClient) LoadCollection(ctx context.Context, name string, async bool, opts ...client.LoadCollectionOption) error {
	return nil
}

func (f *fakeMilvusClient) Search(ctx context.Context, collName string, partitions []string, expr string,
	outputFields []string, vectors []entity.Vector, vectorField string, metricType entity.MetricType,
	topK int, sp entity.SearchParam, opts ...client.SearchQueryOptionFunc) ([]client.SearchResult, error) {
	f.lastExpr = expr
	f.lastMetric = metricType
	f.lastTopK = topK
	return f.results, nil
}

func TestMilvusFilterExpr(t *testing.T) {
	assert.Equal(t, "", milvusFilterExpr(Filter{}))
	assert.Equal(t, `source_type == "code"`, milvusFilterExpr(Filter{SourceType: SourceCode}))
	assert.Equal(t, `source_type == "wiki" && repo_name == "infra\"ops"`,
		milvusFilterExpr(Filter{SourceType: SourceWiki, RepoName: `infra"ops`}))
}

func TestTruncateBytes(t *testing.T) {
	assert.Equal(t, "abc", truncateBytes("abc", 10))
	assert.Equal(t, "ab", truncateBytes("abcdef", 2))
	// "é" 占两个字节，不能从中间截断
	assert.Equal(t, "a", truncateBytes("aé", 2))
}

func TestMilvusColumns(t *testing.T) {
	cols, err := milvusColumns([]VectorRecord{
		{ID: "d_chunk_0", Text: "hello", Embedding: []float32{1, 2}, Metadata: ChunkMetadata{SourceType: SourceCode, DocumentID: "d", RepoName: "api"}},
	}, 2)
	require.NoError(t, err)
	require.Len(t, cols, 7)
	assert.Equal(t, milvusFieldID, cols[0].Name())
	assert.Equal(t, []string{"d_chunk_0"}, cols[0].(*entity.ColumnVarChar).Data())
	assert.Equal(t, []string{"code"}, cols[1].(*entity.ColumnVarChar).Data())
	assert.Equal(t, milvusFieldVector, cols[6].Name())
}

func TestMilvusVectorIndex_SearchConvertsScores(t *testing.T) {
	meta, err := json.Marshal(ChunkMetadata{Title: "Runbook", SourceType: SourceWiki, DocumentID: "rb"})
	require.NoError(t, err)

	fake := &fakeMilvusClient{
		results: []client.SearchResult{{
			ResultCount: 2,
			IDs:         entity.NewColumnVarChar(milvusFieldID, []string{"rb_chunk_0", "rb_chunk_1"}),
			Fields: client.ResultSet{
				entity.NewColumnVarChar(milvusFieldContent, []string{"first", "second"}),
				entity.NewColumnJSONBytes(milvusFieldMetadata, [][]byte{meta, meta}),
			},
			Scores: []float32{0.9, 0.25},
		}},
	}
	idx := newMilvusVectorIndex(fake, VectorIndexOptions{Collection: "docs", VectorSize: 2})

	hits, err := idx.Search(context.Background(), []float32{1, 0}, 2, Filter{SourceType: SourceWiki})
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, `source_type == "wiki"`, fake.lastExpr)
	assert.Equal(t, entity.COSINE, fake.lastMetric)
	assert.Equal(t, 2, fake.lastTopK)

	assert.Equal(t, "rb_chunk_0", hits[0].ID)
	assert.Equal(t, "first", hits[0].Text)
	assert.InDelta(t, 0.1, hits[0].Distance, 1e-6)
	assert.InDelta(t, 0.75, hits[1].Distance, 1e-6)
	assert.Equal(t, "Runbook", hits[1].Metadata.Title)
	assert.Equal(t, SourceWiki, hits[1].Metadata.SourceType)
}

func TestMilvusVectorIndex_AddSkipsEmptyWithoutCallingServer(t *testing.T) {
	idx := newMilvusVectorIndex(&fakeMilvusClient{}, VectorIndexOptions{VectorSize: 2})

	added, err := idx.Add(context.Background(), []VectorRecord{{ID: "empty"}})
	require.NoError(t, err)
	assert.Equal(t, 0, added)
}
