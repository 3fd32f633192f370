package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestParseDocuments(t *testing.T) {
	single, err := ParseDocuments([]byte(`{"id":"p1","title":"Page","content":"body","source_type":"confluence"}`))
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, SourceWiki, single[0].SourceType)

	list, err := ParseDocuments([]byte(` [{"id":"a","content":"x"},{"id":2,"content":"y"}]`))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "2", list[1].ID)

	_, err = ParseDocuments([]byte("  "))
	assert.Error(t, err)
}

func TestDirectorySource_Load(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `{"id":"a","title":"A","content":"alpha"}`)
	writeFile(t, dir, "b.json", `[{"id":"b1","content":"beta","source_type":"code"},{"id":"b2","content":"gamma"}]`)
	writeFile(t, dir, "broken.json", `{"id":`)
	writeFile(t, dir, "notes.txt", `ignored`)

	src := NewDirectorySource(dir, SourceWiki, nil)
	docs, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 3)

	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, SourceWiki, docs[0].SourceType)
	assert.Equal(t, SourceCode, docs[1].SourceType)
	assert.Equal(t, SourceWiki, docs[2].SourceType)
}

func TestDirectorySource_MissingDirectory(t *testing.T) {
	src := NewDirectorySource(filepath.Join(t.TempDir(), "nope"), "", nil)
	docs, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs)
}

type memoryObjectStore struct {
	mu      sync.Mutex
	objects map[string]string
	listErr error
	reads   int
}

func (m *memoryObjectStore) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *memoryObjectStore) ReadObject(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	m.reads++
	m.mu.Unlock()
	body, ok := m.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return []byte(body), nil
}

func TestMinIOSource_Load(t *testing.T) {
	store := &memoryObjectStore{objects: map[string]string{
		"docs/2.json":   `{"id":"second","content":"b"}`,
		"docs/1.json":   `{"id":"first","content":"a","source_type":"github"}`,
		"docs/bad.json": `not json`,
		"docs/img.png":  `binary`,
	}}

	src := NewMinIOSource(store, "knowledge", "docs/", SourceWiki, nil)
	assert.Equal(t, "minio:knowledge/docs/", src.Name())

	docs, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "first", docs[0].ID)
	assert.Equal(t, SourceCode, docs[0].SourceType)
	assert.Equal(t, "second", docs[1].ID)
	assert.Equal(t, SourceWiki, docs[1].SourceType)
	assert.Equal(t, 3, store.reads)
}

func TestMinIOSource_ListFailure(t *testing.T) {
	store := &memoryObjectStore{listErr: errors.New("access denied")}
	_, err := NewMinIOSource(store, "knowledge", "", "", nil).Load(context.Background())
	assert.ErrorContains(t, err, "access denied")
}
