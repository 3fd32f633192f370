package knowledge

import (
	"fmt"
	"strings"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
)

const (
	DefaultChunkSize    = 800
	DefaultChunkOverlap = 100
)

// Chunker 基于token的滑动窗口分块器
type Chunker struct {
	tokenizer    Tokenizer
	chunkSize    int
	chunkOverlap int
}

// NewChunker 创建分块器，overlap 必须小于 chunkSize
func NewChunker(tokenizer Tokenizer, chunkSize, overlap int) (*Chunker, error) {
	if tokenizer == nil {
		return nil, apperrors.NewConfigurationError("tokenizer is required")
	}
	if chunkSize <= 0 {
		return nil, apperrors.NewInvalidInputError("chunk_size", "must be positive")
	}
	if overlap < 0 {
		return nil, apperrors.NewInvalidInputError("chunk_overlap", "must not be negative")
	}
	if overlap >= chunkSize {
		return nil, apperrors.NewInvalidInputError("chunk_overlap",
			fmt.Sprintf("%d must be smaller than chunk_size %d", overlap, chunkSize))
	}
	return &Chunker{
		tokenizer:    tokenizer,
		chunkSize:    chunkSize,
		chunkOverlap: overlap,
	}, nil
}

// CountTokens 统计文本token数
func (c *Chunker) CountTokens(text string) int {
	return len(c.tokenizer.Encode(text))
}

// Split 将文本切分为重叠的分块，每个分块继承 meta
func (c *Chunker) Split(text string, meta ChunkMetadata) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	tokens := c.tokenizer.Encode(text)
	total := len(tokens)

	if total <= c.chunkSize {
		m := meta
		m.ChunkIndex = 0
		m.TotalChunks = 1
		m.TokenCount = total
		m.StartToken = 0
		m.EndToken = total
		return []Chunk{{Content: text, Metadata: m}}
	}

	stride := c.chunkSize - c.chunkOverlap
	var chunks []Chunk
	for start := 0; ; start += stride {
		end := start + c.chunkSize
		if end > total {
			end = total
		}

		m := meta
		m.ChunkIndex = len(chunks)
		m.TokenCount = end - start
		m.StartToken = start
		m.EndToken = end
		chunks = append(chunks, Chunk{
			Content:  c.tokenizer.Decode(tokens[start:end]),
			Metadata: m,
		})

		if end >= total {
			break
		}
	}

	for i := range chunks {
		chunks[i].Metadata.TotalChunks = len(chunks)
	}
	return chunks
}

// ChunkDocument 切分单个文档并生成 {document_id}_chunk_{i} 形式的ID
func (c *Chunker) ChunkDocument(doc Document) []Chunk {
	baseID := doc.ID
	if baseID == "" {
		baseID = "unknown"
	}
	meta := doc.metadata()
	meta.DocumentID = baseID

	chunks := c.Split(doc.Content, meta)
	for i := range chunks {
		chunks[i].ID = fmt.Sprintf("%s_chunk_%d", baseID, i)
	}
	return chunks
}

// ChunkDocuments 按输入顺序切分多个文档
func (c *Chunker) ChunkDocuments(docs []Document) []Chunk {
	var all []Chunk
	for _, doc := range docs {
		all = append(all, c.ChunkDocument(doc)...)
	}
	return all
}
