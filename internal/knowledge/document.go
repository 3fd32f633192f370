package knowledge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SourceType 文档来源类型
type SourceType string

const (
	SourceWiki     SourceType = "wiki"
	SourceCode     SourceType = "code"
	SourceUploaded SourceType = "uploaded"
)

// ParseSourceType 解析来源类型，兼容 confluence / github 等别名
func ParseSourceType(value string) (SourceType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "wiki", "confluence":
		return SourceWiki, nil
	case "code", "github":
		return SourceCode, nil
	case "uploaded", "upload":
		return SourceUploaded, nil
	default:
		return "", fmt.Errorf("unknown source type %q", value)
	}
}

// Document 待索引的原始文档
type Document struct {
	ID         string
	Title      string
	Content    string
	URL        string
	SourceType SourceType
	FilePath   string
	RepoName   string
	Language   string
	StartLine  int
	EndLine    int
	// Extra 保存固定字段之外的键，写入索引前会被转换为标量
	Extra map[string]any
}

var documentFields = map[string]struct{}{
	"id": {}, "title": {}, "content": {}, "url": {}, "source_type": {},
	"file_path": {}, "repo_name": {}, "language": {}, "start_line": {}, "end_line": {},
}

type documentJSON struct {
	ID         json.RawMessage `json:"id"`
	Title      string          `json:"title"`
	Content    string          `json:"content"`
	URL        string          `json:"url"`
	SourceType string          `json:"source_type"`
	FilePath   string          `json:"file_path"`
	RepoName   string          `json:"repo_name"`
	Language   string          `json:"language"`
	StartLine  int             `json:"start_line"`
	EndLine    int             `json:"end_line"`
}

// UnmarshalJSON 解析入库记录，未知字段进入 Extra
func (d *Document) UnmarshalJSON(data []byte) error {
	var known documentJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	*d = Document{
		ID:        rawID(known.ID),
		Title:     known.Title,
		Content:   known.Content,
		URL:       known.URL,
		FilePath:  known.FilePath,
		RepoName:  known.RepoName,
		Language:  known.Language,
		StartLine: known.StartLine,
		EndLine:   known.EndLine,
	}
	if known.SourceType != "" {
		st, err := ParseSourceType(known.SourceType)
		if err != nil {
			return err
		}
		d.SourceType = st
	}

	for key, value := range all {
		if _, ok := documentFields[key]; ok {
			continue
		}
		if d.Extra == nil {
			d.Extra = make(map[string]any)
		}
		d.Extra[key] = value
	}
	return nil
}

// 兼容数字或字符串形式的 id
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// ChunkMetadata 索引记录的固定元数据结构
type ChunkMetadata struct {
	DocumentID     string         `json:"document_id"`
	Title          string         `json:"title,omitempty"`
	URL            string         `json:"url,omitempty"`
	SourceType     SourceType     `json:"source_type,omitempty"`
	FilePath       string         `json:"file_path,omitempty"`
	RepoName       string         `json:"repo_name,omitempty"`
	Language       string         `json:"language,omitempty"`
	StartLine      int            `json:"start_line,omitempty"`
	EndLine        int            `json:"end_line,omitempty"`
	ChunkIndex     int            `json:"chunk_index"`
	TotalChunks    int            `json:"total_chunks"`
	TokenCount     int            `json:"token_count"`
	StartToken     int            `json:"start_token"`
	EndToken       int            `json:"end_token"`
	EmbeddingModel string         `json:"embedding_model,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

func (d Document) metadata() ChunkMetadata {
	return ChunkMetadata{
		DocumentID: d.ID,
		Title:      d.Title,
		URL:        d.URL,
		SourceType: d.SourceType,
		FilePath:   d.FilePath,
		RepoName:   d.RepoName,
		Language:   d.Language,
		StartLine:  d.StartLine,
		EndLine:    d.EndLine,
		Extra:      d.Extra,
	}
}

// Chunk 分块结果
type Chunk struct {
	ID        string
	Content   string
	Metadata  ChunkMetadata
	Embedding []float32
}

// Record 转换为索引记录
func (c Chunk) Record() VectorRecord {
	return VectorRecord{
		ID:        c.ID,
		Embedding: c.Embedding,
		Text:      c.Content,
		Metadata:  c.Metadata,
	}
}

// CoerceMetadata 将任意值转换为索引可接受的标量，复合值序列化为字符串
func CoerceMetadata(extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(extra))
	for key, value := range extra {
		switch v := value.(type) {
		case nil:
			continue
		case string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
			out[key] = v
		case json.Number:
			out[key] = v.String()
		default:
			if data, err := json.Marshal(v); err == nil {
				out[key] = string(data)
			} else {
				out[key] = fmt.Sprint(v)
			}
		}
	}
	return out
}
