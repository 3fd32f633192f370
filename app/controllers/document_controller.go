package controllers

import (
	"context"
	"net/http"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
	"github.com/aihub/rag-assistant/internal/knowledge"
)

// DocumentIndexAPI 已索引分块的查询与删除
type DocumentIndexAPI interface {
	Get(ctx context.Context, id string) (*knowledge.VectorRecord, error)
	Delete(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) (knowledge.IndexStats, error)
}

// DocumentView 单个分块，不含向量
type DocumentView struct {
	ID       string                  `json:"id"`
	Content  string                  `json:"content"`
	Metadata knowledge.ChunkMetadata `json:"metadata"`
}

// DocumentController 索引文档管理
type DocumentController struct {
	BaseController
	Index DocumentIndexAPI
}

// NewDocumentController 创建文档控制器
func NewDocumentController(index DocumentIndexAPI) *DocumentController {
	return &DocumentController{Index: index}
}

func (c *DocumentController) available() bool {
	if c.Index == nil {
		c.JSONError(http.StatusServiceUnavailable, "vector index is not configured")
		return false
	}
	return true
}

func indexError(err error) error {
	return apperrors.NewExternalError(apperrors.ErrCodeIndexUnavailable, "vector index request failed").WithCause(err)
}

// List 返回索引中的分块总数
func (c *DocumentController) List() {
	if !c.available() {
		return
	}
	stats, err := c.Index.Stats(c.Ctx.Request.Context())
	if err != nil {
		c.RespondError(indexError(err))
		return
	}
	c.JSONSuccess(map[string]interface{}{
		"collection_name": stats.Collection,
		"total":           stats.TotalDocuments,
		"source_types":    stats.SourceTypes,
	})
}

// Get 按 ID 返回分块，不存在时 404
func (c *DocumentController) Get() {
	if !c.available() {
		return
	}
	id := c.Ctx.Input.Param(":id")
	record, err := c.Index.Get(c.Ctx.Request.Context(), id)
	if err != nil {
		c.RespondError(indexError(err))
		return
	}
	if record == nil {
		c.RespondError(apperrors.NewNotFoundError("document"))
		return
	}
	c.JSONSuccess(DocumentView{ID: record.ID, Content: record.Text, Metadata: record.Metadata})
}

// Delete 按 ID 删除分块，不存在时 404
func (c *DocumentController) Delete() {
	if !c.available() {
		return
	}
	id := c.Ctx.Input.Param(":id")
	deleted, err := c.Index.Delete(c.Ctx.Request.Context(), id)
	if err != nil {
		c.RespondError(indexError(err))
		return
	}
	if !deleted {
		c.RespondError(apperrors.NewNotFoundError("document"))
		return
	}
	c.JSONSuccess(map[string]interface{}{
		"document_id": id,
		"deleted":     true,
	})
}
