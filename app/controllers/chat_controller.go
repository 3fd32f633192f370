package controllers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aihub/rag-assistant/internal/logger"
	"github.com/aihub/rag-assistant/internal/services"
	"go.uber.org/zap"
)

// ChatAPI 对话能力
type ChatAPI interface {
	Chat(ctx context.Context, ownerID string, req services.ChatRequest) (*services.ChatResponse, error)
	ChatStream(ctx context.Context, ownerID string, req services.ChatRequest) (<-chan services.ChatEvent, error)
	ListConversations(ctx context.Context, ownerID string, page, pageSize int) (*services.ConversationList, error)
	GetConversation(ctx context.Context, ownerID, id string) (*services.ConversationDetail, error)
	DeleteConversation(ctx context.Context, ownerID, id string) error
}

// ChatController 问答接口
type ChatController struct {
	BaseController
	Service ChatAPI
}

// NewChatController 创建问答控制器
func NewChatController(service ChatAPI) *ChatController {
	return &ChatController{Service: service}
}

func (c *ChatController) available() bool {
	if c.Service == nil {
		c.JSONError(http.StatusServiceUnavailable, "conversation storage is not configured")
		return false
	}
	return true
}

// Post 阻塞式问答
func (c *ChatController) Post() {
	if !c.available() {
		return
	}
	owner, ok := c.ownerID()
	if !ok {
		return
	}
	var req services.ChatRequest
	if !c.decodeBody(&req) {
		return
	}

	resp, err := c.Service.Chat(c.Ctx.Request.Context(), owner, req)
	if err != nil {
		c.RespondError(err)
		return
	}
	c.JSONSuccess(resp)
}

// Stream 以 SSE 推送 token/complete/error 事件
func (c *ChatController) Stream() {
	if !c.available() {
		return
	}
	owner, ok := c.ownerID()
	if !ok {
		return
	}
	var req services.ChatRequest
	if !c.decodeBody(&req) {
		return
	}

	ctx := c.Ctx.Request.Context()
	events, err := c.Service.ChatStream(ctx, owner, req)
	if err != nil {
		c.RespondError(err)
		return
	}

	w := c.Ctx.ResponseWriter
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.ResponseWriter.(http.Flusher)
	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			logger.GetLogger().Error("Failed to encode stream event", zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// 客户端断开后 ctx 会被取消，继续读空通道直到关闭
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
