package controllers

import "net/http"

// ConversationController 会话管理接口
type ConversationController struct {
	BaseController
	Service ChatAPI
}

// NewConversationController 创建会话控制器
func NewConversationController(service ChatAPI) *ConversationController {
	return &ConversationController{Service: service}
}

func (c *ConversationController) available() bool {
	if c.Service == nil {
		c.JSONError(http.StatusServiceUnavailable, "conversation storage is not configured")
		return false
	}
	return true
}

// List 分页列出会话
func (c *ConversationController) List() {
	if !c.available() {
		return
	}
	owner, ok := c.ownerID()
	if !ok {
		return
	}
	page, _ := c.GetInt("page", 1)
	pageSize, _ := c.GetInt("page_size", 20)

	list, err := c.Service.ListConversations(c.Ctx.Request.Context(), owner, page, pageSize)
	if err != nil {
		c.RespondError(err)
		return
	}
	c.JSONSuccess(list)
}

// Get 返回会话详情
func (c *ConversationController) Get() {
	if !c.available() {
		return
	}
	owner, ok := c.ownerID()
	if !ok {
		return
	}

	detail, err := c.Service.GetConversation(c.Ctx.Request.Context(), owner, c.Ctx.Input.Param(":id"))
	if err != nil {
		c.RespondError(err)
		return
	}
	c.JSONSuccess(detail)
}

// Delete 删除会话
func (c *ConversationController) Delete() {
	if !c.available() {
		return
	}
	owner, ok := c.ownerID()
	if !ok {
		return
	}

	id := c.Ctx.Input.Param(":id")
	if err := c.Service.DeleteConversation(c.Ctx.Request.Context(), owner, id); err != nil {
		c.RespondError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{
		"conversation_id": id,
		"deleted":         true,
	})
}
