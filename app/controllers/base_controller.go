package controllers

import (
	"encoding/json"
	"net/http"
	"strings"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
	"github.com/aihub/rag-assistant/internal/logger"
	"github.com/beego/beego/v2/server/web"
	"go.uber.org/zap"
)

// OwnerHeader 携带调用方身份的请求头，身份认证由网关完成
const OwnerHeader = "X-User-Id"

// BaseController provides helpers for consistent JSON responses.
type BaseController struct {
	web.Controller
}

// JSON writes a JSON response with the supplied HTTP status code.
func (c *BaseController) JSON(status int, payload interface{}) {
	c.Ctx.Output.SetStatus(status)
	c.Data["json"] = payload
	_ = c.ServeJSON()
}

// JSONSuccess writes a standard success envelope.
func (c *BaseController) JSONSuccess(data interface{}) {
	c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// JSONError writes an error envelope with message.
func (c *BaseController) JSONError(status int, message string) {
	c.JSON(status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// RespondError 按 AppError 的分类输出错误；系统错误只返回通用信息
func (c *BaseController) RespondError(err error) {
	appErr := apperrors.GetAppError(err)
	status := appErr.HTTPCode
	if status == 0 {
		status = http.StatusInternalServerError
	}

	message := appErr.Message
	if status >= http.StatusInternalServerError {
		logger.GetLogger().Error("Request failed",
			zap.String("path", c.Ctx.Input.URL()),
			zap.String("code", string(appErr.Code)),
			zap.Error(err))
		if appErr.Type == apperrors.ErrorTypeSystem {
			message = "Internal server error"
		}
	}

	body := map[string]interface{}{
		"success": false,
		"error":   message,
		"code":    appErr.Code,
	}
	if appErr.Details != nil && status < http.StatusInternalServerError {
		body["details"] = appErr.Details
	}
	c.JSON(status, body)
}

// ownerID 读取调用方ID，缺失时写入 401 并返回 false
func (c *BaseController) ownerID() (string, bool) {
	owner := strings.TrimSpace(c.Ctx.Input.Header(OwnerHeader))
	if owner == "" {
		c.JSONError(http.StatusUnauthorized, "missing "+OwnerHeader+" header")
		return "", false
	}
	return owner, true
}

// decodeBody 解析JSON请求体，失败时写入 400 并返回 false
func (c *BaseController) decodeBody(v interface{}) bool {
	body := c.Ctx.Input.RequestBody
	if len(body) == 0 {
		c.JSONError(http.StatusBadRequest, "request body is required")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		c.JSONError(http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
