package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// BaseHandler 处理器共用的响应方法
type BaseHandler struct{}

// APIResponse 所有 /api 接口的响应包装
type APIResponse struct {
	Success   bool        `json:"success"`
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

func (h *BaseHandler) respond(c *gin.Context, code int, msg string, data interface{}) {
	c.JSON(code, APIResponse{
		Success:   code < http.StatusBadRequest,
		Code:      code,
		Message:   msg,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

func (h *BaseHandler) SuccessResponse(c *gin.Context, data interface{}) {
	h.respond(c, http.StatusOK, "ok", data)
}

func (h *BaseHandler) ErrorResponse(c *gin.Context, code int, message string) {
	h.respond(c, code, message, nil)
}

// GetPaginationParams 读取 offset 和 limit，非法值回退为默认值
func (h *BaseHandler) GetPaginationParams(c *gin.Context) (offset, limit int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v > 0 {
		offset = v
	}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = min(v, maxLimit)
	}
	return offset, limit
}

// window 截取 [offset, offset+limit) 与 [0, total) 的交集
func window(total, offset, limit int) (int, int) {
	start := min(offset, total)
	return start, min(start+limit, total)
}
