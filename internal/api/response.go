package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	pkgerr "github.com/multi-agent/convo-sync/pkg/errors"
	"github.com/multi-agent/convo-sync/pkg/logger"
)

// 统一响应辅助 (所有 handler 共用)。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": data})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": "not_found", "message": message}})
}

func conflict(c *gin.Context, code, message string) {
	c.JSON(http.StatusConflict, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func serverError(c *gin.Context, err error) {
	logger.FromContext(c.Request.Context()).Error("internal error", logger.Any(logger.FieldError, err))
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": gin.H{"code": "internal_error", "message": "服务器内部错误"}})
}

// fail 按错误哨兵映射 HTTP 状态。
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pkgerr.ErrInvalidInput):
		badRequest(c, "invalid_input", err.Error())
	case errors.Is(err, pkgerr.ErrNotFound), errors.Is(err, pkgerr.ErrThreadMissing):
		notFound(c, err.Error())
	case errors.Is(err, pkgerr.ErrDuplicateMessage):
		conflict(c, "duplicate_message", err.Error())
	case errors.Is(err, pkgerr.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"success": false, "error": gin.H{"code": "timeout", "message": err.Error()}})
	default:
		serverError(c, err)
	}
}
