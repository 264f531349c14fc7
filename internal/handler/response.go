// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"lumina-iq/internal/middleware"
	"lumina-iq/internal/model"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/log"
)

func success(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": message, "data": data})
}

// fail 按错误类别写出统一的错误响应。
func fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("[Handler] %s %s 失败: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"code": status, "message": apperr.Message(err), "data": gin.H{
		"kind":      apperr.KindOf(err),
		"retryable": apperr.Retryable(err),
	}})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": message, "data": nil})
}

// currentSession 读取会话中间件放入的会话，缺失时写出 401。
func currentSession(c *gin.Context) (*model.Session, bool) {
	s, ok := middleware.CurrentSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "session required", "data": nil})
		return nil, false
	}
	return s, true
}
