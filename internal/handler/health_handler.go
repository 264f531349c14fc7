package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"lumina-iq/internal/service"
)

// HealthHandler 提供存活与就绪检查。
type HealthHandler struct {
	health service.HealthService
}

func NewHealthHandler(health service.HealthService) *HealthHandler {
	return &HealthHandler{health: health}
}

func (h *HealthHandler) Live(c *gin.Context) {
	success(c, "alive", h.health.Live())
}

// Ready 任一必需依赖不可用时返回 503，并附上逐项结果。
func (h *HealthHandler) Ready(c *gin.Context) {
	report, ready := h.health.Ready(c.Request.Context())
	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": "not ready", "data": report})
		return
	}
	success(c, "ready", report)
}
