package handler

import (
	"github.com/gin-gonic/gin"

	"lumina-iq/internal/service"
)

// SessionHandler 负责创建会话。
type SessionHandler struct {
	sessions service.SessionService
}

func NewSessionHandler(sessions service.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// Create 创建新会话并返回会话令牌。
func (h *SessionHandler) Create(c *gin.Context) {
	tok, err := h.sessions.Create(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	success(c, "session created", tok)
}
