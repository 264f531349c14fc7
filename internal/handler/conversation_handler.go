package handler

import (
	"github.com/gin-gonic/gin"

	"lumina-iq/internal/service"
)

// ConversationHandler 处理会话对话历史的 API 请求。
type ConversationHandler struct {
	chatService service.ChatService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(chatService service.ChatService) *ConversationHandler {
	return &ConversationHandler{chatService: chatService}
}

// GetConversations 处理获取会话对话历史的请求。
func (h *ConversationHandler) GetConversations(c *gin.Context) {
	session, ok := currentSession(c)
	if !ok {
		return
	}
	history, err := h.chatService.History(c.Request.Context(), session)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, "success", history)
}

// ClearConversations 清空会话对话历史。
func (h *ConversationHandler) ClearConversations(c *gin.Context) {
	session, ok := currentSession(c)
	if !ok {
		return
	}
	if err := h.chatService.ClearHistory(c.Request.Context(), session); err != nil {
		fail(c, err)
		return
	}
	success(c, "conversation history cleared", nil)
}
