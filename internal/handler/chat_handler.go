package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"lumina-iq/internal/model"
	"lumina-iq/internal/service"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/log"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 来源由 CORS 配置与会话令牌共同约束
		},
	}
)

// ChatHandler 负责聊天、出题、评分与 WebSocket 流式聊天。
type ChatHandler struct {
	chatService       service.ChatService
	evaluationService service.EvaluationService
	stats             *service.StatsService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, evaluationService service.EvaluationService, stats *service.StatsService) *ChatHandler {
	return &ChatHandler{chatService: chatService, evaluationService: evaluationService, stats: stats}
}

// ChatRequest 是聊天请求体。
type ChatRequest struct {
	Message string `json:"message" binding:"required"`
}

// Chat 以 chat 模式回答问题。
func (h *ChatHandler) Chat(c *gin.Context) {
	session, ok := currentSession(c)
	if !ok {
		return
	}
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "message is required")
		return
	}
	answer, err := h.chatService.Chat(c.Request.Context(), session, req.Message)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, "success", answer)
}

// GenerateQuestions 以 quiz 或 practice 模式出题。
func (h *ChatHandler) GenerateQuestions(c *gin.Context) {
	session, ok := currentSession(c)
	if !ok {
		return
	}
	var req service.QuestionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	answer, err := h.chatService.GenerateQuestions(c.Request.Context(), session, req)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, "success", answer)
}

func (h *ChatHandler) EvaluateAnswer(c *gin.Context) {
	session, ok := currentSession(c)
	if !ok {
		return
	}
	var req model.AnswerEvaluationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "question and user_answer are required")
		return
	}
	result, err := h.evaluationService.EvaluateAnswer(c.Request.Context(), session, req)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, "success", result)
}

func (h *ChatHandler) EvaluateQuiz(c *gin.Context) {
	session, ok := currentSession(c)
	if !ok {
		return
	}
	var req model.QuizSubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "answers must contain at least one question_id and question")
		return
	}
	result, err := h.evaluationService.EvaluateQuiz(c.Request.Context(), session, req)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, "success", result)
}

// PerformanceStats 返回请求耗时、缓存与熔断器状态。
func (h *ChatHandler) PerformanceStats(c *gin.Context) {
	success(c, "success", h.stats.Snapshot())
}

// lockedConn 串行化对 websocket 连接的写入，读循环与流式回答会同时写。
type lockedConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *lockedConn) WriteMessage(messageType int, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteMessage(messageType, data)
}

func (l *lockedConn) writeJSON(v any) {
	b, _ := json.Marshal(v)
	_ = l.WriteMessage(websocket.TextMessage, b)
}

// streamMessage 是客户端发来的消息：{"message": "..."} 或 {"type": "stop"}，也接受纯文本问题。
type streamMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func parseStreamMessage(raw []byte) streamMessage {
	var m streamMessage
	if len(raw) > 0 && raw[0] == '{' && json.Unmarshal(raw, &m) == nil {
		return m
	}
	return streamMessage{Message: string(raw)}
}

// Stream 处理一个 WebSocket 连接。同一连接同时只处理一个问题，{"type":"stop"} 中断当前回答。
func (h *ChatHandler) Stream(c *gin.Context) {
	session, ok := currentSession(c)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer ws.Close()
	conn := &lockedConn{conn: ws}
	log.Infof("[ChatHandler] WebSocket 连接已建立, session: %s", session.ID)

	var (
		stopped atomic.Bool
		busy    atomic.Bool
		wg      sync.WaitGroup
		// cancelAnswer 只在读循环中读写，取消当前问题的上游调用
		cancelAnswer context.CancelFunc = func() {}
	)
	defer wg.Wait()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			log.Infof("[ChatHandler] WebSocket 连接关闭, session: %s, reason: %v", session.ID, err)
			stopped.Store(true)
			cancelAnswer()
			return
		}
		msg := parseStreamMessage(raw)

		if msg.Type == "stop" {
			stopped.Store(true)
			conn.writeJSON(map[string]interface{}{
				"type":      "stop",
				"message":   "响应已停止",
				"timestamp": time.Now().UnixMilli(),
				"date":      time.Now().Format("2006-01-02T15:04:05"),
			})
			// 先发 stop 再取消，客户端总是先收到 stop 后收到 completion
			cancelAnswer()
			continue
		}
		question := strings.TrimSpace(msg.Message)
		if question == "" {
			continue
		}
		if !busy.CompareAndSwap(false, true) {
			conn.writeJSON(map[string]string{"error": "a response is already in progress"})
			continue
		}

		stopped.Store(false)
		ctx, cancel := context.WithCancel(c.Request.Context())
		cancelAnswer = cancel
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer busy.Store(false)
			defer cancel()
			err := h.chatService.StreamResponse(ctx, session, question, conn, stopped.Load)
			if err != nil && ctx.Err() != nil {
				log.Infof("[ChatHandler] 流式响应已取消, session: %s", session.ID)
				sendStreamCompletion(conn)
				return
			}
			if err != nil {
				log.Errorf("[ChatHandler] 处理流式响应失败: %v", err)
				conn.writeJSON(map[string]any{
					"error":     apperr.Message(err),
					"kind":      apperr.KindOf(err),
					"retryable": apperr.Retryable(err),
				})
				// 出错时同样发送 completion 通知
				sendStreamCompletion(conn)
			}
		}()
	}
}

func sendStreamCompletion(conn *lockedConn) {
	conn.writeJSON(map[string]interface{}{
		"type":      "completion",
		"status":    "finished",
		"message":   "响应已完成",
		"timestamp": time.Now().UnixMilli(),
		"date":      time.Now().Format("2006-01-02T15:04:05"),
	})
}
