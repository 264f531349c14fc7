package model

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage 是会话历史中的一条消息，按会话 ID 存在 KV 存储里。
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Turn 返回一问一答两条消息，时间戳相同。
func Turn(question, answer string, at time.Time) []ChatMessage {
	return []ChatMessage{
		{Role: RoleUser, Content: question, Timestamp: at},
		{Role: RoleAssistant, Content: answer, Timestamp: at},
	}
}
