// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"fmt"
	"time"

	"lumina-iq/internal/model"
	"lumina-iq/pkg/cache"
)

const (
	historyLimit = 20
	historyTTL   = 7 * 24 * time.Hour
)

// ConversationRepository 定义了对话历史记录的操作接口，历史按会话保存。
type ConversationRepository interface {
	GetConversationHistory(ctx context.Context, sessionID string) ([]model.ChatMessage, error)
	AppendMessages(ctx context.Context, sessionID string, messages ...model.ChatMessage) error
	ClearConversationHistory(ctx context.Context, sessionID string) error
}

type conversationRepository struct {
	kv jsonKV
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(store cache.Store, prefix string) ConversationRepository {
	return &conversationRepository{kv: jsonKV{store: store, prefix: prefix + ":conversation"}}
}

// GetConversationHistory 获取对话历史记录，没有记录时返回空切片。
func (r *conversationRepository) GetConversationHistory(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	messages := []model.ChatMessage{}
	if _, err := r.kv.get(ctx, r.kv.key(sessionID), &messages); err != nil {
		return nil, fmt.Errorf("failed to get conversation history: %w", err)
	}
	return messages, nil
}

// AppendMessages 追加消息，只保留最近 20 条。
func (r *conversationRepository) AppendMessages(ctx context.Context, sessionID string, messages ...model.ChatMessage) error {
	history, err := r.GetConversationHistory(ctx, sessionID)
	if err != nil {
		return err
	}
	history = append(history, messages...)
	// 保留最近 20 条
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	if err := r.kv.set(ctx, r.kv.key(sessionID), history, historyTTL); err != nil {
		return fmt.Errorf("failed to set conversation history: %w", err)
	}
	return nil
}

func (r *conversationRepository) ClearConversationHistory(ctx context.Context, sessionID string) error {
	return r.kv.store.Delete(ctx, r.kv.key(sessionID))
}
