package repository

import (
	"context"
	"time"

	"lumina-iq/internal/model"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/cache"
)

// SessionRepository 保存服务端会话。
type SessionRepository interface {
	Create(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, id string) (*model.Session, error)
	// Save 覆盖会话内容，不延长有效期。
	Save(ctx context.Context, s *model.Session) error
}

type sessionRepository struct {
	kv  jsonKV
	ttl time.Duration
}

// NewSessionRepository 创建会话仓库，store 可以是 Redis 或进程内后端。
func NewSessionRepository(store cache.Store, prefix string, ttl time.Duration) SessionRepository {
	return &sessionRepository{kv: jsonKV{store: store, prefix: prefix + ":session"}, ttl: ttl}
}

func (r *sessionRepository) Create(ctx context.Context, s *model.Session) error {
	if err := r.kv.set(ctx, r.kv.key(s.ID), s, r.ttl); err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "session.Create", err)
	}
	return nil
}

func (r *sessionRepository) Get(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	ok, err := r.kv.get(ctx, r.kv.key(id), &s)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "session.Get", err)
	}
	if !ok {
		return nil, apperr.New(apperr.NotFound, "session.Get", "session not found or expired")
	}
	return &s, nil
}

func (r *sessionRepository) Save(ctx context.Context, s *model.Session) error {
	remaining := time.Until(s.CreatedAt.Add(r.ttl))
	if remaining <= 0 {
		return apperr.New(apperr.NotFound, "session.Save", "session not found or expired")
	}
	if err := r.kv.set(ctx, r.kv.key(s.ID), s, remaining); err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "session.Save", err)
	}
	return nil
}
