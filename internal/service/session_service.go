package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"lumina-iq/internal/model"
	"lumina-iq/internal/repository"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/log"
	"lumina-iq/pkg/token"
)

// SessionToken 是创建会话的返回值。
type SessionToken struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionService 管理服务端会话与会话令牌。
type SessionService interface {
	Create(ctx context.Context) (*SessionToken, error)
	// Resolve 校验令牌并加载会话；令牌无效返回 Validation，会话过期返回 NotFound。
	Resolve(ctx context.Context, tokenString string) (*model.Session, error)
	// Select 把文档设为会话当前文档，后写者生效。
	Select(ctx context.Context, session *model.Session, doc *model.Document) error
}

type sessionService struct {
	repo repository.SessionRepository
	jwt  *token.JWTManager
	ttl  time.Duration
	now  func() time.Time
}

// NewSessionService 创建一个新的 SessionService 实例。
func NewSessionService(repo repository.SessionRepository, jwt *token.JWTManager, ttl time.Duration) SessionService {
	return &sessionService{repo: repo, jwt: jwt, ttl: ttl, now: time.Now}
}

func (s *sessionService) Create(ctx context.Context) (*SessionToken, error) {
	now := s.now()
	session := &model.Session{ID: uuid.NewString(), CreatedAt: now}
	if err := s.repo.Create(ctx, session); err != nil {
		return nil, err
	}
	tok, err := s.jwt.GenerateToken(session.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "session.Create", err)
	}
	log.Infof("[SessionService] 创建会话, session: %s", session.ID)
	return &SessionToken{SessionID: session.ID, Token: tok, ExpiresAt: now.Add(s.ttl)}, nil
}

func (s *sessionService) Resolve(ctx context.Context, tokenString string) (*model.Session, error) {
	claims, err := s.jwt.VerifyToken(tokenString)
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.Validation, Op: "session.Resolve", Msg: "invalid session token", Err: err}
	}
	return s.repo.Get(ctx, claims.SessionID)
}

func (s *sessionService) Select(ctx context.Context, session *model.Session, doc *model.Document) error {
	session.Select(doc, s.now())
	if err := s.repo.Save(ctx, session); err != nil {
		return err
	}
	log.Infof("[SessionService] 会话选中文档, session: %s, file: %s, hash: %s", session.ID, doc.FileName, doc.FileHash)
	return nil
}
