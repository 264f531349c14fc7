// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"lumina-iq/internal/model"
	"lumina-iq/internal/service"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/log"
)

// SessionContextKey 是会话在 gin.Context 中的键。
const SessionContextKey = "session"

// SessionHeader 携带会话令牌。
const SessionHeader = "X-Session-Token"

// SessionMiddleware 创建一个 Gin 中间件，校验会话令牌并把 *model.Session 存入上下文。
// 令牌依次从 X-Session-Token、Authorization: Bearer 与 token 查询参数（供 websocket 使用）中读取。
func SessionMiddleware(sessions service.SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			abort(c, http.StatusUnauthorized, "missing session token; create one with POST /api/session")
			return
		}

		session, err := sessions.Resolve(c.Request.Context(), tokenString)
		if err != nil {
			switch apperr.KindOf(err) {
			case apperr.Validation:
				abort(c, http.StatusUnauthorized, "invalid session token")
			case apperr.NotFound:
				abort(c, http.StatusUnauthorized, "session expired; create a new one")
			default:
				log.Errorf("[SessionMiddleware] 加载会话失败: %v", err)
				abort(c, apperr.HTTPStatus(err), apperr.Message(err))
			}
			return
		}

		c.Set(SessionContextKey, session)
		c.Next()
	}
}

// CurrentSession 取出 SessionMiddleware 放入的会话。
func CurrentSession(c *gin.Context) (*model.Session, bool) {
	v, ok := c.Get(SessionContextKey)
	if !ok {
		return nil, false
	}
	s, ok := v.(*model.Session)
	return s, ok
}

func extractToken(c *gin.Context) string {
	if t := strings.TrimSpace(c.GetHeader(SessionHeader)); t != "" {
		return t
	}
	const bearerPrefix = "Bearer "
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}
	return strings.TrimSpace(c.Query("token"))
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": status, "message": message, "data": nil})
}
