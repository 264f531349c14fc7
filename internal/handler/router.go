package handler

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lumina-iq/internal/middleware"
	"lumina-iq/internal/service"
)

// Services 汇总路由层用到的全部业务服务。
type Services struct {
	Sessions   service.SessionService
	Documents  service.DocumentService
	Jobs       service.JobService
	Chat       service.ChatService
	Evaluation service.EvaluationService
	Health     service.HealthService
	Stats      *service.StatsService
}

// RouterOptions 是 HTTP 层的运行参数。
type RouterOptions struct {
	MaxConcurrentRequests int64
	QueueTimeout          time.Duration
	CORSOrigins           []string
	MaxUploadBytes        int64
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.SessionHeader, middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

// NewRouter 创建 gin 引擎并注册全部路由。
// 除 /api/session 外的 /api 路由都需要会话令牌；WebSocket 流式接口不占用并发名额。
func NewRouter(s Services, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(s.Stats), gin.Recovery())
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.New(corsConfig(opts.CORSOrigins)))
	}

	healthHandler := NewHealthHandler(s.Health)
	r.GET("/health/live", healthHandler.Live)
	r.GET("/health/ready", healthHandler.Ready)
	r.GET("/health/detailed", healthHandler.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	sessionHandler := NewSessionHandler(s.Sessions)
	documentHandler := NewDocumentHandler(s.Documents, opts.MaxUploadBytes)
	jobHandler := NewJobHandler(s.Jobs)
	chatHandler := NewChatHandler(s.Chat, s.Evaluation, s.Stats)
	conversationHandler := NewConversationHandler(s.Chat)

	api := r.Group("/api")
	api.POST("/session", sessionHandler.Create)

	authed := api.Group("/")
	authed.Use(middleware.SessionMiddleware(s.Sessions))
	{
		// 流式接口是长连接，放在并发限制之外
		authed.GET("/chat/stream", chatHandler.Stream)

		limited := authed.Group("/")
		limited.Use(middleware.ConcurrencyLimiter(opts.MaxConcurrentRequests, opts.QueueTimeout))

		pdf := limited.Group("/pdf")
		{
			pdf.POST("/upload", documentHandler.Upload)
			pdf.POST("/select", documentHandler.Select)
			pdf.GET("/info", documentHandler.Info)
			pdf.GET("/metadata", documentHandler.Metadata)
			pdf.GET("/list", documentHandler.List)
		}

		limited.GET("/jobs/:id", jobHandler.Get)

		chat := limited.Group("/chat")
		{
			chat.POST("", chatHandler.Chat)
			chat.POST("/", chatHandler.Chat)
			chat.GET("/history", conversationHandler.GetConversations)
			chat.DELETE("/history", conversationHandler.ClearConversations)
			chat.POST("/generate-questions", chatHandler.GenerateQuestions)
			chat.POST("/evaluate-answer", chatHandler.EvaluateAnswer)
			chat.POST("/evaluate-quiz", chatHandler.EvaluateQuiz)
			chat.GET("/performance-stats", chatHandler.PerformanceStats)
		}
	}
	return r
}
