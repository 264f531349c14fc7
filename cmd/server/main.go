// Package main 是应用程序的入口点。
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"lumina-iq/internal/chunker"
	"lumina-iq/internal/config"
	"lumina-iq/internal/embedder"
	"lumina-iq/internal/handler"
	"lumina-iq/internal/pipeline"
	"lumina-iq/internal/repository"
	"lumina-iq/internal/service"
	"lumina-iq/pkg/breaker"
	"lumina-iq/pkg/cache"
	"lumina-iq/pkg/database"
	"lumina-iq/pkg/embedding"
	"lumina-iq/pkg/es"
	"lumina-iq/pkg/kafka"
	"lumina-iq/pkg/llm"
	"lumina-iq/pkg/log"
	"lumina-iq/pkg/pdftext"
	"lumina-iq/pkg/qdrant"
	"lumina-iq/pkg/storage"
	"lumina-iq/pkg/tasks"
	"lumina-iq/pkg/tika"
	"lumina-iq/pkg/token"
)

const llmBreakerName = "llm"

func main() {
	// 1. 初始化配置
	configPath := os.Getenv("LUMINA_CONFIG")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(log.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.OutputPath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// 3. 初始化 Redis、MySQL 与对象存储；未配置时退回进程内实现
	// kv 给回答与向量缓存使用；state 保存会话、任务与对话，Redis 故障时仍可在本实例内解析
	var rdb *redis.Client
	var kv, state cache.Store
	if cfg.Database.Redis.Addr != "" {
		client, err := database.InitRedis(rootCtx, cfg.Database.Redis)
		if err != nil {
			log.Warnf("Redis 初始化失败，退回进程内存储: %v", err)
		} else {
			rdb = client
		}
	} else {
		log.Warnf("未配置 Redis，会话、任务与缓存保存在进程内存中")
	}
	if rdb != nil {
		kv = cache.NewRedis(rdb)
		state = cache.NewFallback(kv, cache.NewMemory(cfg.Session.TTL))
	} else {
		kv = cache.NewMemory(cfg.Session.TTL)
		state = kv
	}

	var docRepo repository.DocumentRepository
	if cfg.Database.MySQL.DSN != "" {
		db, err := database.InitMySQL(cfg.Database.MySQL.DSN)
		if err != nil {
			log.Fatal("MySQL 初始化失败", err)
		}
		docRepo = repository.NewDocumentRepository(db)
	} else {
		log.Warnf("未配置 MySQL，文档目录保存在进程内存中")
		docRepo = repository.NewMemoryDocumentRepository()
	}

	var fileStore repository.FileStore
	if cfg.MinIO.Endpoint != "" {
		store, err := storage.NewMinioStore(rootCtx, cfg.MinIO)
		if err != nil {
			log.Fatal("MinIO 初始化失败", err)
		}
		fileStore = store
	} else {
		store, err := storage.NewLocalStore(cfg.MinIO.LocalDir)
		if err != nil {
			log.Fatal("本地文件存储初始化失败", err)
		}
		fileStore = store
	}

	// 4. 初始化向量存储
	vectorStore := newVectorStore(cfg)
	if err := vectorStore.EnsureCollection(rootCtx); err != nil {
		log.Fatal("向量集合初始化失败", err)
	}

	// 5. 初始化 Repository 与缓存
	var answerCache *cache.Cache
	if cfg.Cache.Enabled {
		answerCache = cache.New(kv, cfg.Cache.Prefix, cfg.Cache.Timeout)
	} else {
		answerCache = cache.New(cache.Disabled{}, cfg.Cache.Prefix, cfg.Cache.Timeout)
	}
	sessionRepo := repository.NewSessionRepository(state, cfg.Cache.Prefix, cfg.Session.TTL)
	jobRepo := repository.NewJobRepository(state, cfg.Cache.Prefix)
	conversationRepo := repository.NewConversationRepository(state, cfg.Cache.Prefix)

	// 6. 初始化入库管道 (Processor)
	var pages interface {
		pipeline.PageExtractor
		Ping(ctx context.Context) error
	}
	if cfg.Tika.ServerURL != "" {
		pages = tika.NewClient(cfg.Tika)
	} else {
		log.Warnf("未配置 tika.server_url，使用进程内 PDF 解析，不支持扫描件")
		pages = pdftext.New()
	}
	embeddingClient := embedding.NewClient(cfg.Embedding)
	emb := embedder.New(embeddingClient, answerCache, embedder.Options{
		BatchSize:   cfg.Embedding.BatchSize,
		Concurrency: cfg.Embedding.Concurrency,
		TTL:         cfg.Cache.EmbeddingTTL,
	})
	ch, err := chunker.New(cfg.Chunking.Size, cfg.Chunking.Overlap, cfg.Chunking.MinSize)
	if err != nil {
		log.Fatal("分块器初始化失败", err)
	}
	ingestor := pipeline.NewIngestor(pipeline.NewExtractor(pages), ch, emb, vectorStore)
	processor := pipeline.NewProcessor(ingestor, docRepo, fileStore, jobRepo)

	// 7. 后台任务：配置了 Kafka 时走消息队列，否则在进程内执行
	var dispatcher tasks.Dispatcher
	var localDispatcher *tasks.LocalDispatcher
	var producer *kafka.Producer
	if cfg.Kafka.Brokers != "" {
		producer = kafka.NewProducer(cfg.Kafka)
		dispatcher = producer
		var attempts kafka.AttemptCounter = kafka.NewMemoryAttempts()
		if rdb != nil {
			attempts = kafka.NewRedisAttempts(rdb)
		}
		go kafka.NewConsumer(cfg.Kafka, processor, attempts).Run(rootCtx)
	} else {
		localDispatcher = tasks.NewLocalDispatcher(processor, cfg.Ingest.Timeout)
		dispatcher = localDispatcher
	}

	// 8. 初始化 Service (依赖注入)
	llmBreaker := breaker.New(llmBreakerName, cfg.Breaker.MaxFailures, cfg.Breaker.Window)
	llmClient := llm.NewClient(cfg.LLM, llmBreaker)
	jwtSecret := cfg.JWT.Secret
	if jwtSecret == "" {
		// 未配置密钥时每次启动随机生成，重启后旧令牌失效
		log.Warnf("未配置 jwt.secret，使用随机密钥")
		jwtSecret = randomSecret()
	}
	jwtManager := token.NewJWTManager(jwtSecret, cfg.Session.TTL)

	sessionService := service.NewSessionService(sessionRepo, jwtManager, cfg.Session.TTL)
	documentService := service.NewDocumentService(service.DocumentDeps{
		Docs:           docRepo,
		Files:          fileStore,
		Vectors:        vectorStore,
		Jobs:           jobRepo,
		Ingester:       processor,
		Dispatcher:     dispatcher,
		Sessions:       sessionService,
		AsyncThreshold: cfg.Ingest.AsyncThresholdBytes,
	})
	chatService := service.NewChatService(emb, vectorStore, llmClient, answerCache, conversationRepo, service.ChatOptionsFromConfig(cfg))
	statsService := service.NewStatsService(answerCache, emb, llmBreaker, llmBreakerName)
	healthService := service.NewHealthService(
		service.Dependency{Name: "vector_store", Ping: vectorStore.Ping},
		service.Dependency{Name: "kv_store", Ping: kv.Ping, Optional: true},
		service.Dependency{Name: "catalog", Ping: docRepo.Ping},
		service.Dependency{Name: "file_store", Ping: fileStore.Ping},
		service.Dependency{Name: "extractor", Ping: pages.Ping},
	)

	// 8.1 导入种子目录中的 PDF，已入库的文件按哈希跳过
	if cfg.Ingest.SeedDir != "" {
		go seedDocuments(rootCtx, cfg.Ingest.SeedDir, documentService)
	}

	// 9. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handler.Services{
		Sessions:   sessionService,
		Documents:  documentService,
		Jobs:       service.NewJobService(jobRepo),
		Chat:       chatService,
		Evaluation: service.NewEvaluationService(chatService, llmClient),
		Health:     healthService,
		Stats:      statsService,
	}, handler.RouterOptions{
		MaxConcurrentRequests: cfg.Server.MaxConcurrentRequests,
		QueueTimeout:          cfg.Server.QueueTimeout,
		CORSOrigins:           cfg.Server.CORSOrigins,
		MaxUploadBytes:        cfg.Server.MaxUploadBytes,
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止 Kafka 消费者与种子导入，再等待进程内任务结束
	cancelRoot()
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	if localDispatcher != nil {
		localDispatcher.Wait()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info("服务已优雅关闭")
}

// newVectorStore 按 vector_store.backend 创建向量存储。
func newVectorStore(cfg config.Config) repository.VectorStore {
	switch cfg.VectorStore.Backend {
	case "elasticsearch":
		client, err := es.NewClient(cfg.Elasticsearch, cfg.Embedding.Dimensions, cfg.Ingest.UpsertBatchSize)
		if err != nil {
			log.Fatal("Elasticsearch 初始化失败", err)
		}
		return client
	case "memory":
		log.Warnf("向量存储使用进程内实现，重启后需要重新入库")
		return repository.NewMemoryVectorStore()
	default:
		return qdrant.NewClient(cfg.Qdrant, cfg.Embedding.Dimensions, cfg.Ingest.UpsertBatchSize)
	}
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		log.Fatal("生成随机密钥失败", err)
	}
	return hex.EncodeToString(b)
}
