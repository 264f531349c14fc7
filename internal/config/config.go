// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	VectorStore   VectorStoreConfig   `mapstructure:"vector_store"`
	Qdrant        QdrantConfig        `mapstructure:"qdrant"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Chunking      ChunkingConfig      `mapstructure:"chunking"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Session       SessionConfig       `mapstructure:"session"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Breaker       BreakerConfig       `mapstructure:"breaker"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port                  string        `mapstructure:"port"`
	Mode                  string        `mapstructure:"mode"`
	MaxConcurrentRequests int64         `mapstructure:"max_concurrent_requests"`
	QueueTimeout          time.Duration `mapstructure:"queue_timeout"`
	CORSOrigins           []string      `mapstructure:"cors_origins"`
	MaxUploadBytes        int64         `mapstructure:"max_upload_bytes"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。Addr 为空时缓存、会话与任务状态退化为进程内存储。
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// JWTConfig 存储会话令牌签名相关的配置。
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// KafkaConfig 存储 Kafka 相关的配置。Brokers 为空时后台任务在进程内执行。
type KafkaConfig struct {
	Brokers     string `mapstructure:"brokers"`
	Topic       string `mapstructure:"topic"`
	GroupID     string `mapstructure:"group_id"`
	MaxAttempts int64  `mapstructure:"max_attempts"`
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string        `mapstructure:"server_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// VectorStoreConfig 选择向量库后端："qdrant"（默认）、"elasticsearch" 或进程内的 "memory"。
type VectorStoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// QdrantConfig 存储 Qdrant 相关的配置。
type QdrantConfig struct {
	URL        string        `mapstructure:"url"`
	APIKey     string        `mapstructure:"api_key"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。Endpoint 为空时 PDF 保存在 LocalDir。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
	LocalDir        string `mapstructure:"local_dir"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	Dimensions        int           `mapstructure:"dimensions"`
	BatchSize         int           `mapstructure:"batch_size"`
	Concurrency       int           `mapstructure:"concurrency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey            string              `mapstructure:"api_key"`
	BaseURL           string              `mapstructure:"base_url"`
	Model             string              `mapstructure:"model"`
	Timeout           time.Duration       `mapstructure:"timeout"`
	RequestsPerSecond float64             `mapstructure:"requests_per_second"`
	Generation        LLMGenerationConfig `mapstructure:"generation"`
	Prompt            LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature         float64 `mapstructure:"temperature"`
	TopP                float64 `mapstructure:"top_p"`
	MaxTokens           int     `mapstructure:"max_tokens"`
	QuestionTemperature float64 `mapstructure:"question_temperature"`
	QuestionMaxTokens   int     `mapstructure:"question_max_tokens"`
}

// LLMPromptConfig 配置系统提示与上下文包裹格式（可选）。
type LLMPromptConfig struct {
	Rules        string `mapstructure:"rules"`
	RefStart     string `mapstructure:"ref_start"`
	RefEnd       string `mapstructure:"ref_end"`
	NoResultText string `mapstructure:"no_result_text"`
}

// ChunkingConfig 以字符（rune）为单位配置切块参数。
type ChunkingConfig struct {
	Size    int `mapstructure:"size"`
	Overlap int `mapstructure:"overlap"`
	MinSize int `mapstructure:"min_size"`
}

// RetrievalConfig 配置检索与上下文拼装。
type RetrievalConfig struct {
	TopK           int     `mapstructure:"top_k"`
	QuestionTopK   int     `mapstructure:"question_top_k"`
	ScoreThreshold float64 `mapstructure:"score_threshold"`
	ContextChars   int     `mapstructure:"context_chars"`
}

// CacheConfig 配置缓存后端与各类 TTL。
type CacheConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Prefix       string        `mapstructure:"prefix"`
	EmbeddingTTL time.Duration `mapstructure:"embedding_ttl"`
	SearchTTL    time.Duration `mapstructure:"search_ttl"`
	AnswerTTL    time.Duration `mapstructure:"answer_ttl"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// SessionConfig 配置会话有效期。
type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// IngestConfig 配置入库流程。
type IngestConfig struct {
	AsyncThresholdBytes int64         `mapstructure:"async_threshold_bytes"`
	Timeout             time.Duration `mapstructure:"timeout"`
	UpsertBatchSize     int           `mapstructure:"upsert_batch_size"`
	SeedDir             string        `mapstructure:"seed_dir"`
}

// BreakerConfig 配置 LLM 调用的熔断器。
type BreakerConfig struct {
	MaxFailures int           `mapstructure:"max_failures"`
	Window      time.Duration `mapstructure:"window"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.max_concurrent_requests", 10)
	v.SetDefault("server.queue_timeout", "30s")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_upload_bytes", 100<<20)

	v.SetDefault("database.redis.dial_timeout", "3s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("kafka.topic", "lumina-ingest")
	v.SetDefault("kafka.group_id", "lumina-iq-ingest")
	v.SetDefault("kafka.max_attempts", 3)

	v.SetDefault("tika.server_url", "http://localhost:9998")
	v.SetDefault("tika.timeout", "60s")

	v.SetDefault("vector_store.backend", "qdrant")
	v.SetDefault("qdrant.url", "http://localhost:6333")
	v.SetDefault("qdrant.collection", "learning_app_documents")
	v.SetDefault("qdrant.timeout", "10s")
	v.SetDefault("elasticsearch.index_name", "learning_app_documents")

	v.SetDefault("minio.bucket_name", "lumina-pdfs")
	v.SetDefault("minio.local_dir", "./data/uploads")

	v.SetDefault("embedding.base_url", "https://api.together.xyz/v1")
	v.SetDefault("embedding.model", "BAAI/bge-large-en-v1.5")
	v.SetDefault("embedding.dimensions", 1024)
	v.SetDefault("embedding.batch_size", 10)
	v.SetDefault("embedding.concurrency", 4)
	v.SetDefault("embedding.timeout", "30s")

	v.SetDefault("llm.base_url", "https://api.together.xyz/v1")
	v.SetDefault("llm.model", "openai/gpt-oss-20b")
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.generation.temperature", 0.7)
	v.SetDefault("llm.generation.max_tokens", 2000)
	v.SetDefault("llm.generation.question_temperature", 0.7)
	v.SetDefault("llm.generation.question_max_tokens", 4000)
	v.SetDefault("llm.prompt.ref_start", "<<REF>>")
	v.SetDefault("llm.prompt.ref_end", "<<END>>")
	v.SetDefault("llm.prompt.no_result_text", "(no relevant passages were found in the selected document)")

	v.SetDefault("chunking.size", 512)
	v.SetDefault("chunking.overlap", 100)
	v.SetDefault("chunking.min_size", 100)

	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.question_top_k", 15)
	v.SetDefault("retrieval.context_chars", 4000)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.prefix", "lumina")
	v.SetDefault("cache.embedding_ttl", "1h")
	v.SetDefault("cache.search_ttl", "10m")
	v.SetDefault("cache.answer_ttl", "5m")
	v.SetDefault("cache.timeout", "500ms")

	v.SetDefault("session.ttl", "24h")

	v.SetDefault("ingest.async_threshold_bytes", 50<<20)
	v.SetDefault("ingest.timeout", "10m")
	v.SetDefault("ingest.upsert_batch_size", 100)

	v.SetDefault("breaker.max_failures", 3)
	v.SetDefault("breaker.window", "300s")
}

// Load 读取 .env（若存在）与 YAML 配置文件，环境变量 LUMINA_* 覆盖文件中的同名键。
// configPath 为空时只使用默认值与环境变量。
func Load(configPath string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LUMINA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 校验跨字段约束。
func (c Config) Validate() error {
	if c.Chunking.Size <= 0 {
		return fmt.Errorf("chunking.size 必须大于 0")
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunking.overlap 必须满足 0 <= overlap < size (size=%d, overlap=%d)", c.Chunking.Size, c.Chunking.Overlap)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size 必须大于 0")
	}
	switch c.VectorStore.Backend {
	case "qdrant", "elasticsearch", "memory":
	default:
		return fmt.Errorf("未知的 vector_store.backend: %q", c.VectorStore.Backend)
	}
	return nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
