// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"lumina-iq/internal/config"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/log"
	"lumina-iq/pkg/tasks"
)

// Producer 把入库任务写入 Kafka，实现 tasks.Dispatcher。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers(cfg.Brokers)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// Dispatch 发送一个入库任务到 Kafka，以文件哈希为 key 保证同一文件的任务有序。
func (p *Producer) Dispatch(ctx context.Context, task tasks.IngestionTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "kafka.Dispatch", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.FileHash),
		Value: taskBytes,
	})
	if err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "kafka.Dispatch", err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// AttemptCounter 记录任务失败次数，计数需要跨进程重启保留。
type AttemptCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 消费入库任务。
type Consumer struct {
	reader      messageReader
	processor   tasks.Processor
	attempts    AttemptCounter
	fallback    *MemoryAttempts
	maxAttempts int64
	backoff     time.Duration
}

// NewConsumer 创建消费者；Run 之前不会连接 broker。
func NewConsumer(cfg config.KafkaConfig, processor tasks.Processor, attempts AttemptCounter) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Consumer{
		reader:      r,
		processor:   processor,
		attempts:    attempts,
		fallback:    NewMemoryAttempts(),
		maxAttempts: maxAttempts,
		backoff:     2 * time.Second,
	}
}

// Run 阻塞消费直到 ctx 结束。
func (c *Consumer) Run(ctx context.Context) {
	log.Infof("[KafkaConsumer] 消费者已启动")
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Errorf("[KafkaConsumer] 关闭 Kafka 消费者失败: %v", err)
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("[KafkaConsumer] 消费者退出")
				return
			}
			log.Error("[KafkaConsumer] 从 Kafka 读取消息失败", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff):
			}
			continue
		}
		c.handle(ctx, m)
	}
}

// handle 处理单条消息：成功、不可重试的失败或重试次数用尽时提交 offset。
// 重试次数用尽时先 Abandon 把任务标记为 failed，再提交。
func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	log.Infof("[KafkaConsumer] 收到 Kafka 消息: offset %d", m.Offset)

	var task tasks.IngestionTask
	if err := json.Unmarshal(m.Value, &task); err != nil {
		log.Errorf("[KafkaConsumer] 无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，直接提交，避免阻塞队列
		c.commit(ctx, m)
		return
	}

	attemptsKey := fmt.Sprintf("kafka:attempts:%s", task.JobID)
	for {
		err := c.processor.Process(ctx, task)
		if err == nil {
			log.Infof("[KafkaConsumer] 入库任务处理成功: job=%s, hash=%s", task.JobID, task.FileHash)
			c.resetAttempts(ctx, attemptsKey)
			c.commit(ctx, m)
			return
		}
		log.Errorf("[KafkaConsumer] 入库任务处理失败: job=%s, error: %v", task.JobID, err)
		if !apperr.Retryable(err) {
			c.resetAttempts(ctx, attemptsKey)
			c.commit(ctx, m)
			return
		}

		attempts := c.incrAttempts(ctx, attemptsKey)
		if attempts >= c.maxAttempts {
			log.Errorf("[KafkaConsumer] 入库任务多次失败(>=%d)，提交 offset 终止重试: job=%s", c.maxAttempts, task.JobID)
			c.processor.Abandon(ctx, task, err)
			c.resetAttempts(ctx, attemptsKey)
			c.commit(ctx, m)
			return
		}

		select {
		case <-ctx.Done():
			// 未提交，重启后重新投递
			return
		case <-time.After(c.backoff * time.Duration(attempts)):
		}
	}
}

// incrAttempts 优先使用共享计数；共享计数不可用时退回进程内计数，保证重试次数仍有上限。
func (c *Consumer) incrAttempts(ctx context.Context, key string) int64 {
	n, err := c.attempts.Incr(ctx, key)
	if err == nil {
		return n
	}
	log.Warnf("[KafkaConsumer] 记录失败次数失败，改用进程内计数: %v", err)
	n, _ = c.fallback.Incr(ctx, key)
	return n
}

func (c *Consumer) resetAttempts(ctx context.Context, key string) {
	if err := c.attempts.Reset(ctx, key); err != nil {
		log.Warnf("[KafkaConsumer] 重置失败次数失败: %v", err)
	}
	_ = c.fallback.Reset(ctx, key)
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Errorf("[KafkaConsumer] 提交 Kafka 消息 offset 失败: %v", err)
	}
}

func brokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
