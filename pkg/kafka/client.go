// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"tinydist/internal/config"
	"tinydist/pkg/log"
	"tinydist/pkg/tasks"
)

// maxAttempts 是同一任务处理失败后放弃前的最大尝试次数。
const maxAttempts = 3

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.FileFinalizedTask) error
}

// Producer 把 FileFinalizedTask 发送到 Kafka。
type Producer struct {
	writer *kafka.Writer
}

func brokers(cfg config.KafkaConfig) []string {
	var out []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers(cfg)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	log.Infof("[Kafka] 生产者初始化成功, topic: %s", cfg.Topic)
	return &Producer{writer: w}
}

// Publish 发送一个文件任务到 Kafka，以文件名作为消息键保证同一文件的任务有序。
func (p *Producer) Publish(ctx context.Context, task tasks.FileFinalizedTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.Filename),
		Value: taskBytes,
	})
}

// Close 关闭底层的 writer。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// attemptCounter 记录任务的失败次数。
type attemptCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string)
}

// redisAttempts 使用 Redis 计数，多个消费者实例共享。
type redisAttempts struct {
	rdb *redis.Client
}

func (a redisAttempts) Incr(ctx context.Context, key string) (int64, error) {
	attempts, err := a.rdb.Incr(ctx, key).Result()
	if err == nil {
		_ = a.rdb.Expire(ctx, key, 24*time.Hour).Err()
	}
	return attempts, err
}

func (a redisAttempts) Reset(ctx context.Context, key string) {
	_ = a.rdb.Del(ctx, key).Err()
}

// memoryAttempts 在未配置 Redis 时使用，只在当前进程内有效。
type memoryAttempts struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (a *memoryAttempts) Incr(_ context.Context, key string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[key]++
	return a.counts[key], nil
}

func (a *memoryAttempts) Reset(_ context.Context, key string) {
	a.mu.Lock()
	delete(a.counts, key)
	a.mu.Unlock()
}

func newAttemptCounter(rdb *redis.Client) attemptCounter {
	if rdb != nil {
		return redisAttempts{rdb: rdb}
	}
	return &memoryAttempts{counts: make(map[string]int64)}
}

// consumer 处理单条消息并决定是否提交 offset。
type consumer struct {
	processor TaskProcessor
	attempts  attemptCounter
}

// handle 返回 true 表示应当提交该消息的 offset。
func (c *consumer) handle(ctx context.Context, value []byte) bool {
	var task tasks.FileFinalizedTask
	if err := json.Unmarshal(value, &task); err != nil {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("[Kafka] 无法解析消息: %v, value: %s", err, string(value))
		return true
	}

	attemptsKey := fmt.Sprintf("kafka:attempts:%s", task.Key())
	log.Infof("[Kafka] 开始处理文件任务, filename: %s, id: %d", task.Filename, task.FileID)
	if err := c.processor.Process(ctx, task); err != nil {
		log.Errorf("[Kafka] 处理文件任务失败, filename: %s, error: %v", task.Filename, err)
		attempts, incErr := c.attempts.Incr(ctx, attemptsKey)
		if incErr != nil {
			// 计数失败时保守处理：不提交 offset，让 Kafka 重试
			return false
		}
		if attempts >= maxAttempts {
			log.Errorf("[Kafka] 文件任务多次失败(>=%d)，提交 offset 终止重试, filename: %s", maxAttempts, task.Filename)
			return true
		}
		return false
	}

	log.Infof("[Kafka] 文件任务处理成功, filename: %s", task.Filename)
	c.attempts.Reset(ctx, attemptsKey)
	return true
}

// StartConsumer 启动一个 Kafka 消费者来处理文件任务，直到 ctx 被取消。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor, rdb *redis.Client) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("[Kafka] 关闭消费者失败: %v", err)
		}
	}()

	c := &consumer{processor: processor, attempts: newAttemptCounter(rdb)}
	log.Infof("[Kafka] 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("[Kafka] 从 Kafka 读取消息失败", err)
			}
			return
		}

		if !c.handle(ctx, m.Value) {
			// 不提交 offset 时，消费组重平衡或重启后会重新投递
			continue
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			log.Errorf("[Kafka] 提交消息 offset 失败: %v", err)
		}
	}
}
