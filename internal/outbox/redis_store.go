package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rediscommon "soma-geofence/common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisStore 基于 Redis Streams 的持久化 outbox（至少一次投递）
type RedisStore struct {
	client     *redis.Client
	stream     string
	deadStream string
	group      string
	consumer   string
	block      time.Duration
	logger     *zap.Logger

	recovering bool // 启动时先重放本消费者未确认的消息
}

// NewRedisStore 创建 Redis outbox 存储
func NewRedisStore(client *redis.Client, stream, deadStream, group, consumer string, block time.Duration, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client:     client,
		stream:     stream,
		deadStream: deadStream,
		group:      group,
		consumer:   consumer,
		block:      block,
		logger:     logger,
		recovering: true,
	}
}

// Init 创建消费者组
func (s *RedisStore) Init(ctx context.Context) error {
	return rediscommon.CreateConsumerGroup(ctx, s.client, s.stream, s.group)
}

// Append 追加任务
func (s *RedisStore) Append(ctx context.Context, job Job) error {
	_, err := rediscommon.PublishJSONToStream(ctx, s.client, s.stream, job)
	return err
}

// Fetch 读取任务
func (s *RedisStore) Fetch(ctx context.Context, max int64) ([]Job, error) {
	var (
		messages []rediscommon.StreamMessage
		err      error
	)
	if s.recovering {
		messages, err = s.readPending(ctx, max)
		if err != nil {
			return nil, err
		}
		if len(messages) == 0 {
			s.recovering = false
		}
	}
	if !s.recovering {
		messages, err = rediscommon.ReadFromStream(ctx, s.client, s.stream, s.group, s.consumer, max, s.block)
		if err != nil {
			return nil, err
		}
	}

	jobs := make([]Job, 0, len(messages))
	for _, msg := range messages {
		data, err := msg.Data()
		if err != nil {
			s.discard(ctx, msg.ID, err)
			continue
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			s.discard(ctx, msg.ID, err)
			continue
		}
		job.ref = msg.ID
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// discard 无法解析的消息直接确认，避免阻塞后续任务
func (s *RedisStore) discard(ctx context.Context, msgID string, cause error) {
	s.logger.Warn("Discarding unreadable outbox message",
		zap.String("stream", s.stream),
		zap.String("message_id", msgID),
		zap.Error(cause),
	)
	if err := rediscommon.AckMessages(ctx, s.client, s.stream, s.group, msgID); err != nil {
		s.logger.Warn("Failed to ack unreadable outbox message",
			zap.String("stream", s.stream),
			zap.String("message_id", msgID),
			zap.Error(err),
		)
	}
}

// readPending 读取本消费者已投递但未确认的消息
func (s *RedisStore) readPending(ctx context.Context, max int64) ([]rediscommon.StreamMessage, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, "0"},
		Count:    max,
		Block:    -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pending outbox jobs: %w", err)
	}

	var messages []rediscommon.StreamMessage
	for _, st := range streams {
		for _, msg := range st.Messages {
			messages = append(messages, rediscommon.StreamMessage{Stream: st.Stream, ID: msg.ID, Values: msg.Values})
		}
	}
	return messages, nil
}

// Ack 确认任务
func (s *RedisStore) Ack(ctx context.Context, job Job) error {
	if job.ref == "" {
		return fmt.Errorf("job %s has no stream reference", job.ID)
	}
	return rediscommon.AckMessages(ctx, s.client, s.stream, s.group, job.ref)
}

// DeadLetter 写入死信 stream
func (s *RedisStore) DeadLetter(ctx context.Context, job Job, cause error) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = rediscommon.PublishToStream(ctx, s.client, s.deadStream, map[string]interface{}{
		"data":  raw,
		"error": cause.Error(),
	})
	return err
}
