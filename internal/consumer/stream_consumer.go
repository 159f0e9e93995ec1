package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rediscommon "soma-geofence/common/redis"
	"soma-geofence/internal/config"
	"soma-geofence/internal/models"
	"soma-geofence/internal/pipeline"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Tracker 采集管线入口
type Tracker interface {
	OnPositionSample(userID string, sample models.PositionSample) error
	SetActiveRoute(ctx context.Context, userID string, routeID *string) error
	RequestSOS(ctx context.Context, userID string, sample models.PositionSample) (string, error)
}

// StreamConsumer 位置与路线变更 stream 消费者
type StreamConsumer struct {
	config      *config.Config
	redisClient *redis.Client
	tracker     Tracker
	logger      *zap.Logger
}

// NewStreamConsumer 创建 Streams 消费者
func NewStreamConsumer(cfg *config.Config, redisClient *redis.Client, tracker Tracker, logger *zap.Logger) *StreamConsumer {
	return &StreamConsumer{
		config:      cfg,
		redisClient: redisClient,
		tracker:     tracker,
		logger:      logger,
	}
}

// Start 启动消费者，阻塞直到 ctx 取消
func (c *StreamConsumer) Start(ctx context.Context) error {
	ingest := c.config.Ingest
	for _, stream := range []string{ingest.LocationStream, ingest.RouteStream} {
		if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, stream, ingest.ConsumerGroup); err != nil {
			return fmt.Errorf("failed to create consumer group for %s: %w", stream, err)
		}
	}

	c.logger.Info("Stream consumer started",
		zap.String("consumer_group", ingest.ConsumerGroup),
		zap.String("consumer_name", ingest.ConsumerName),
	)

	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stream consumer stopped")
			return nil
		default:
		}

		// 路线变更先于位置处理，避免新样本仍按旧路线匹配
		routeErr := c.consumeStream(ctx, ingest.RouteStream, 0, c.handleRouteChange)
		locationErr := c.consumeStream(ctx, ingest.LocationStream, ingest.BlockTimeout, c.handleLocation)

		if ctx.Err() != nil {
			continue
		}
		if routeErr != nil && locationErr != nil {
			c.logger.Error("Failed to consume streams",
				zap.Error(locationErr),
				zap.NamedError("route_error", routeErr),
				zap.Duration("backoff", backoffDuration),
			)
			select {
			case <-ctx.Done():
			case <-time.After(backoffDuration):
				backoffDuration *= 2
				if backoffDuration > maxBackoff {
					backoffDuration = maxBackoff
				}
			}
			continue
		}

		backoffDuration = time.Second
		if routeErr != nil {
			c.logger.Error("Failed to consume route stream", zap.Error(routeErr))
		}
		if locationErr != nil {
			c.logger.Error("Failed to consume location stream", zap.Error(locationErr))
		}
	}
}

// consumeStream 读取并处理一批消息；处理完成（含无法解析的消息）后确认
func (c *StreamConsumer) consumeStream(ctx context.Context, stream string, block time.Duration, handle func(context.Context, []byte) error) error {
	ingest := c.config.Ingest
	messages, err := rediscommon.ReadFromStream(ctx, c.redisClient, stream, ingest.ConsumerGroup, ingest.ConsumerName, ingest.BatchSize, block)
	if err != nil {
		return fmt.Errorf("failed to read from stream %s: %w", stream, err)
	}

	for _, msg := range messages {
		data, err := msg.Data()
		if err == nil {
			err = handle(ctx, data)
		}
		if errors.Is(err, pipeline.ErrClosed) {
			// 管线已关闭，保留未确认消息
			return nil
		}
		if err != nil {
			c.logger.Error("Failed to process message",
				zap.String("stream", stream),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
		if ackErr := rediscommon.AckMessages(ctx, c.redisClient, stream, ingest.ConsumerGroup, msg.ID); ackErr != nil {
			c.logger.Warn("Failed to ack message", zap.String("stream", stream), zap.String("message_id", msg.ID), zap.Error(ackErr))
		}
	}
	return nil
}

func (c *StreamConsumer) handleLocation(_ context.Context, data []byte) error {
	var msg LocationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal location message: %w", err)
	}
	return c.tracker.OnPositionSample(msg.UserID, msg.Sample)
}

func (c *StreamConsumer) handleRouteChange(ctx context.Context, data []byte) error {
	var msg RouteChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal route change message: %w", err)
	}
	if err := c.tracker.SetActiveRoute(ctx, msg.UserID, msg.RouteID); err != nil {
		return fmt.Errorf("failed to set active route for %s: %w", msg.UserID, err)
	}
	return nil
}
