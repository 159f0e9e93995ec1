package consumer

import (
	"context"
	"fmt"
	"time"

	mqttcommon "soma-geofence/common/mqtt"
	rediscommon "soma-geofence/common/redis"
	"soma-geofence/internal/config"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// MQTTBridge 订阅手机端主题：位置转入 Redis Streams，SOS 直接提交
type MQTTBridge struct {
	config      *config.Config
	mqttClient  *mqttcommon.Client
	redisClient *redis.Client
	tracker     Tracker
	logger      *zap.Logger
	now         func() time.Time
}

// NewMQTTBridge 创建 MQTT 桥接
func NewMQTTBridge(cfg *config.Config, mqttClient *mqttcommon.Client, redisClient *redis.Client, tracker Tracker, logger *zap.Logger) *MQTTBridge {
	return &MQTTBridge{
		config:      cfg,
		mqttClient:  mqttClient,
		redisClient: redisClient,
		tracker:     tracker,
		logger:      logger,
		now:         time.Now,
	}
}

// Start 订阅主题，阻塞直到 ctx 取消
func (b *MQTTBridge) Start(ctx context.Context) error {
	qos := b.config.MQTT.QoS
	if err := b.mqttClient.Subscribe(b.config.Ingest.LocationTopic, qos, b.handleLocation); err != nil {
		return fmt.Errorf("failed to subscribe to location topic: %w", err)
	}
	if err := b.mqttClient.Subscribe(b.config.Ingest.SOSTopic, qos, b.handleSOS); err != nil {
		return fmt.Errorf("failed to subscribe to sos topic: %w", err)
	}

	b.logger.Info("MQTT bridge started",
		zap.String("location_topic", b.config.Ingest.LocationTopic),
		zap.String("sos_topic", b.config.Ingest.SOSTopic),
	)

	<-ctx.Done()
	return nil
}

// Stop 取消订阅
func (b *MQTTBridge) Stop() {
	if err := b.mqttClient.Unsubscribe(b.config.Ingest.LocationTopic, b.config.Ingest.SOSTopic); err != nil {
		b.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	b.logger.Info("MQTT bridge stopped")
}

// handleLocation 主题格式: soma/location/{user_id}
func (b *MQTTBridge) handleLocation(topic string, payload []byte) error {
	userID, err := userFromTopic(topic)
	if err != nil {
		return err
	}
	p, err := parseDevicePayload(payload)
	if err != nil {
		return err
	}

	msg := LocationMessage{UserID: userID, Sample: p.Sample(b.now())}
	streamID, err := rediscommon.PublishJSONToStream(context.Background(), b.redisClient, b.config.Ingest.LocationStream, msg)
	if err != nil {
		return fmt.Errorf("failed to publish to stream: %w", err)
	}

	b.logger.Debug("Published location sample to Redis Streams",
		zap.String("user_id", userID),
		zap.String("stream_id", streamID),
	)
	return nil
}

// handleSOS 主题格式: soma/sos/{user_id}
func (b *MQTTBridge) handleSOS(topic string, payload []byte) error {
	userID, err := userFromTopic(topic)
	if err != nil {
		return err
	}
	p, err := parseDevicePayload(payload)
	if err != nil {
		return err
	}

	alertID, err := b.tracker.RequestSOS(context.Background(), userID, p.Sample(b.now()))
	if err != nil {
		return fmt.Errorf("failed to request sos for %s: %w", userID, err)
	}

	b.logger.Info("SOS received over MQTT", zap.String("user_id", userID), zap.String("alert_id", alertID))
	return nil
}
