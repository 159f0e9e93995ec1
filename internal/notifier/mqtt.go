package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"soma-geofence/internal/models"

	"go.uber.org/zap"
)

// MQTTNotifier 将报警事件发布到 {prefix}{user_id}，供照护者 App 订阅
type MQTTNotifier struct {
	publisher   Publisher
	topicPrefix string
	qos         byte
	logger      *zap.Logger
}

// NewMQTTNotifier 创建 MQTT 通知通道
func NewMQTTNotifier(publisher Publisher, topicPrefix string, qos byte, logger *zap.Logger) *MQTTNotifier {
	return &MQTTNotifier{
		publisher:   publisher,
		topicPrefix: topicPrefix,
		qos:         qos,
		logger:      logger,
	}
}

// Notify 发布报警事件
func (n *MQTTNotifier) Notify(_ context.Context, event models.AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}

	topic := n.topicPrefix + event.Alert.DementiaUserID
	if err := n.publisher.Publish(topic, n.qos, false, payload); err != nil {
		return fmt.Errorf("failed to publish alert event to %s: %w", topic, err)
	}

	n.logger.Debug("Published alert event",
		zap.String("topic", topic),
		zap.String("alert_id", event.Alert.ID),
		zap.String("event", event.Event),
	)
	return nil
}
