package notifier

import (
	"context"
	"errors"
	"fmt"

	"soma-geofence/internal/models"

	"go.uber.org/zap"
)

// Notifier 报警事件通知通道
type Notifier interface {
	Notify(ctx context.Context, event models.AlertEvent) error
}

// Publisher MQTT 发布接口（common/mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Fanout 依次调用所有通道，汇总错误
type Fanout struct {
	notifiers []Notifier
	logger    *zap.Logger
}

// NewFanout 创建多通道通知
func NewFanout(logger *zap.Logger, notifiers ...Notifier) *Fanout {
	return &Fanout{notifiers: notifiers, logger: logger}
}

// Notify 任一通道失败时返回错误，由 outbox 整体重试
func (f *Fanout) Notify(ctx context.Context, event models.AlertEvent) error {
	var errs []error
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			f.logger.Warn("Notification channel failed",
				zap.String("alert_id", event.Alert.ID),
				zap.String("event", event.Event),
				zap.String("channel", fmt.Sprintf("%T", n)),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
