package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"soma-geofence/common/config"
	"soma-geofence/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WebhookNotifier 推送网关通知（照护者手机推送）
// 非 SOS 的新报警按用户限流，SOS 与解除事件不受限
type WebhookNotifier struct {
	httpClient *resty.Client
	url        string
	interval   time.Duration
	burst      int
	logger     *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	retrying map[string]struct{} // 已通过限流但投递失败的报警，重试时不再限流
}

// NewWebhookNotifier 创建推送通知通道
func NewWebhookNotifier(cfg *config.WebhookConfig, interval time.Duration, burst int, logger *zap.Logger) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r != nil && r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &WebhookNotifier{
		httpClient: client,
		url:        cfg.URL,
		interval:   interval,
		burst:      burst,
		logger:     logger,
		limiters:   make(map[string]*rate.Limiter),
		retrying:   make(map[string]struct{}),
	}
}

func (n *WebhookNotifier) limiter(userID string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Every(n.interval), n.burst)
		n.limiters[userID] = l
	}
	return l
}

func limited(event models.AlertEvent) bool {
	return event.Event == models.AlertEventCreated && event.Alert.AlertType != models.AlertTypeSOS
}

func (n *WebhookNotifier) throttled(event models.AlertEvent) bool {
	if n.interval <= 0 || !limited(event) {
		return false
	}
	n.mu.Lock()
	_, retry := n.retrying[event.Alert.ID]
	n.mu.Unlock()
	if retry {
		return false
	}
	return !n.limiter(event.Alert.DementiaUserID).Allow()
}

// settle 记录投递结果：失败的受限事件在重试时跳过限流
func (n *WebhookNotifier) settle(event models.AlertEvent, delivered bool) {
	if n.interval <= 0 || !limited(event) {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if delivered {
		delete(n.retrying, event.Alert.ID)
		return
	}
	n.retrying[event.Alert.ID] = struct{}{}
}

// Notify 推送报警事件；被限流的事件丢弃并记录
func (n *WebhookNotifier) Notify(ctx context.Context, event models.AlertEvent) error {
	if n.throttled(event) {
		n.logger.Info("Push notification throttled",
			zap.String("user_id", event.Alert.DementiaUserID),
			zap.String("alert_id", event.Alert.ID),
		)
		return nil
	}

	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(event).
		Post(n.url)
	if err != nil {
		n.settle(event, false)
		return fmt.Errorf("failed to call push webhook: %w", err)
	}
	if resp.IsError() {
		n.settle(event, false)
		return fmt.Errorf("push webhook returned status %d", resp.StatusCode())
	}
	n.settle(event, true)

	n.logger.Info("Push notification sent",
		zap.String("user_id", event.Alert.DementiaUserID),
		zap.String("alert_id", event.Alert.ID),
		zap.String("event", event.Event),
		zap.Int("contacts", len(event.Contacts)),
	)
	return nil
}
