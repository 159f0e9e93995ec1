// Package outbox 将持久化写入与通知从采集管线中解耦：调用方只负责追加任务，
// Dispatcher 在独立 goroutine 中按顺序执行并在失败时退避重试。
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 任务类型
const (
	KindTrackingInsert = "tracking.insert"
	KindAlertCreate    = "alert.create"
	KindAlertResolve   = "alert.resolve"
	KindAlertNotify    = "alert.notify"
)

// ErrPersistenceFailure 重试耗尽后仍写入失败
var ErrPersistenceFailure = errors.New("persistence failure")

// Job outbox 任务
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Key        string          `json:"key"` // 分区键（用户ID）
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	ref string // 存储层引用（如 stream 消息ID）
}

// Decode 解析任务载荷
func (j Job) Decode(dest interface{}) error {
	if err := json.Unmarshal(j.Payload, dest); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", j.Kind, err)
	}
	return nil
}

// ResolvePayload alert.resolve 任务载荷
type ResolvePayload struct {
	AlertID    string    `json:"alert_id"`
	UserID     string    `json:"user_id"`
	RouteID    string    `json:"route_id,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Store outbox 存储
type Store interface {
	Append(ctx context.Context, job Job) error
	// Fetch 取出待处理任务，无任务时最多等待一个轮询周期后返回空
	Fetch(ctx context.Context, max int64) ([]Job, error)
	Ack(ctx context.Context, job Job) error
	DeadLetter(ctx context.Context, job Job, cause error) error
}

// Outbox 任务入口
type Outbox struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// New 创建 Outbox
func New(store Store, logger *zap.Logger) *Outbox {
	return &Outbox{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Enqueue 追加任务
func (o *Outbox) Enqueue(ctx context.Context, kind, key string, payload interface{}) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}

	job := Job{
		ID:         uuid.New().String(),
		Kind:       kind,
		Key:        key,
		Payload:    raw,
		EnqueuedAt: o.now().UTC(),
	}
	if err := o.store.Append(ctx, job); err != nil {
		return Job{}, fmt.Errorf("failed to append %s job: %w", kind, err)
	}

	o.logger.Debug("Outbox job enqueued",
		zap.String("job_id", job.ID),
		zap.String("kind", kind),
		zap.String("key", key),
	)
	return job, nil
}
