package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Handler 任务处理函数
type Handler func(ctx context.Context, job Job) error

// Escalator 重试耗尽后的运维升级通道
type Escalator interface {
	Escalate(ctx context.Context, job Job, err error) error
}

// DispatcherConfig 调度器配置
type DispatcherConfig struct {
	BatchSize      int64
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Dispatcher 按入队顺序串行执行任务，失败时指数退避重试
type Dispatcher struct {
	store     Store
	escalator Escalator
	config    DispatcherConfig
	logger    *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher 创建调度器
func NewDispatcher(store Store, escalator Escalator, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Dispatcher{
		store:     store,
		escalator: escalator,
		config:    cfg,
		logger:    logger,
		handlers:  make(map[string]Handler),
	}
}

// Register 注册任务处理函数
func (d *Dispatcher) Register(kind string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

// Run 消费任务直到 ctx 取消
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Outbox dispatcher started",
		zap.Int64("batch_size", d.config.BatchSize),
		zap.Int("max_attempts", d.config.MaxAttempts),
	)

	for {
		if ctx.Err() != nil {
			d.logger.Info("Outbox dispatcher stopped")
			return nil
		}

		jobs, err := d.store.Fetch(ctx, d.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Info("Outbox dispatcher stopped")
				return nil
			}
			d.logger.Error("Failed to fetch outbox jobs", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, job := range jobs {
			if err := d.Dispatch(ctx, job); err != nil && ctx.Err() != nil {
				// 关闭时未完成的任务保持未确认，重启后重放
				d.logger.Info("Outbox dispatcher stopped with pending job", zap.String("job_id", job.ID))
				return nil
			}
		}
	}
}

// Dispatch 执行单个任务（含重试、死信、升级与确认）
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) error {
	d.mu.RLock()
	handler, ok := d.handlers[job.Kind]
	d.mu.RUnlock()

	if !ok {
		err := fmt.Errorf("no handler registered for job kind %q", job.Kind)
		d.fail(ctx, job, err)
		return err
	}

	// 单次写入不受关闭影响，重试间隔可被 ctx 打断
	writeCtx := context.WithoutCancel(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.config.InitialBackoff
	b.MaxInterval = d.config.MaxBackoff

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, handler(writeCtx, job)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.config.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.logger.Warn("Outbox job failed, retrying",
				zap.String("job_id", job.ID),
				zap.String("kind", job.Kind),
				zap.Duration("next_retry", next),
				zap.Error(err),
			)
		}),
	)
	if err == nil {
		if ackErr := d.store.Ack(writeCtx, job); ackErr != nil {
			d.logger.Error("Failed to ack outbox job", zap.String("job_id", job.ID), zap.Error(ackErr))
		}
		return nil
	}

	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}

	failure := fmt.Errorf("%w: job %s (%s) after %d attempts: %v", ErrPersistenceFailure, job.ID, job.Kind, attempts, err)
	d.fail(ctx, job, failure)
	return failure
}

// fail 写入死信、升级并确认，防止任务无限重放
func (d *Dispatcher) fail(ctx context.Context, job Job, cause error) {
	writeCtx := context.WithoutCancel(ctx)

	d.logger.Error("Outbox job failed permanently",
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.String("key", job.Key),
		zap.Error(cause),
	)

	if err := d.store.DeadLetter(writeCtx, job, cause); err != nil {
		d.logger.Error("Failed to dead-letter outbox job", zap.String("job_id", job.ID), zap.Error(err))
	}
	if d.escalator != nil {
		if err := d.escalator.Escalate(writeCtx, job, cause); err != nil {
			d.logger.Error("Failed to escalate outbox failure", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if err := d.store.Ack(writeCtx, job); err != nil {
		d.logger.Error("Failed to ack outbox job", zap.String("job_id", job.ID), zap.Error(err))
	}
}
