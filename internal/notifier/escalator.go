package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"soma-geofence/internal/outbox"

	"go.uber.org/zap"
)

// OpsEscalation 运维报警消息
type OpsEscalation struct {
	JobID       string    `json:"job_id"`
	Kind        string    `json:"kind"`
	Key         string    `json:"key"`
	Error       string    `json:"error"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	EscalatedAt time.Time `json:"escalated_at"`
}

// OpsEscalator 持久化任务重试耗尽后通知运维
type OpsEscalator struct {
	publisher Publisher
	topic     string
	qos       byte
	logger    *zap.Logger
}

// NewOpsEscalator 创建运维报警
func NewOpsEscalator(publisher Publisher, topic string, qos byte, logger *zap.Logger) *OpsEscalator {
	return &OpsEscalator{
		publisher: publisher,
		topic:     topic,
		qos:       qos,
		logger:    logger,
	}
}

// Escalate 发布运维报警
func (e *OpsEscalator) Escalate(_ context.Context, job outbox.Job, cause error) error {
	msg := OpsEscalation{
		JobID:       job.ID,
		Kind:        job.Kind,
		Key:         job.Key,
		EnqueuedAt:  job.EnqueuedAt,
		EscalatedAt: time.Now().UTC(),
	}
	if cause != nil {
		msg.Error = cause.Error()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation: %w", err)
	}
	if err := e.publisher.Publish(e.topic, e.qos, false, payload); err != nil {
		return fmt.Errorf("failed to publish escalation: %w", err)
	}

	e.logger.Error("Persistence job escalated to ops",
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.String("key", job.Key),
		zap.Error(cause),
	)
	return nil
}
