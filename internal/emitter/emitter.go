// Package emitter 将确认的路线偏离与 SOS 请求转换为报警记录。
//
// Emitter 只负责构建报警并提交到 outbox，持久化与推送由 outbox 调度器异步完成。
package emitter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"soma-geofence/internal/models"
	"soma-geofence/internal/outbox"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAlreadyAlerted 会话已有未解除的偏离报警（不是错误，仅表示本次不创建）
var ErrAlreadyAlerted = errors.New("already alerted")

// Enqueuer outbox 入口
type Enqueuer interface {
	Enqueue(ctx context.Context, kind, key string, payload interface{}) (outbox.Job, error)
}

// Target 报警关联的会话信息
type Target struct {
	UserID        string
	RouteID       string
	RouteName     string
	ActiveAlertID string // 当前未解除的偏离报警
}

// Emitter 报警生成器
type Emitter struct {
	outbox Enqueuer
	logger *zap.Logger
	newID  func() string
}

// NewEmitter 创建报警生成器
func NewEmitter(ob Enqueuer, logger *zap.Logger) *Emitter {
	return &Emitter{
		outbox: ob,
		logger: logger,
		newID:  func() string { return uuid.New().String() },
	}
}

// EmitDeviation 创建路线偏离报警；已有未解除报警时返回该报警ID与 ErrAlreadyAlerted
func (e *Emitter) EmitDeviation(ctx context.Context, target Target, sample models.PositionSample, deviationMeters float64) (string, error) {
	if target.ActiveAlertID != "" {
		return target.ActiveAlertID, ErrAlreadyAlerted
	}

	routeID := target.RouteID
	alert := e.newAlert(target.UserID, sample)
	alert.AlertType = models.AlertTypeRouteDeviation
	alert.Severity = models.SeverityHigh
	alert.RouteID = &routeID
	alert.Message = deviationMessage(target.RouteName, deviationMeters)

	if err := e.submit(ctx, alert); err != nil {
		return "", err
	}

	e.logger.Info("Route deviation alert emitted",
		zap.String("alert_id", alert.ID),
		zap.String("user_id", target.UserID),
		zap.String("route_id", routeID),
		zap.Float64("deviation_meters", deviationMeters),
	)
	return alert.ID, nil
}

// ResolveDeviation 解除会话当前的偏离报警（无报警时为空操作）
func (e *Emitter) ResolveDeviation(ctx context.Context, target Target, at time.Time) error {
	if target.ActiveAlertID == "" {
		return nil
	}

	payload := outbox.ResolvePayload{
		AlertID:    target.ActiveAlertID,
		UserID:     target.UserID,
		RouteID:    target.RouteID,
		ResolvedAt: at.UTC(),
	}
	if _, err := e.outbox.Enqueue(ctx, outbox.KindAlertResolve, target.UserID, payload); err != nil {
		return fmt.Errorf("failed to submit alert resolution %s: %w", target.ActiveAlertID, err)
	}

	e.logger.Info("Route deviation alert resolved",
		zap.String("alert_id", target.ActiveAlertID),
		zap.String("user_id", target.UserID),
		zap.String("route_id", target.RouteID),
	)
	return nil
}

// EmitSOS 创建 SOS 报警（不去重，与路线状态无关）
func (e *Emitter) EmitSOS(ctx context.Context, userID string, sample models.PositionSample) (string, error) {
	alert := e.newAlert(userID, sample)
	alert.AlertType = models.AlertTypeSOS
	alert.Severity = models.SeverityCritical
	alert.Message = "SOS: help requested"

	if err := e.submit(ctx, alert); err != nil {
		return "", err
	}

	e.logger.Warn("SOS alert emitted",
		zap.String("alert_id", alert.ID),
		zap.String("user_id", userID),
		zap.Float64("latitude", sample.Latitude),
		zap.Float64("longitude", sample.Longitude),
	)
	return alert.ID, nil
}

func (e *Emitter) newAlert(userID string, sample models.PositionSample) models.Alert {
	lat, lng := sample.Latitude, sample.Longitude
	return models.Alert{
		ID:             e.newID(),
		DementiaUserID: userID,
		LocationLat:    &lat,
		LocationLng:    &lng,
		CreatedAt:      sample.Timestamp.UTC(),
	}
}

func (e *Emitter) submit(ctx context.Context, alert models.Alert) error {
	if _, err := e.outbox.Enqueue(ctx, outbox.KindAlertCreate, alert.DementiaUserID, alert); err != nil {
		return fmt.Errorf("failed to submit %s alert: %w", alert.AlertType, err)
	}
	return nil
}

func deviationMessage(routeName string, deviationMeters float64) string {
	if routeName == "" {
		return fmt.Sprintf("Left safe route, about %.0f m off the planned path", deviationMeters)
	}
	return fmt.Sprintf("Left safe route %q, about %.0f m off the planned path", routeName, deviationMeters)
}
