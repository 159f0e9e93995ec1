package emitter

import (
	"context"
	"fmt"
	"sort"
	"time"

	"soma-geofence/internal/geo"
	"soma-geofence/internal/models"
	"soma-geofence/internal/outbox"

	"go.uber.org/zap"
)

// AlertStore 报警持久化
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	ResolveAlert(ctx context.Context, alertID string, resolvedAt time.Time) error
}

// ContactSource 地标、照护人与志愿者查询
type ContactSource interface {
	ListLocationPoints(ctx context.Context, userID string) ([]models.LocationPoint, error)
	ListCaregivers(ctx context.Context, userID string) ([]models.Caregiver, error)
	ListActiveBuddies(ctx context.Context, userID string) ([]models.Buddy, error)
}

// Notifier 报警推送通道
type Notifier interface {
	Notify(ctx context.Context, event models.AlertEvent) error
}

// HandlerConfig outbox 处理配置
type HandlerConfig struct {
	ComfortPointRadius   float64 // 报警消息引用附近地标的最大距离（米）
	SOSBuddyRadiusMeters float64 // SOS 通知志愿者的最大距离（米）
}

// Handlers 报警相关 outbox 任务处理（在调度器 goroutine 中执行 I/O）
type Handlers struct {
	alerts   AlertStore
	contacts ContactSource
	notifier Notifier
	outbox   Enqueuer
	config   HandlerConfig
	logger   *zap.Logger
}

// NewHandlers 创建报警任务处理器
func NewHandlers(alerts AlertStore, contacts ContactSource, notifier Notifier, ob Enqueuer, cfg HandlerConfig, logger *zap.Logger) *Handlers {
	return &Handlers{
		alerts:   alerts,
		contacts: contacts,
		notifier: notifier,
		outbox:   ob,
		config:   cfg,
		logger:   logger,
	}
}

// Register 注册到调度器
func (h *Handlers) Register(d *outbox.Dispatcher) {
	d.Register(outbox.KindAlertCreate, h.HandleCreate)
	d.Register(outbox.KindAlertResolve, h.HandleResolve)
	d.Register(outbox.KindAlertNotify, h.HandleNotify)
}

// HandleCreate 补充报警消息、写入报警并提交推送任务
func (h *Handlers) HandleCreate(ctx context.Context, job outbox.Job) error {
	var alert models.Alert
	if err := job.Decode(&alert); err != nil {
		return err
	}

	if alert.AlertType == models.AlertTypeRouteDeviation {
		h.enrich(ctx, &alert)
	}

	if err := h.alerts.CreateAlert(ctx, &alert); err != nil {
		return fmt.Errorf("failed to create alert %s: %w", alert.ID, err)
	}

	event := models.AlertEvent{Event: models.AlertEventCreated, Alert: alert}
	if alert.AlertType == models.AlertTypeSOS {
		event.Contacts = h.sosContacts(ctx, alert)
	}

	if _, err := h.outbox.Enqueue(ctx, outbox.KindAlertNotify, alert.DementiaUserID, event); err != nil {
		return fmt.Errorf("failed to submit notification for alert %s: %w", alert.ID, err)
	}
	return nil
}

// HandleResolve 标记报警已解除并提交推送任务
func (h *Handlers) HandleResolve(ctx context.Context, job outbox.Job) error {
	var payload outbox.ResolvePayload
	if err := job.Decode(&payload); err != nil {
		return err
	}

	if err := h.alerts.ResolveAlert(ctx, payload.AlertID, payload.ResolvedAt); err != nil {
		return fmt.Errorf("failed to resolve alert %s: %w", payload.AlertID, err)
	}

	resolvedAt := payload.ResolvedAt
	alert := models.Alert{
		ID:             payload.AlertID,
		DementiaUserID: payload.UserID,
		AlertType:      models.AlertTypeRouteDeviation,
		IsResolved:     true,
		ResolvedAt:     &resolvedAt,
	}
	if payload.RouteID != "" {
		routeID := payload.RouteID
		alert.RouteID = &routeID
	}

	event := models.AlertEvent{Event: models.AlertEventResolved, Alert: alert}
	if _, err := h.outbox.Enqueue(ctx, outbox.KindAlertNotify, payload.UserID, event); err != nil {
		return fmt.Errorf("failed to submit resolution notification for alert %s: %w", payload.AlertID, err)
	}
	return nil
}

// HandleNotify 推送报警事件
func (h *Handlers) HandleNotify(ctx context.Context, job outbox.Job) error {
	var event models.AlertEvent
	if err := job.Decode(&event); err != nil {
		return err
	}
	return h.notifier.Notify(ctx, event)
}

// enrich 在消息中引用最近的安心/安全地标，查询失败时保留原消息
func (h *Handlers) enrich(ctx context.Context, alert *models.Alert) {
	if h.contacts == nil || h.config.ComfortPointRadius <= 0 || alert.LocationLat == nil || alert.LocationLng == nil {
		return
	}

	points, err := h.contacts.ListLocationPoints(ctx, alert.DementiaUserID)
	if err != nil {
		h.logger.Warn("Failed to load location points for alert message",
			zap.String("alert_id", alert.ID),
			zap.Error(err),
		)
		return
	}

	at := geo.Point{Lat: *alert.LocationLat, Lon: *alert.LocationLng}
	if p, dist, ok := NearestPoint(points, at, h.config.ComfortPointRadius); ok {
		alert.Message = fmt.Sprintf("%s, near %s (%s point, %.0f m)", alert.Message, p.Name, p.PointType, dist)
	}
}

// NearestPoint 返回半径内最近的 comfort/safe 地标
func NearestPoint(points []models.LocationPoint, at geo.Point, radius float64) (models.LocationPoint, float64, bool) {
	var (
		best  models.LocationPoint
		bestD float64
		found bool
	)
	for _, p := range points {
		if p.PointType != models.PointTypeComfort && p.PointType != models.PointTypeSafe {
			continue
		}
		d := geo.Haversine(at, p.Point())
		if d > radius {
			continue
		}
		if !found || d < bestD {
			best, bestD, found = p, d, true
		}
	}
	return best, bestD, found
}

// sosContacts 照护人（紧急联系人在前）与半径内的志愿者（按距离排序）。
// 查询失败只记录警告，推送仍然发出
func (h *Handlers) sosContacts(ctx context.Context, alert models.Alert) []models.Contact {
	if h.contacts == nil {
		return nil
	}

	var contacts []models.Contact
	caregivers, err := h.contacts.ListCaregivers(ctx, alert.DementiaUserID)
	if err != nil {
		h.logger.Warn("Failed to list caregivers for SOS notification",
			zap.String("alert_id", alert.ID),
			zap.String("user_id", alert.DementiaUserID),
			zap.Error(err),
		)
	}
	sort.SliceStable(caregivers, func(i, j int) bool {
		return caregivers[i].EmergencyContact && !caregivers[j].EmergencyContact
	})
	for _, c := range caregivers {
		contacts = append(contacts, models.Contact{Kind: "caregiver", ID: c.CaregiverID})
	}

	if alert.LocationLat == nil || alert.LocationLng == nil || h.config.SOSBuddyRadiusMeters <= 0 {
		return contacts
	}

	buddies, err := h.contacts.ListActiveBuddies(ctx, alert.DementiaUserID)
	if err != nil {
		h.logger.Warn("Failed to list buddies for SOS notification",
			zap.String("alert_id", alert.ID),
			zap.String("user_id", alert.DementiaUserID),
			zap.Error(err),
		)
		return contacts
	}

	at := geo.Point{Lat: *alert.LocationLat, Lon: *alert.LocationLng}
	var nearby []models.Contact
	for _, b := range buddies {
		if b.Latitude == nil || b.Longitude == nil {
			continue
		}
		d := geo.Haversine(at, geo.Point{Lat: *b.Latitude, Lon: *b.Longitude})
		if d > h.config.SOSBuddyRadiusMeters {
			continue
		}
		dist := d
		nearby = append(nearby, models.Contact{Kind: "buddy", ID: b.ID, Name: b.Name, Phone: b.Phone, Distance: &dist})
	}
	sort.SliceStable(nearby, func(i, j int) bool { return *nearby[i].Distance < *nearby[j].Distance })

	return append(contacts, nearby...)
}
