package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"soma-geofence/internal/geo"
	"soma-geofence/internal/models"
	"soma-geofence/internal/pipeline"

	"go.uber.org/zap"
)

const (
	defaultDeviationLimit = 10
	maxDeviationLimit     = 50
	defaultReportWindow   = 24 * time.Hour
	maxReportWindow       = 31 * 24 * time.Hour
)

// Tracking 采集管线操作
type Tracking interface {
	OnPositionSample(userID string, sample models.PositionSample) error
	SetActiveRoute(ctx context.Context, userID string, routeID *string) error
	RequestSOS(ctx context.Context, userID string, sample models.PositionSample) (string, error)
	StopTracking(ctx context.Context, userID string) error
	Status(userID string) pipeline.StatusView
	RecentDeviations(userID string, n int) []pipeline.Event
}

// ReportGenerator 历史导出
type ReportGenerator interface {
	History(ctx context.Context, userID string, since, until time.Time) ([]byte, error)
}

// TrackingHandler 位置上报、路线切换、SOS 与看板查询
type TrackingHandler struct {
	tracking Tracking
	reports  ReportGenerator
	logger   *zap.Logger
	now      func() time.Time
}

func NewTrackingHandler(tracking Tracking, reports ReportGenerator, logger *zap.Logger) *TrackingHandler {
	return &TrackingHandler{
		tracking: tracking,
		reports:  reports,
		logger:   logger,
		now:      time.Now,
	}
}

type samplesRequest struct {
	Samples []models.PositionSample `json:"samples"`
}

type routeRequest struct {
	RouteID *string `json:"route_id"`
}

// PostSamples POST /api/v1/tracking/{user_id}/samples
// 先校验整批，全部合法后按顺序入队
func (h *TrackingHandler) PostSamples(w http.ResponseWriter, r *http.Request, userID string) {
	var req samplesRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if len(req.Samples) == 0 {
		writeJSON(w, http.StatusBadRequest, Fail("samples is required"))
		return
	}
	for i, s := range req.Samples {
		if err := s.Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, Fail(fmt.Sprintf("sample %d: %v", i, err)))
			return
		}
	}

	accepted := 0
	for _, s := range req.Samples {
		if err := h.tracking.OnPositionSample(userID, s); err != nil {
			h.logger.Warn("Failed to accept sample", zap.String("user_id", userID), zap.Error(err))
			status := http.StatusBadRequest
			if errors.Is(err, pipeline.ErrClosed) {
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, Fail(err.Error()))
			return
		}
		accepted++
	}
	writeJSON(w, http.StatusAccepted, Ok(map[string]int{"accepted": accepted}))
}

// PutRoute PUT /api/v1/tracking/{user_id}/route，route_id 为 null 时清除
func (h *TrackingHandler) PutRoute(w http.ResponseWriter, r *http.Request, userID string) {
	var req routeRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}

	if err := h.tracking.SetActiveRoute(r.Context(), userID, req.RouteID); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrRouteNotFound):
			writeJSON(w, http.StatusNotFound, Fail(err.Error()))
		case errors.Is(err, geo.ErrInvalidGeometry):
			writeJSON(w, http.StatusUnprocessableEntity, Fail(err.Error()))
		case errors.Is(err, pipeline.ErrClosed):
			writeJSON(w, http.StatusServiceUnavailable, Fail(err.Error()))
		default:
			h.logger.Error("Failed to set active route", zap.String("user_id", userID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, Fail("failed to set active route"))
		}
		return
	}
	writeJSON(w, http.StatusOK, Ok(h.tracking.Status(userID)))
}

// PostSOS POST /api/v1/tracking/{user_id}/sos
func (h *TrackingHandler) PostSOS(w http.ResponseWriter, r *http.Request, userID string) {
	var sample models.PositionSample
	if err := readBodyJSON(r, maxBodyBytes, &sample); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}

	alertID, err := h.tracking.RequestSOS(r.Context(), userID, sample)
	if err != nil {
		if errors.Is(err, geo.ErrInvalidGeometry) {
			writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
			return
		}
		h.logger.Error("Failed to request sos", zap.String("user_id", userID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to request sos"))
		return
	}
	writeJSON(w, http.StatusCreated, Ok(map[string]string{"alert_id": alertID}))
}

// StopTracking DELETE /api/v1/tracking/{user_id}
func (h *TrackingHandler) StopTracking(w http.ResponseWriter, r *http.Request, userID string) {
	if err := h.tracking.StopTracking(r.Context(), userID); err != nil {
		h.logger.Error("Failed to stop tracking", zap.String("user_id", userID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to stop tracking"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(h.tracking.Status(userID)))
}

// GetStatus GET /api/v1/tracking/{user_id}/status
func (h *TrackingHandler) GetStatus(w http.ResponseWriter, r *http.Request, userID string) {
	writeJSON(w, http.StatusOK, Ok(h.tracking.Status(userID)))
}

// GetDeviations GET /api/v1/tracking/{user_id}/deviations?limit=N
func (h *TrackingHandler) GetDeviations(w http.ResponseWriter, r *http.Request, userID string) {
	limit := parseInt(r.URL.Query().Get("limit"), defaultDeviationLimit)
	if limit <= 0 {
		limit = defaultDeviationLimit
	}
	if limit > maxDeviationLimit {
		limit = maxDeviationLimit
	}

	events := h.tracking.RecentDeviations(userID, limit)
	if events == nil {
		events = []pipeline.Event{}
	}
	writeJSON(w, http.StatusOK, Ok(events))
}

// GetReport GET /api/v1/tracking/{user_id}/report?since=&until=（RFC3339，默认最近 24 小时）
func (h *TrackingHandler) GetReport(w http.ResponseWriter, r *http.Request, userID string) {
	now := h.now().UTC()
	q := r.URL.Query()
	until, err := parseTime(q.Get("until"), now)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid until"))
		return
	}
	since, err := parseTime(q.Get("since"), until.Add(-defaultReportWindow))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid since"))
		return
	}
	if !since.Before(until) || until.Sub(since) > maxReportWindow {
		writeJSON(w, http.StatusBadRequest, Fail("invalid time range"))
		return
	}

	data, err := h.reports.History(r.Context(), userID, since, until)
	if err != nil {
		h.logger.Error("Failed to generate report", zap.String("user_id", userID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to generate report"))
		return
	}

	filename := fmt.Sprintf("soma_%s_%s.xlsx", userID, until.Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
