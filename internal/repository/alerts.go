package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"soma-geofence/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const alertColumns = `
		id, dementia_user_id, alert_type, severity, message,
		location_lat, location_lng, route_id,
		COALESCE(is_resolved, false), resolved_at, created_at`

// AlertRepository 报警仓库（alerts）
type AlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRepository 创建报警仓库
func NewAlertRepository(db *sql.DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{
		db:     db,
		logger: logger,
	}
}

// AlertFilters 报警查询条件
type AlertFilters struct {
	UserID         string
	AlertTypes     []string   // alert_type IN (...)
	Since          *time.Time // created_at >= Since
	Until          *time.Time // created_at < Until
	UnresolvedOnly bool
	Limit          int
}

// CreateAlert 写入报警（按ID幂等）
func (r *AlertRepository) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if alert.ID == "" || alert.DementiaUserID == "" {
		return fmt.Errorf("id and dementia_user_id are required")
	}

	query := `
		INSERT INTO alerts (
			id, dementia_user_id, alert_type, severity, message,
			location_lat, location_lng, route_id, is_resolved, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, $9)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		alert.ID,
		alert.DementiaUserID,
		alert.AlertType,
		alert.Severity,
		alert.Message,
		alert.LocationLat,
		alert.LocationLng,
		alert.RouteID,
		alert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// ResolveAlert 标记报警已解除（已解除或不存在时不报错）
func (r *AlertRepository) ResolveAlert(ctx context.Context, alertID string, resolvedAt time.Time) error {
	if alertID == "" {
		return fmt.Errorf("alert id is required")
	}

	query := `
		UPDATE alerts
		SET is_resolved = true, resolved_at = $2
		WHERE id = $1
		  AND COALESCE(is_resolved, false) = false`

	result, err := r.db.ExecContext(ctx, query, alertID, resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		r.logger.Debug("Alert already resolved or missing", zap.String("alert_id", alertID))
	}
	return nil
}

// GetUnresolvedDeviation 获取用户在某路线上未解除的偏离报警（没有时返回 nil）
func (r *AlertRepository) GetUnresolvedDeviation(ctx context.Context, userID, routeID string) (*models.Alert, error) {
	query := `SELECT` + alertColumns + `
		FROM alerts
		WHERE dementia_user_id = $1
		  AND route_id = $2
		  AND alert_type = $3
		  AND COALESCE(is_resolved, false) = false
		ORDER BY created_at DESC
		LIMIT 1`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, userID, routeID, models.AlertTypeRouteDeviation))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query unresolved deviation alert: %w", err)
	}
	return alert, nil
}

// ListAlerts 按条件查询报警（按创建时间倒序）
func (r *AlertRepository) ListAlerts(ctx context.Context, filters AlertFilters) ([]models.Alert, error) {
	if filters.UserID == "" {
		return nil, fmt.Errorf("dementia_user_id is required")
	}

	conditions := []string{"dementia_user_id = $1"}
	args := []interface{}{filters.UserID}
	argIndex := 2

	if len(filters.AlertTypes) > 0 {
		conditions = append(conditions, fmt.Sprintf("alert_type = ANY($%d)", argIndex))
		args = append(args, pq.Array(filters.AlertTypes))
		argIndex++
	}
	if filters.Since != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIndex))
		args = append(args, *filters.Since)
		argIndex++
	}
	if filters.Until != nil {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIndex))
		args = append(args, *filters.Until)
		argIndex++
	}
	if filters.UnresolvedOnly {
		conditions = append(conditions, "COALESCE(is_resolved, false) = false")
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := `SELECT` + alertColumns + `
		FROM alerts
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY created_at DESC
		LIMIT $` + fmt.Sprint(argIndex)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, *alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}
	return alerts, nil
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var (
		alert      models.Alert
		lat, lng   sql.NullFloat64
		routeID    sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&alert.ID,
		&alert.DementiaUserID,
		&alert.AlertType,
		&alert.Severity,
		&alert.Message,
		&lat,
		&lng,
		&routeID,
		&alert.IsResolved,
		&resolvedAt,
		&alert.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	alert.LocationLat = nullFloatPtr(lat)
	alert.LocationLng = nullFloatPtr(lng)
	alert.RouteID = nullStringPtr(routeID)
	alert.ResolvedAt = nullTimePtr(resolvedAt)
	return &alert, nil
}
