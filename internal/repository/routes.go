package repository

import (
	"context"
	"database/sql"
	"fmt"

	"soma-geofence/internal/models"

	"go.uber.org/zap"
)

const routeColumns = `
		id, dementia_user_id, created_by, name, path_data,
		COALESCE(is_active, false), distance_meters, estimated_duration_minutes,
		corridor_meters, updated_at`

// RouteRepository 安全路线仓库（safe_routes）
type RouteRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRouteRepository 创建路线仓库
func NewRouteRepository(db *sql.DB, logger *zap.Logger) *RouteRepository {
	return &RouteRepository{
		db:     db,
		logger: logger,
	}
}

// GetRoute 根据ID获取路线（不存在时返回 nil）
func (r *RouteRepository) GetRoute(ctx context.Context, routeID string) (*models.Route, error) {
	if routeID == "" {
		return nil, fmt.Errorf("route_id is required")
	}

	query := `SELECT` + routeColumns + `
		FROM safe_routes
		WHERE id = $1`

	route, err := r.scanRoute(r.db.QueryRowContext(ctx, query, routeID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query safe_routes: %w", err)
	}
	return route, nil
}

// GetActiveRoute 获取用户当前激活的路线（多条时取最近更新的一条，没有时返回 nil）
func (r *RouteRepository) GetActiveRoute(ctx context.Context, userID string) (*models.Route, error) {
	if userID == "" {
		return nil, fmt.Errorf("dementia_user_id is required")
	}

	query := `SELECT` + routeColumns + `
		FROM safe_routes
		WHERE dementia_user_id = $1
		  AND is_active = true
		ORDER BY updated_at DESC
		LIMIT 1`

	route, err := r.scanRoute(r.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query active route: %w", err)
	}
	return route, nil
}

// scanRoute path_data 无效时路线点为空，由调用方按无效几何处理
func (r *RouteRepository) scanRoute(row rowScanner) (*models.Route, error) {
	var (
		route    models.Route
		pathData []byte
		distance sql.NullFloat64
		duration sql.NullInt64
		corridor sql.NullFloat64
	)
	err := row.Scan(
		&route.ID,
		&route.DementiaUserID,
		&route.CreatedBy,
		&route.Name,
		&pathData,
		&route.IsActive,
		&distance,
		&duration,
		&corridor,
		&route.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	route.DistanceMeters = nullFloatPtr(distance)
	route.CorridorMeters = nullFloatPtr(corridor)
	if duration.Valid {
		minutes := int(duration.Int64)
		route.EstimatedDurationMinutes = &minutes
	}

	points, err := models.ParsePathData(pathData)
	if err != nil {
		r.logger.Warn("Route path_data is invalid",
			zap.String("route_id", route.ID),
			zap.Error(err),
		)
	} else {
		route.Waypoints = points
	}
	return &route, nil
}
