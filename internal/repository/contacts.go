package repository

import (
	"context"
	"database/sql"
	"fmt"

	"soma-geofence/internal/models"

	"go.uber.org/zap"
)

// ContactRepository 地标、照护关系与社区志愿者查询
type ContactRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewContactRepository 创建联系人仓库
func NewContactRepository(db *sql.DB, logger *zap.Logger) *ContactRepository {
	return &ContactRepository{
		db:     db,
		logger: logger,
	}
}

// ListLocationPoints 用户的情绪地标（location_points）
func (r *ContactRepository) ListLocationPoints(ctx context.Context, userID string) ([]models.LocationPoint, error) {
	query := `
		SELECT id, dementia_user_id, name, point_type, latitude, longitude, route_id
		FROM location_points
		WHERE dementia_user_id = $1
		ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query location_points: %w", err)
	}
	defer rows.Close()

	var points []models.LocationPoint
	for rows.Next() {
		var (
			p       models.LocationPoint
			routeID sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.DementiaUserID, &p.Name, &p.PointType, &p.Latitude, &p.Longitude, &routeID); err != nil {
			return nil, fmt.Errorf("failed to scan location_points: %w", err)
		}
		p.RouteID = nullStringPtr(routeID)
		points = append(points, p)
	}
	return points, rows.Err()
}

// ListCaregivers 用户的照护人（caregiving_relationships）
func (r *ContactRepository) ListCaregivers(ctx context.Context, userID string) ([]models.Caregiver, error) {
	query := `
		SELECT caregiver_id, dementia_user_id, COALESCE(emergency_contact, false)
		FROM caregiving_relationships
		WHERE dementia_user_id = $1
		ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query caregiving_relationships: %w", err)
	}
	defer rows.Close()

	var caregivers []models.Caregiver
	for rows.Next() {
		var c models.Caregiver
		if err := rows.Scan(&c.CaregiverID, &c.DementiaUserID, &c.EmergencyContact); err != nil {
			return nil, fmt.Errorf("failed to scan caregiving_relationships: %w", err)
		}
		caregivers = append(caregivers, c)
	}
	return caregivers, rows.Err()
}

// ListActiveBuddies 已激活且已验证的社区志愿者（buddy_watch）
func (r *ContactRepository) ListActiveBuddies(ctx context.Context, userID string) ([]models.Buddy, error) {
	query := `
		SELECT id, dementia_user_id, name, phone, latitude, longitude
		FROM buddy_watch
		WHERE dementia_user_id = $1
		  AND COALESCE(is_active, false) = true
		  AND COALESCE(is_verified, false) = true`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query buddy_watch: %w", err)
	}
	defer rows.Close()

	var buddies []models.Buddy
	for rows.Next() {
		var (
			b        models.Buddy
			phone    sql.NullString
			lat, lng sql.NullFloat64
		)
		if err := rows.Scan(&b.ID, &b.DementiaUserID, &b.Name, &phone, &lat, &lng); err != nil {
			return nil, fmt.Errorf("failed to scan buddy_watch: %w", err)
		}
		b.Phone = nullStringPtr(phone)
		b.Latitude = nullFloatPtr(lat)
		b.Longitude = nullFloatPtr(lng)
		buddies = append(buddies, b)
	}
	return buddies, rows.Err()
}
