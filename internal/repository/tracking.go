package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"soma-geofence/internal/models"

	"go.uber.org/zap"
)

// TrackingRepository 位置轨迹仓库（location_tracking）
type TrackingRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTrackingRepository 创建轨迹仓库
func NewTrackingRepository(db *sql.DB, logger *zap.Logger) *TrackingRepository {
	return &TrackingRepository{
		db:     db,
		logger: logger,
	}
}

// InsertLocation 写入位置记录（按ID幂等，重复投递不会产生重复行）
func (r *TrackingRepository) InsertLocation(ctx context.Context, record *models.LocationRecord) error {
	if record.ID == "" || record.UserID == "" {
		return fmt.Errorf("id and user_id are required")
	}

	query := `
		INSERT INTO location_tracking (
			id, user_id, latitude, longitude, accuracy, heading, speed,
			route_id, is_on_route, deviation_meters, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		record.ID,
		record.UserID,
		record.Latitude,
		record.Longitude,
		record.Accuracy,
		record.Heading,
		record.Speed,
		record.RouteID,
		record.IsOnRoute,
		record.DeviationMeters,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert location_tracking: %w", err)
	}
	return nil
}

// ListLocations 查询时间段内的轨迹（按时间升序）
func (r *TrackingRepository) ListLocations(ctx context.Context, userID string, since, until time.Time, limit int) ([]models.LocationRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT id, user_id, latitude, longitude, accuracy, heading, speed,
		       route_id, is_on_route, deviation_meters, timestamp
		FROM location_tracking
		WHERE user_id = $1
		  AND timestamp >= $2
		  AND timestamp < $3
		ORDER BY timestamp ASC
		LIMIT $4`

	rows, err := r.db.QueryContext(ctx, query, userID, since, until, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query location_tracking: %w", err)
	}
	defer rows.Close()

	var records []models.LocationRecord
	for rows.Next() {
		var (
			rec                      models.LocationRecord
			accuracy, heading, speed sql.NullFloat64
			routeID                  sql.NullString
			onRoute                  sql.NullBool
			deviation                sql.NullFloat64
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.UserID,
			&rec.Latitude,
			&rec.Longitude,
			&accuracy,
			&heading,
			&speed,
			&routeID,
			&onRoute,
			&deviation,
			&rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan location_tracking: %w", err)
		}
		rec.Accuracy = nullFloatPtr(accuracy)
		rec.Heading = nullFloatPtr(heading)
		rec.Speed = nullFloatPtr(speed)
		rec.RouteID = nullStringPtr(routeID)
		rec.IsOnRoute = nullBoolPtr(onRoute)
		rec.DeviationMeters = nullFloatPtr(deviation)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate location_tracking: %w", err)
	}
	return records, nil
}
