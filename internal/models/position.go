package models

import (
	"fmt"
	"time"

	"soma-geofence/internal/geo"
)

// PositionSample 单次 GPS 读数（创建后不可修改）
type PositionSample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`          // 精度（米，>=0）
	Heading   *float64  `json:"heading,omitempty"` // 航向（0-360 度）
	Speed     *float64  `json:"speed,omitempty"`   // 速度（m/s）
	Timestamp time.Time `json:"timestamp"`         // UTC
}

// Point 返回样本坐标
func (s PositionSample) Point() geo.Point {
	return geo.Point{Lat: s.Latitude, Lon: s.Longitude}
}

// Validate 校验样本字段
func (s PositionSample) Validate() error {
	if err := s.Point().Validate(); err != nil {
		return err
	}
	if s.Accuracy < 0 {
		return fmt.Errorf("accuracy must be >= 0, got %v", s.Accuracy)
	}
	if s.Heading != nil && (*s.Heading < 0 || *s.Heading > 360) {
		return fmt.Errorf("heading must be within [0,360], got %v", *s.Heading)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// LocationRecord 位置轨迹记录（对应 location_tracking 表）
type LocationRecord struct {
	ID              string    `json:"id" db:"id"`
	UserID          string    `json:"user_id" db:"user_id"`
	Latitude        float64   `json:"latitude" db:"latitude"`
	Longitude       float64   `json:"longitude" db:"longitude"`
	Accuracy        *float64  `json:"accuracy,omitempty" db:"accuracy"`
	Heading         *float64  `json:"heading,omitempty" db:"heading"`
	Speed           *float64  `json:"speed,omitempty" db:"speed"`
	RouteID         *string   `json:"route_id,omitempty" db:"route_id"`
	IsOnRoute       *bool     `json:"is_on_route,omitempty" db:"is_on_route"`
	DeviationMeters *float64  `json:"deviation_meters,omitempty" db:"deviation_meters"`
	Timestamp       time.Time `json:"timestamp" db:"timestamp"`
}
