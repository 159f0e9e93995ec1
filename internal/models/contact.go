package models

import "soma-geofence/internal/geo"

// 地标类型（location_points.point_type）
const (
	PointTypeComfort = "comfort"
	PointTypeStress  = "stress"
	PointTypeSafe    = "safe"
)

// LocationPoint 情绪地标（对应 location_points 表）
type LocationPoint struct {
	ID             string  `json:"id" db:"id"`
	DementiaUserID string  `json:"dementia_user_id" db:"dementia_user_id"`
	Name           string  `json:"name" db:"name"`
	PointType      string  `json:"point_type" db:"point_type"`
	Latitude       float64 `json:"latitude" db:"latitude"`
	Longitude      float64 `json:"longitude" db:"longitude"`
	RouteID        *string `json:"route_id,omitempty" db:"route_id"`
}

// Point 返回地标坐标
func (p LocationPoint) Point() geo.Point {
	return geo.Point{Lat: p.Latitude, Lon: p.Longitude}
}

// Buddy 社区志愿者（对应 buddy_watch 表）
type Buddy struct {
	ID             string   `json:"id" db:"id"`
	DementiaUserID string   `json:"dementia_user_id" db:"dementia_user_id"`
	Name           string   `json:"name" db:"name"`
	Phone          *string  `json:"phone,omitempty" db:"phone"`
	Latitude       *float64 `json:"latitude,omitempty" db:"latitude"`
	Longitude      *float64 `json:"longitude,omitempty" db:"longitude"`
}

// Caregiver 照护关系（对应 caregiving_relationships 表）
type Caregiver struct {
	CaregiverID      string `json:"caregiver_id" db:"caregiver_id"`
	DementiaUserID   string `json:"dementia_user_id" db:"dementia_user_id"`
	EmergencyContact bool   `json:"emergency_contact" db:"emergency_contact"`
}
