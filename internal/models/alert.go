package models

import (
	"time"
)

// 报警类型
const (
	AlertTypeSOS            = "sos"
	AlertTypeRouteDeviation = "route_deviation"
)

// 报警级别
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Alert 报警记录（对应 alerts 表），只允许更新 is_resolved/resolved_at
type Alert struct {
	ID             string     `json:"id" db:"id"`
	DementiaUserID string     `json:"dementia_user_id" db:"dementia_user_id"`
	AlertType      string     `json:"alert_type" db:"alert_type"`
	Severity       string     `json:"severity" db:"severity"`
	Message        string     `json:"message" db:"message"`
	LocationLat    *float64   `json:"location_lat,omitempty" db:"location_lat"`
	LocationLng    *float64   `json:"location_lng,omitempty" db:"location_lng"`
	RouteID        *string    `json:"route_id,omitempty" db:"route_id"`
	IsResolved     bool       `json:"is_resolved" db:"is_resolved"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// 报警事件
const (
	AlertEventCreated  = "created"
	AlertEventResolved = "resolved"
)

// AlertEvent 推送给照护端的报警事件
type AlertEvent struct {
	Event    string    `json:"event"`
	Alert    Alert     `json:"alert"`
	Contacts []Contact `json:"contacts,omitempty"` // 仅 SOS：需要通知的照护人与志愿者
}

// Contact SOS 通知对象
type Contact struct {
	Kind     string   `json:"kind"` // caregiver | buddy
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Phone    *string  `json:"phone,omitempty"`
	Distance *float64 `json:"distance_meters,omitempty"`
}
