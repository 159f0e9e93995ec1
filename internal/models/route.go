package models

import (
	"encoding/json"
	"fmt"
	"time"

	"soma-geofence/internal/geo"
)

// Route 安全步行路线（对应 safe_routes 表）
type Route struct {
	ID                       string      `json:"id" db:"id"`
	DementiaUserID           string      `json:"dementia_user_id" db:"dementia_user_id"`
	CreatedBy                string      `json:"created_by" db:"created_by"`
	Name                     string      `json:"name" db:"name"`
	Waypoints                []geo.Point `json:"waypoints"` // 由 path_data 解析
	IsActive                 bool        `json:"is_active" db:"is_active"`
	DistanceMeters           *float64    `json:"distance_meters,omitempty" db:"distance_meters"`
	EstimatedDurationMinutes *int        `json:"estimated_duration_minutes,omitempty" db:"estimated_duration_minutes"`
	CorridorMeters           *float64    `json:"corridor_meters,omitempty" db:"corridor_meters"` // 路线走廊宽度，空则用全局默认
	UpdatedAt                time.Time   `json:"updated_at" db:"updated_at"`                     // 作为路线版本
}

// Version 路线版本标识
func (r *Route) Version() int64 {
	return r.UpdatedAt.UnixNano()
}

// PathData path_data 字段结构（GeoJSON LineString，坐标为 [lon, lat]）
type PathData struct {
	Type        string       `json:"type"`
	Coordinates [][2]float64 `json:"coordinates"`
}

// ParsePathData 解析并校验 path_data，返回路线点序列
func ParsePathData(raw []byte) ([]geo.Point, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: path_data is empty", geo.ErrInvalidGeometry)
	}

	var pd PathData
	if err := json.Unmarshal(raw, &pd); err != nil {
		return nil, fmt.Errorf("%w: malformed path_data: %v", geo.ErrInvalidGeometry, err)
	}
	if pd.Type != "" && pd.Type != "LineString" {
		return nil, fmt.Errorf("%w: unsupported path_data type %q", geo.ErrInvalidGeometry, pd.Type)
	}

	points := make([]geo.Point, len(pd.Coordinates))
	for i, c := range pd.Coordinates {
		points[i] = geo.Point{Lon: c[0], Lat: c[1]}
	}
	if err := geo.ValidatePolyline(points); err != nil {
		return nil, err
	}
	return points, nil
}

// EncodePathData 将路线点编码为 path_data
func EncodePathData(points []geo.Point) ([]byte, error) {
	pd := PathData{Type: "LineString", Coordinates: make([][2]float64, len(points))}
	for i, p := range points {
		pd.Coordinates[i] = [2]float64{p.Lon, p.Lat}
	}
	return json.Marshal(pd)
}
