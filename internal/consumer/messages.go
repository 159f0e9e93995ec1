package consumer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"soma-geofence/internal/models"
)

// DevicePayload 手机端上报的位置载荷（MQTT）
type DevicePayload struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  float64  `json:"accuracy"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Timestamp int64    `json:"timestamp"` // 毫秒时间戳，为 0 时使用接收时间
}

// Sample 转换为位置样本
func (p DevicePayload) Sample(received time.Time) models.PositionSample {
	ts := received.UTC()
	if p.Timestamp > 0 {
		ts = time.UnixMilli(p.Timestamp).UTC()
	}
	return models.PositionSample{
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Accuracy:  p.Accuracy,
		Heading:   p.Heading,
		Speed:     p.Speed,
		Timestamp: ts,
	}
}

// LocationMessage 位置 stream 消息
type LocationMessage struct {
	UserID string                `json:"user_id"`
	Sample models.PositionSample `json:"sample"`
}

// RouteChangeMessage 路线变更 stream 消息（route_id 为 null 表示清除）
type RouteChangeMessage struct {
	UserID  string  `json:"user_id"`
	RouteID *string `json:"route_id"`
}

func parseDevicePayload(payload []byte) (DevicePayload, error) {
	var p DevicePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return DevicePayload{}, fmt.Errorf("failed to unmarshal device payload: %w", err)
	}
	return p, nil
}

// userFromTopic 主题格式: soma/{kind}/{user_id}
func userFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[2] == "" {
		return "", fmt.Errorf("invalid topic format: %s", topic)
	}
	return parts[2], nil
}
