package pipeline

import (
	"time"

	"soma-geofence/internal/deviation"
	"soma-geofence/internal/emitter"
)

// Session 用户在某条路线（某个版本）上的跟踪会话，仅由该用户的 actor 修改
type Session struct {
	UserID        string
	RouteID       string
	RouteName     string
	RouteVersion  int64
	State         deviation.State
	ActiveAlertID string
	StartedAt     time.Time

	LastDeviationMeters float64
	LastProgress        float64
}

func (s *Session) target() emitter.Target {
	return emitter.Target{
		UserID:        s.UserID,
		RouteID:       s.RouteID,
		RouteName:     s.RouteName,
		ActiveAlertID: s.ActiveAlertID,
	}
}

// Event 会话状态迁移记录
type Event struct {
	UserID          string           `json:"user_id"`
	RouteID         string           `json:"route_id"`
	From            deviation.Status `json:"from"`
	To              deviation.Status `json:"to"`
	Action          deviation.Action `json:"action"`
	AlertID         string           `json:"alert_id,omitempty"`
	DeviationMeters float64          `json:"deviation_meters"`
	At              time.Time        `json:"at"`
}

// Snapshot 会话快照（用于重启恢复与运维查询）
type Snapshot struct {
	UserID        string          `json:"user_id"`
	RouteID       string          `json:"route_id,omitempty"`
	RouteVersion  int64           `json:"route_version,omitempty"`
	State         deviation.State `json:"state"`
	ActiveAlertID string          `json:"active_alert_id,omitempty"`
	LastSampleAt  time.Time       `json:"last_sample_at"`
}

// StatusView 用户当前跟踪状态
type StatusView struct {
	UserID              string           `json:"user_id"`
	Tracking            bool             `json:"tracking"`
	RouteID             string           `json:"route_id,omitempty"`
	Status              deviation.Status `json:"status,omitempty"`
	OffRouteCount       int              `json:"off_route_count"`
	OnRouteCount        int              `json:"on_route_count"`
	LastTransitionAt    *time.Time       `json:"last_transition_at,omitempty"`
	ActiveAlertID       string           `json:"active_alert_id,omitempty"`
	LastSampleAt        *time.Time       `json:"last_sample_at,omitempty"`
	LastDeviationMeters float64          `json:"last_deviation_meters"`
	LastProgress        float64          `json:"last_progress"`
	QueuedSamples       int              `json:"queued_samples"`
	DroppedSamples      int64            `json:"dropped_samples"`
}

// eventRing 固定容量的最近事件
type eventRing struct {
	buf  []Event
	next int
	full bool
}

func newEventRing(capacity int) *eventRing {
	if capacity <= 0 {
		capacity = 50
	}
	return &eventRing{buf: make([]Event, capacity)}
}

func (r *eventRing) add(e Event) {
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// latest 最近 n 个事件，新的在前
func (r *eventRing) latest(n int) []Event {
	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
