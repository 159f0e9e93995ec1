package pipeline

import (
	"context"
	"sync"
	"time"

	"soma-geofence/internal/models"
)

// tracker 单个用户的样本队列与会话
type tracker struct {
	userID string

	// 队列（qmu 保护）
	qmu     sync.Mutex
	queue   []models.PositionSample
	dropped int64
	wake    chan struct{}

	// actor 生命周期（Pipeline.mu 保护 started/cancel）
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	// 会话锁
	mu              sync.Mutex
	session         *Session
	assignmentKnown bool
	assignedRoute   *string
	assignGen       uint64
	lastTimestamp   time.Time
	excluded        map[string]int64 // 几何无效的路线版本
	events          *eventRing
	restoreChecked  bool
	sessionSeen     bool                // 已有过会话，之后不再从报警表接管未解除的报警
	resolvedAlerts  map[string]struct{} // teardown 已提交解除的报警
}

func newTracker(userID string, recentEvents int) *tracker {
	return &tracker{
		userID:         userID,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		excluded:       make(map[string]int64),
		events:         newEventRing(recentEvents),
		resolvedAlerts: make(map[string]struct{}),
	}
}

// push 入队；队列已满时丢弃最旧的样本并返回它
func (t *tracker) push(sample models.PositionSample, capacity int) (models.PositionSample, bool) {
	t.qmu.Lock()
	var (
		dropped    models.PositionSample
		hasDropped bool
	)
	if len(t.queue) >= capacity {
		dropped = t.queue[0]
		hasDropped = true
		t.queue = t.queue[1:]
		t.dropped++
	}
	t.queue = append(t.queue, sample)
	t.qmu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return dropped, hasDropped
}

func (t *tracker) pop() (models.PositionSample, bool) {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	if len(t.queue) == 0 {
		return models.PositionSample{}, false
	}
	sample := t.queue[0]
	t.queue = t.queue[1:]
	return sample, true
}

// drain 清空队列，返回丢弃的样本数
func (t *tracker) drain() int {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	n := len(t.queue)
	t.queue = nil
	return n
}

func (t *tracker) queueStats() (int, int64) {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	return len(t.queue), t.dropped
}

// stop 取消 actor 并等待其退出（正在处理的样本会完成）
func (t *tracker) stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}

// assignment 显式分配的路线（需持有 mu）
func (t *tracker) assignment() (bool, *string) {
	if t.assignedRoute == nil {
		return t.assignmentKnown, nil
	}
	id := *t.assignedRoute
	return t.assignmentKnown, &id
}

// sessionKey 当前会话的路线与版本（需持有 mu）
func (t *tracker) sessionKey() (string, int64) {
	if t.session == nil {
		return "", 0
	}
	return t.session.RouteID, t.session.RouteVersion
}

// snapshot 需持有 mu
func (t *tracker) snapshot() *Snapshot {
	snap := &Snapshot{
		UserID:       t.userID,
		LastSampleAt: t.lastTimestamp,
	}
	if s := t.session; s != nil {
		snap.RouteID = s.RouteID
		snap.RouteVersion = s.RouteVersion
		snap.State = s.State
		snap.ActiveAlertID = s.ActiveAlertID
	}
	return snap
}
