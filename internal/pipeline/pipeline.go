// Package pipeline 驱动每个用户的位置样本依次经过路线匹配、偏离去抖与报警。
//
// 每个用户一个 actor goroutine，样本按时间戳严格递增的顺序串行处理，
// 不同用户之间并行；会话状态只属于对应用户，不在用户之间共享。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"soma-geofence/internal/deviation"
	"soma-geofence/internal/emitter"
	"soma-geofence/internal/geo"
	"soma-geofence/internal/matcher"
	"soma-geofence/internal/models"
	"soma-geofence/internal/outbox"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrStaleSample 样本时间戳不晚于该用户已处理的最后一个样本
	ErrStaleSample = errors.New("stale sample")
	// ErrRouteNotFound 指定的路线不存在
	ErrRouteNotFound = errors.New("route not found")
	// ErrClosed 管线已关闭
	ErrClosed = errors.New("pipeline closed")
)

// RouteSource 路线读取（不存在时返回 nil, nil）
type RouteSource interface {
	GetRoute(ctx context.Context, routeID string) (*models.Route, error)
	GetActiveRoute(ctx context.Context, userID string) (*models.Route, error)
}

// AlertLookup 查询未解除的偏离报警（不存在时返回 nil, nil）
type AlertLookup interface {
	GetUnresolvedDeviation(ctx context.Context, userID, routeID string) (*models.Alert, error)
}

// SnapshotStore 会话快照存储
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context, userID string) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, userID string) error
}

// Config 管线配置
type Config struct {
	QueueSize    int // 每个用户的待处理样本上限，溢出时丢弃最旧的样本
	RecentEvents int // 每个用户保留的最近迁移事件数
}

// Outcome 单个样本的处理结果
type Outcome struct {
	UserID          string
	RouteID         string
	Match           *matcher.Result
	Status          deviation.Status
	Transition      deviation.Transition
	AlertID         string // 本次创建的偏离报警
	ResolvedAlertID string // 本次解除的偏离报警
	Unreliable      bool
}

// Pipeline 位置样本处理管线
type Pipeline struct {
	config    Config
	routes    RouteSource
	alerts    AlertLookup
	matcher   *matcher.Matcher
	machine   *deviation.Machine
	emitter   *emitter.Emitter
	outbox    emitter.Enqueuer
	snapshots SnapshotStore
	logger    *zap.Logger
	now       func() time.Time

	baseCtx context.Context
	stopAll context.CancelFunc

	mu       sync.Mutex
	trackers map[string]*tracker
	closed   bool
}

// New 创建管线（alerts 与 snapshots 可为 nil）
func New(
	cfg Config,
	routes RouteSource,
	alerts AlertLookup,
	m *matcher.Matcher,
	machine *deviation.Machine,
	em *emitter.Emitter,
	ob emitter.Enqueuer,
	snapshots SnapshotStore,
	logger *zap.Logger,
) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.RecentEvents <= 0 {
		cfg.RecentEvents = 50
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		config:    cfg,
		routes:    routes,
		alerts:    alerts,
		matcher:   m,
		machine:   machine,
		emitter:   em,
		outbox:    ob,
		snapshots: snapshots,
		logger:    logger,
		now:       time.Now,
		baseCtx:   ctx,
		stopAll:   cancel,
		trackers:  make(map[string]*tracker),
	}
}

// OnPositionSample 异步提交样本，立即返回
func (p *Pipeline) OnPositionSample(userID string, sample models.PositionSample) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if err := sample.Validate(); err != nil {
		return fmt.Errorf("invalid sample: %w", err)
	}

	t, err := p.tracker(userID, true)
	if err != nil {
		return err
	}

	if dropped, ok := t.push(sample, p.config.QueueSize); ok {
		p.logger.Warn("Sample queue full, dropped oldest sample",
			zap.String("user_id", userID),
			zap.Time("dropped_timestamp", dropped.Timestamp),
			zap.Int("queue_size", p.config.QueueSize),
		)
	}
	return nil
}

// Process 同步处理一个样本
func (p *Pipeline) Process(ctx context.Context, userID string, sample models.PositionSample) (Outcome, error) {
	if err := sample.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("invalid sample: %w", err)
	}
	t, err := p.tracker(userID, false)
	if err != nil {
		return Outcome{}, err
	}
	return p.process(ctx, t, sample)
}

// RequestSOS 立即创建 SOS 报警，与路线状态无关
func (p *Pipeline) RequestSOS(ctx context.Context, userID string, sample models.PositionSample) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	if err := sample.Point().Validate(); err != nil {
		return "", fmt.Errorf("invalid sos position: %w", err)
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = p.now().UTC()
	}
	return p.emitter.EmitSOS(ctx, userID, sample)
}

// SetActiveRoute 设置或清除用户的当前路线；路线几何无效时拒绝
func (p *Pipeline) SetActiveRoute(ctx context.Context, userID string, routeID *string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	var route *models.Route
	if routeID != nil {
		r, err := p.routes.GetRoute(ctx, *routeID)
		if err != nil {
			return fmt.Errorf("failed to load route %s: %w", *routeID, err)
		}
		if r == nil {
			return fmt.Errorf("%w: %s", ErrRouteNotFound, *routeID)
		}
		if err := geo.ValidatePolyline(r.Waypoints); err != nil {
			return fmt.Errorf("route %s rejected: %w", r.ID, err)
		}
		route = r
	}

	t, err := p.tracker(userID, false)
	if err != nil {
		return err
	}

	t.mu.Lock()
	restoring := !t.restoreChecked && p.snapshots != nil
	t.mu.Unlock()
	var (
		restored   *Snapshot
		restoreErr error
	)
	if restoring {
		restored, restoreErr = p.snapshots.LoadSnapshot(ctx, userID)
	}

	t.mu.Lock()
	if restoring {
		p.applySnapshot(t, restored, restoreErr)
	}
	var snap *Snapshot
	if t.session != nil && (route == nil || t.session.RouteID != route.ID) {
		p.teardown(ctx, t, p.now().UTC(), "route reassigned")
		snap = t.snapshot()
	}
	t.assignGen++
	t.assignmentKnown = true
	t.assignedRoute = nil
	if route != nil {
		id := route.ID
		t.assignedRoute = &id
		delete(t.excluded, route.ID)
	}
	t.mu.Unlock()

	p.saveSnapshot(ctx, snap)

	if route != nil {
		p.logger.Info("Active route assigned", zap.String("user_id", userID), zap.String("route_id", route.ID))
	} else {
		p.logger.Info("Active route cleared", zap.String("user_id", userID))
	}
	return nil
}

// StopTracking 停止跟踪：丢弃排队样本、结束会话并解除未关闭的偏离报警
func (p *Pipeline) StopTracking(ctx context.Context, userID string) error {
	p.mu.Lock()
	t, ok := p.trackers[userID]
	if ok {
		delete(p.trackers, userID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	t.stop()
	dropped := t.drain()

	t.mu.Lock()
	if t.session != nil {
		p.teardown(ctx, t, p.now().UTC(), "tracking stopped")
	}
	t.mu.Unlock()

	if p.snapshots != nil {
		if err := p.snapshots.DeleteSnapshot(ctx, userID); err != nil {
			p.logger.Warn("Failed to delete session snapshot", zap.String("user_id", userID), zap.Error(err))
		}
	}

	p.logger.Info("Tracking stopped", zap.String("user_id", userID), zap.Int("dropped_samples", dropped))
	return nil
}

// Status 查询用户当前状态
func (p *Pipeline) Status(userID string) StatusView {
	p.mu.Lock()
	t, ok := p.trackers[userID]
	p.mu.Unlock()

	view := StatusView{UserID: userID}
	if !ok {
		return view
	}

	view.QueuedSamples, view.DroppedSamples = t.queueStats()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lastTimestamp.IsZero() {
		ts := t.lastTimestamp
		view.LastSampleAt = &ts
	}
	if s := t.session; s != nil {
		at := s.State.LastTransitionAt
		view.Tracking = true
		view.RouteID = s.RouteID
		view.Status = s.State.Status
		view.OffRouteCount = s.State.OffRouteCount
		view.OnRouteCount = s.State.OnRouteCount
		view.LastTransitionAt = &at
		view.ActiveAlertID = s.ActiveAlertID
		view.LastDeviationMeters = s.LastDeviationMeters
		view.LastProgress = s.LastProgress
	}
	return view
}

// RecentDeviations 最近的状态迁移事件（新的在前）
func (p *Pipeline) RecentDeviations(userID string, n int) []Event {
	p.mu.Lock()
	t, ok := p.trackers[userID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events.latest(n)
}

// Shutdown 停止所有 actor（不结束会话，重启后从快照与报警表恢复）
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	trackers := make([]*tracker, 0, len(p.trackers))
	for _, t := range p.trackers {
		trackers = append(trackers, t)
	}
	p.mu.Unlock()

	p.stopAll()
	for _, t := range trackers {
		if !t.started {
			continue
		}
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, t := range trackers {
		t.mu.Lock()
		snap := t.snapshot()
		t.mu.Unlock()
		p.saveSnapshot(ctx, snap)
	}
	p.logger.Info("Pipeline stopped", zap.Int("users", len(trackers)))
	return nil
}

// tracker 获取或创建用户的 tracker，withActor 为 true 时确保 actor 已启动
func (p *Pipeline) tracker(userID string, withActor bool) (*tracker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	t, ok := p.trackers[userID]
	if !ok {
		t = newTracker(userID, p.config.RecentEvents)
		p.trackers[userID] = t
	}
	if withActor && !t.started {
		ctx, cancel := context.WithCancel(p.baseCtx)
		t.started = true
		t.cancel = cancel
		go p.runActor(ctx, t)
	}
	return t, nil
}

// runActor 按顺序处理用户的排队样本
func (p *Pipeline) runActor(ctx context.Context, t *tracker) {
	defer close(t.done)
	for {
		sample, ok := t.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-t.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}

		// 已开始处理的样本不受取消影响
		_, err := p.process(context.WithoutCancel(ctx), t, sample)
		switch {
		case err == nil:
		case errors.Is(err, ErrStaleSample):
			p.logger.Warn("Stale sample dropped", zap.String("user_id", t.userID), zap.Time("timestamp", sample.Timestamp))
		case errors.Is(err, deviation.ErrUnreliableSample):
			p.logger.Debug("Unreliable sample recorded without matching", zap.String("user_id", t.userID), zap.Error(err))
		default:
			p.logger.Error("Failed to process sample", zap.String("user_id", t.userID), zap.Error(err))
		}
	}
}

// prepared 在会话锁之外完成的读取
type prepared struct {
	gen uint64 // 读取时的路线分配代数

	restoring bool
	snap      *Snapshot
	snapErr   error

	route    *models.Route
	routeErr error

	alertChecked bool
	alertFor     string
	openAlert    *models.Alert
	alertErr     error
}

// process 处理一个样本：先在锁外读取路线与快照，再持有会话锁推进状态，快照在释放锁后写入
func (p *Pipeline) process(ctx context.Context, t *tracker, sample models.PositionSample) (Outcome, error) {
	prep := p.prepare(ctx, t)

	t.mu.Lock()
	outcome, snap, err := p.step(ctx, t, sample, prep)
	t.mu.Unlock()

	p.saveSnapshot(ctx, snap)
	return outcome, err
}

func (p *Pipeline) prepare(ctx context.Context, t *tracker) *prepared {
	t.mu.Lock()
	prep := &prepared{
		gen:       t.assignGen,
		restoring: !t.restoreChecked && p.snapshots != nil,
	}
	known, assigned := t.assignment()
	curID, curVersion := t.sessionKey()
	recoverable := !t.sessionSeen
	t.mu.Unlock()

	if prep.restoring {
		prep.snap, prep.snapErr = p.snapshots.LoadSnapshot(ctx, t.userID)
		if prep.snapErr == nil && prep.snap != nil && curID == "" {
			curID, curVersion = prep.snap.RouteID, prep.snap.RouteVersion
		}
	}

	prep.route, prep.routeErr = p.loadRoute(ctx, t.userID, known, assigned)

	// 首个会话开始前预先查询未解除的偏离报警（进程重启后的接管）
	if r := prep.route; r != nil && p.alerts != nil && recoverable && (r.ID != curID || r.Version() != curVersion) {
		prep.alertChecked = true
		prep.alertFor = r.ID
		prep.openAlert, prep.alertErr = p.alerts.GetUnresolvedDeviation(ctx, t.userID, r.ID)
	}
	return prep
}

func (p *Pipeline) step(ctx context.Context, t *tracker, sample models.PositionSample, prep *prepared) (Outcome, *Snapshot, error) {
	if prep.restoring {
		p.applySnapshot(t, prep.snap, prep.snapErr)
	}
	t.restoreChecked = true

	outcome := Outcome{UserID: t.userID}
	if !sample.Timestamp.After(t.lastTimestamp) {
		return outcome, nil, fmt.Errorf("%w: %s is not after %s", ErrStaleSample,
			sample.Timestamp.UTC().Format(time.RFC3339Nano), t.lastTimestamp.UTC().Format(time.RFC3339Nano))
	}
	t.lastTimestamp = sample.Timestamp

	record := models.LocationRecord{
		ID:        uuid.New().String(),
		UserID:    t.userID,
		Latitude:  sample.Latitude,
		Longitude: sample.Longitude,
		Heading:   sample.Heading,
		Speed:     sample.Speed,
		Timestamp: sample.Timestamp.UTC(),
	}
	accuracy := sample.Accuracy
	record.Accuracy = &accuracy

	route, err := prep.route, prep.routeErr
	if prep.gen != t.assignGen {
		// 读取期间路线分配发生变化
		known, assigned := t.assignment()
		route, err = p.loadRoute(ctx, t.userID, known, assigned)
	}
	if err != nil {
		// 路线读取失败时仅记录原始位置，保留会话
		p.logger.Error("Failed to load route, recording raw position", zap.String("user_id", t.userID), zap.Error(err))
		return outcome, nil, p.record(ctx, t.userID, record)
	}
	route = p.usable(t, route)

	changed := false
	if route == nil {
		if t.session != nil {
			p.teardown(ctx, t, sample.Timestamp, "route deactivated")
			changed = true
		}
		return outcome, p.snapshotIf(t, changed), p.record(ctx, t.userID, record)
	}

	if t.session == nil || t.session.RouteID != route.ID || t.session.RouteVersion != route.Version() {
		if t.session != nil {
			p.teardown(ctx, t, sample.Timestamp, "route changed")
		}
		p.startSession(ctx, t, route, sample.Timestamp, prep)
		changed = true
	}

	s := t.session
	s.RouteName = route.Name
	routeID := s.RouteID
	record.RouteID = &routeID
	outcome.RouteID = routeID

	if err := p.machine.Reliable(sample); err != nil {
		outcome.Unreliable = true
		outcome.Status = s.State.Status
		if recErr := p.record(ctx, t.userID, record); recErr != nil {
			return outcome, p.snapshotIf(t, changed), recErr
		}
		return outcome, p.snapshotIf(t, changed), err
	}

	result, err := p.matcher.Match(sample, route)
	if err != nil {
		return outcome, p.snapshotIf(t, changed), fmt.Errorf("failed to match sample: %w", err)
	}
	outcome.Match = &result
	onRoute := result.OnRoute
	dev := result.DeviationMeters
	record.IsOnRoute = &onRoute
	record.DeviationMeters = &dev
	s.LastDeviationMeters = dev
	s.LastProgress = result.ProgressFraction

	if err := p.record(ctx, t.userID, record); err != nil {
		return outcome, p.snapshotIf(t, changed), err
	}

	next, tr := p.machine.Step(s.State, result.OnRoute, sample.Timestamp)
	s.State = next
	outcome.Transition = tr
	outcome.Status = next.Status

	switch tr.Action {
	case deviation.ActionEmit:
		outcome.AlertID = p.emitDeviation(ctx, s, sample, dev)
	case deviation.ActionResolve:
		outcome.ResolvedAlertID = p.resolveDeviation(ctx, s, sample.Timestamp)
	default:
		// 上次提交失败的偏离报警在后续样本上补发
		if next.Status == deviation.StatusOffRouteConfirmed && s.ActiveAlertID == "" {
			outcome.AlertID = p.emitDeviation(ctx, s, sample, dev)
		}
	}

	if tr.Changed() {
		t.events.add(Event{
			UserID:          t.userID,
			RouteID:         s.RouteID,
			From:            tr.From,
			To:              tr.To,
			Action:          tr.Action,
			AlertID:         firstNonEmpty(outcome.AlertID, outcome.ResolvedAlertID),
			DeviationMeters: dev,
			At:              sample.Timestamp,
		})
		changed = true
	}
	if outcome.AlertID != "" {
		changed = true
	}

	return outcome, p.snapshotIf(t, changed), nil
}

// loadRoute 读取当前路线（每个样本都重新读取以感知路线编辑）
func (p *Pipeline) loadRoute(ctx context.Context, userID string, known bool, assigned *string) (*models.Route, error) {
	if !known {
		return p.routes.GetActiveRoute(ctx, userID)
	}
	if assigned == nil {
		return nil, nil
	}
	route, err := p.routes.GetRoute(ctx, *assigned)
	if err != nil {
		return nil, err
	}
	if route != nil && !route.IsActive {
		return nil, nil
	}
	return route, nil
}

// usable 过滤几何无效的路线版本（同一版本只记录一次错误）
func (p *Pipeline) usable(t *tracker, route *models.Route) *models.Route {
	if route == nil {
		return nil
	}
	if v, bad := t.excluded[route.ID]; bad && v == route.Version() {
		return nil
	}
	if err := geo.ValidatePolyline(route.Waypoints); err != nil {
		t.excluded[route.ID] = route.Version()
		p.logger.Error("Route has invalid geometry, excluded from matching",
			zap.String("user_id", t.userID),
			zap.String("route_id", route.ID),
			zap.Error(err),
		)
		return nil
	}
	return route
}

// startSession 新会话。用户的首个会话会接管报警表中未解除的偏离报警，避免重启后重复报警；
// 路线变更产生的会话总是从 on_route 开始
func (p *Pipeline) startSession(ctx context.Context, t *tracker, route *models.Route, at time.Time, prep *prepared) {
	s := &Session{
		UserID:       t.userID,
		RouteID:      route.ID,
		RouteName:    route.Name,
		RouteVersion: route.Version(),
		State:        p.machine.Initial(at),
		StartedAt:    at,
	}

	var (
		alert *models.Alert
		err   error
	)
	switch {
	case t.sessionSeen:
	case prep != nil && prep.alertChecked && prep.alertFor == route.ID:
		alert, err = prep.openAlert, prep.alertErr
	case p.alerts != nil:
		alert, err = p.alerts.GetUnresolvedDeviation(ctx, t.userID, route.ID)
	}
	if alert != nil {
		if _, resolved := t.resolvedAlerts[alert.ID]; resolved {
			alert = nil
		}
	}
	if err != nil {
		p.logger.Warn("Failed to look up unresolved deviation alert",
			zap.String("user_id", t.userID),
			zap.String("route_id", route.ID),
			zap.Error(err),
		)
	} else if alert != nil {
		s.ActiveAlertID = alert.ID
		s.State = deviation.State{
			Status:           deviation.StatusOffRouteConfirmed,
			OffRouteCount:    p.machine.ConfirmSamples(),
			LastTransitionAt: alert.CreatedAt,
		}
	}
	t.session = s
	t.sessionSeen = true

	p.logger.Info("Tracking session started",
		zap.String("user_id", t.userID),
		zap.String("route_id", route.ID),
		zap.Int64("route_version", s.RouteVersion),
		zap.String("status", string(s.State.Status)),
	)
}

// teardown 结束会话，已确认的偏离报警随之解除
func (p *Pipeline) teardown(ctx context.Context, t *tracker, at time.Time, reason string) {
	s := t.session
	if s == nil {
		return
	}

	next, tr := p.machine.Teardown(s.State, at)
	resolvedID := p.resolveDeviation(ctx, s, at)
	if resolvedID != "" {
		t.resolvedAlerts[resolvedID] = struct{}{}
	}
	t.events.add(Event{
		UserID:  t.userID,
		RouteID: s.RouteID,
		From:    tr.From,
		To:      next.Status,
		Action:  tr.Action,
		AlertID: resolvedID,
		At:      at,
	})
	t.session = nil
	p.matcher.Forget(s.RouteID)

	p.logger.Info("Tracking session ended",
		zap.String("user_id", t.userID),
		zap.String("route_id", s.RouteID),
		zap.String("reason", reason),
	)
}

func (p *Pipeline) emitDeviation(ctx context.Context, s *Session, sample models.PositionSample, dev float64) string {
	alertID, err := p.emitter.EmitDeviation(ctx, s.target(), sample, dev)
	switch {
	case errors.Is(err, emitter.ErrAlreadyAlerted):
		return ""
	case err != nil:
		p.logger.Error("Failed to emit deviation alert, will retry on next sample",
			zap.String("user_id", s.UserID),
			zap.String("route_id", s.RouteID),
			zap.Error(err),
		)
		return ""
	}
	s.ActiveAlertID = alertID
	return alertID
}

func (p *Pipeline) resolveDeviation(ctx context.Context, s *Session, at time.Time) string {
	alertID := s.ActiveAlertID
	if alertID == "" {
		return ""
	}
	if err := p.emitter.ResolveDeviation(ctx, s.target(), at); err != nil {
		p.logger.Error("Failed to resolve deviation alert",
			zap.String("user_id", s.UserID),
			zap.String("alert_id", alertID),
			zap.Error(err),
		)
	}
	s.ActiveAlertID = ""
	return alertID
}

// record 写入位置轨迹（经由 outbox 异步持久化）
func (p *Pipeline) record(ctx context.Context, userID string, record models.LocationRecord) error {
	if _, err := p.outbox.Enqueue(ctx, outbox.KindTrackingInsert, userID, record); err != nil {
		return fmt.Errorf("failed to submit location record: %w", err)
	}
	return nil
}

// applySnapshot 首次处理时从快照恢复最后样本时间与会话状态（需持有会话锁）
func (p *Pipeline) applySnapshot(t *tracker, snap *Snapshot, err error) {
	if t.restoreChecked {
		return
	}
	t.restoreChecked = true

	if err != nil {
		p.logger.Warn("Failed to load session snapshot", zap.String("user_id", t.userID), zap.Error(err))
		return
	}
	if snap == nil {
		return
	}
	if snap.LastSampleAt.After(t.lastTimestamp) {
		t.lastTimestamp = snap.LastSampleAt
	}
	if snap.RouteID != "" && t.session == nil {
		// 路线不一致时由后续样本结束该会话
		t.session = &Session{
			UserID:        t.userID,
			RouteID:       snap.RouteID,
			RouteVersion:  snap.RouteVersion,
			State:         snap.State,
			ActiveAlertID: snap.ActiveAlertID,
			StartedAt:     snap.State.LastTransitionAt,
		}
		t.sessionSeen = true
	}
}

func (p *Pipeline) snapshotIf(t *tracker, changed bool) *Snapshot {
	if !changed || p.snapshots == nil {
		return nil
	}
	return t.snapshot()
}

func (p *Pipeline) saveSnapshot(ctx context.Context, snap *Snapshot) {
	if snap == nil || p.snapshots == nil {
		return
	}
	if err := p.snapshots.SaveSnapshot(ctx, *snap); err != nil {
		p.logger.Warn("Failed to save session snapshot", zap.String("user_id", snap.UserID), zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
