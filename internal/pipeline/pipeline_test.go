package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"soma-geofence/internal/deviation"
	"soma-geofence/internal/emitter"
	"soma-geofence/internal/geo"
	"soma-geofence/internal/matcher"
	"soma-geofence/internal/models"
	"soma-geofence/internal/outbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeRoutes struct {
	mu      sync.Mutex
	routes  map[string]*models.Route
	active  map[string]string // userID -> routeID
	entered chan struct{}
	gate    chan struct{}
}

func newFakeRoutes() *fakeRoutes {
	return &fakeRoutes{routes: make(map[string]*models.Route), active: make(map[string]string)}
}

func (f *fakeRoutes) put(userID string, r *models.Route) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[r.ID] = r
	if r.IsActive {
		f.active[userID] = r.ID
	}
}

func (f *fakeRoutes) GetRoute(_ context.Context, routeID string) (*models.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.routes[routeID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRoutes) GetActiveRoute(_ context.Context, userID string) (*models.Route, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.active[userID]
	if !ok {
		return nil, nil
	}
	cp := *f.routes[id]
	return &cp, nil
}

type fakeAlerts struct {
	alert *models.Alert
}

func (f *fakeAlerts) GetUnresolvedDeviation(context.Context, string, string) (*models.Alert, error) {
	return f.alert, nil
}

type fakeSnapshots struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{snaps: make(map[string]Snapshot)}
}

func (f *fakeSnapshots) SaveSnapshot(_ context.Context, snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[snap.UserID] = snap
	return nil
}

func (f *fakeSnapshots) LoadSnapshot(_ context.Context, userID string) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[userID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (f *fakeSnapshots) DeleteSnapshot(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snaps, userID)
	return nil
}

type fixture struct {
	p      *Pipeline
	store  *outbox.MemoryStore
	routes *fakeRoutes
	alerts *fakeAlerts
	snaps  *fakeSnapshots
	logs   *observer.ObservedLogs
}

func newFixture(t *testing.T, cfg Config) *fixture {
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)

	store := outbox.NewMemoryStore(10 * time.Millisecond)
	ob := outbox.New(store, zap.NewNop())
	f := &fixture{
		store:  store,
		routes: newFakeRoutes(),
		alerts: &fakeAlerts{},
		snaps:  newFakeSnapshots(),
		logs:   logs,
	}
	f.p = New(cfg, f.routes, f.alerts,
		matcher.NewMatcher(matcher.Config{DefaultThresholdMeters: 50, AccuracyFactor: 1}),
		deviation.NewMachine(deviation.Config{ConfirmSamples: 3, RecoverSamples: 1, MaxAccuracyMeters: 200}),
		emitter.NewEmitter(ob, zap.NewNop()),
		ob, f.snaps, logger,
	)
	t.Cleanup(func() { _ = f.p.Shutdown(context.Background()) })
	return f
}

func (f *fixture) jobs(kind string) []outbox.Job {
	var out []outbox.Job
	for _, j := range f.store.Pending() {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}

func northRoute(version time.Time) *models.Route {
	return &models.Route{
		ID:        "route-1",
		Name:      "Home to park",
		Waypoints: []geo.Point{{Lat: 0, Lon: 0}, {Lat: 0.001, Lon: 0}},
		IsActive:  true,
		UpdatedAt: version,
	}
}

func onSample(i int) models.PositionSample {
	return models.PositionSample{Latitude: 0.0005, Longitude: 0, Accuracy: 5, Timestamp: t0.Add(time.Duration(i) * 5 * time.Second)}
}

func offSample(i int) models.PositionSample {
	return models.PositionSample{Latitude: 0, Longitude: 0.001, Accuracy: 5, Timestamp: t0.Add(time.Duration(i) * 5 * time.Second)}
}

func TestProcess_ConfirmsAfterThreeAndResolves(t *testing.T) {
	f := newFixture(t, Config{})
	f.routes.put("user-1", northRoute(t0))
	ctx := context.Background()

	var alertID string
	for i := 1; i <= 3; i++ {
		out, err := f.p.Process(ctx, "user-1", offSample(i))
		require.NoError(t, err)
		require.NotNil(t, out.Match)
		assert.False(t, out.Match.OnRoute)
		if i < 3 {
			assert.Equal(t, deviation.StatusOffRoutePending, out.Status)
			assert.Empty(t, out.AlertID)
		} else {
			assert.Equal(t, deviation.StatusOffRouteConfirmed, out.Status)
			alertID = out.AlertID
		}
	}
	require.NotEmpty(t, alertID)
	require.Len(t, f.jobs(outbox.KindAlertCreate), 1)

	out, err := f.p.Process(ctx, "user-1", onSample(4))
	require.NoError(t, err)
	assert.Equal(t, deviation.StatusOnRoute, out.Status)
	assert.Equal(t, alertID, out.ResolvedAlertID)

	resolves := f.jobs(outbox.KindAlertResolve)
	require.Len(t, resolves, 1)
	var payload outbox.ResolvePayload
	require.NoError(t, resolves[0].Decode(&payload))
	assert.Equal(t, alertID, payload.AlertID)

	// 每个样本都写入轨迹
	records := f.jobs(outbox.KindTrackingInsert)
	require.Len(t, records, 4)
	var rec models.LocationRecord
	require.NoError(t, records[0].Decode(&rec))
	require.NotNil(t, rec.IsOnRoute)
	assert.False(t, *rec.IsOnRoute)
	require.NotNil(t, rec.DeviationMeters)
	assert.InDelta(t, 111.2, *rec.DeviationMeters, 0.5)
	require.NotNil(t, rec.RouteID)
	assert.Equal(t, "route-1", *rec.RouteID)
}

func TestProcess_DedupWhileConfirmed(t *testing.T) {
	f := newFixture(t, Config{})
	f.routes.put("user-1", northRoute(t0))

	for i := 1; i <= 12; i++ {
		_, err := f.p.Process(context.Background(), "user-1", offSample(i))
		require.NoError(t, err)
	}
	assert.Len(t, f.jobs(outbox.KindAlertCreate), 1)
	assert.Equal(t, deviation.StatusOffRouteConfirmed, f.p.Status("user-1").Status)
}

func TestProcess_IsolatedOffRouteNeverAlerts(t *testing.T) {
	f := newFixture(t, Config{})
	f.routes.put("user-1", northRoute(t0))

	samples := []models.PositionSample{onSample(1), offSample(2), onSample(3), onSample(4), offSample(5), onSample(6)}
	for _, s := range samples {
		_, err := f.p.Process(context.Background(), "user-1", s)
		require.NoError(t, err)
	}
	assert.Empty(t, f.jobs(outbox.KindAlertCreate))
	assert.Equal(t, deviation.StatusOnRoute, f.p.Status("user-1").Status)
}

func TestProcess_StaleSampleRejected(t *testing.T) {
	f := newFixture(t, Config{})
	f.routes.put("user-1", northRoute(t0))
	ctx := context.Background()

	_, err := f.p.Process(ctx, "user-1", offSample(1))
	require.NoError(t, err)

	_, err = f.p.Process(ctx, "user-1", offSample(1))
	assert.True(t, errors.Is(err, ErrStaleSample))

	_, err = f.p.Process(ctx, "user-1", offSample(0))
	assert.True(t, errors.Is(err, ErrStaleSample))

	assert.Len(t, f.jobs(outbox.KindTrackingInsert), 1)
	assert.Equal(t, 1, f.p.Status("user-1").OffRouteCount)
}

func TestProcess_NoActiveRouteRecordsRawPosition(t *testing.T) {
	f := newFixture(t, Config{})

	out, err := f.p.Process(context.Background(), "user-1", offSample(1))
	require.NoError(t, err)
	assert.Nil(t, out.Match)
	assert.Empty(t, out.RouteID)

	records := f.jobs(outbox.KindTrackingInsert)
	require.Len(t, records, 1)
	var rec models.LocationRecord
	require.NoError(t, records[0].Decode(&rec))
	assert.Nil(t, rec.RouteID)
	assert.Nil(t, rec.IsOnRoute)
	assert.Nil(t, rec.DeviationMeters)
	assert.False(t, f.p.Status("user-1").Tracking)
}

func TestProcess_UnreliableSampleSkipsMachine(t *testing.T) {
	f := newFixture(t, Config{})
	f.routes.put("user-1", northRoute(t0))
	ctx := context.Background()

	_, err := f.p.Process(ctx, "user-1", offSample(1))
	require.NoError(t, err)

	noisy := offSample(2)
	noisy.Accuracy = 500
	out, err := f.p.Process(ctx, "user-1", noisy)
	assert.True(t, errors.Is(err, deviation.ErrUnreliableSample))
	assert.True(t, out.Unreliable)
	assert.Equal(t, 1, f.p.Status("user-1").OffRouteCount)

	records := f.jobs(outbox.KindTrackingInsert)
	require.Len(t, records, 2)
	var rec models.LocationRecord
	require.NoError(t, records[1].Decode(&rec))
	assert.Nil(t, rec.IsOnRoute)
	assert.Nil(t, rec.DeviationMeters)
	require.NotNil(t, rec.RouteID)
}

func TestProcess_RouteEditStartsFreshSession(t *testing.T) {
	f := newFixture(t, Config{})
	f.routes.put("user-1", northRoute(t0))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := f.p.Process(ctx, "user-1", offSample(i))
		require.NoError(t, err)
	}
	require.Len(t, f.jobs(outbox.KindAlertCreate), 1)

	// 路线被编辑：版本变化，旧会话结束并解除报警
	f.routes.put("user-1", northRoute(t0.Add(time.Hour)))
	out, err := f.p.Process(ctx, "user-1", onSample(4))
	require.NoError(t, err)
	assert.Equal(t, deviation.StatusOnRoute, out.Status)
	assert.Len(t, f.jobs(outbox.KindAlertResolve), 1)
	assert.Empty(t, f.p.Status("user-1").ActiveAlertID)
}

func TestProcess_RouteEditWhileConfirmedRealertsOnNewVersion(t *testing.T) {
	f := newFixture(t, Config{})
	f.routes.put("user-1", northRoute(t0))
	ctx := context.Background()

	var firstAlert string
	for i := 1; i <= 3; i++ {
		out, err := f.p.Process(ctx, "user-1", offSample(i))
		require.NoError(t, err)
		firstAlert = firstNonEmpty(out.AlertID, firstAlert)
	}
	require.NotEmpty(t, firstAlert)

	// 解除任务尚未执行，报警表仍返回旧报警
	f.alerts.alert = &models.Alert{ID: firstAlert, CreatedAt: offSample(3).Timestamp}
	f.routes.put("user-1", northRoute(t0.Add(time.Hour)))

	out, err := f.p.Process(ctx, "user-1", offSample(4))
	require.NoError(t, err)
	assert.Equal(t, deviation.StatusOffRoutePending, out.Status)
	assert.Empty(t, f.p.Status("user-1").ActiveAlertID)

	var secondAlert string
	for i := 5; i <= 10; i++ {
		out, err := f.p.Process(ctx, "user-1", offSample(i))
		require.NoError(t, err)
		secondAlert = firstNonEmpty(out.AlertID, secondAlert)
	}
	require.NotEmpty(t, secondAlert)
	assert.NotEqual(t, firstAlert, secondAlert)
	assert.Equal(t, deviation.StatusOffRouteConfirmed, f.p.Status("user-1").Status)
	assert.Equal(t, secondAlert, f.p.Status("user-1").ActiveAlertID)
	assert.Len(t, f.jobs(outbox.KindAlertCreate), 2)
	assert.Len(t, f.jobs(outbox.KindAlertResolve), 1)
}

func TestProcess_ReactivatedRouteSkipsRecovery(t *testing.T) {
	f := newFixture(t, Config{})
	f.routes.put("user-1", northRoute(t0))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := f.p.Process(ctx, "user-1", offSample(i))
		require.NoError(t, err)
	}
	alertID := f.p.Status("user-1").ActiveAlertID
	require.NotEmpty(t, alertID)

	// 路线停用后重新启用，报警表仍返回刚解除的报警
	f.alerts.alert = &models.Alert{ID: alertID, CreatedAt: t0}
	route := northRoute(t0)
	route.IsActive = false
	f.routes.mu.Lock()
	delete(f.routes.active, "user-1")
	f.routes.mu.Unlock()
	f.routes.put("user-1", route)

	out, err := f.p.Process(ctx, "user-1", offSample(4))
	require.NoError(t, err)
	assert.Nil(t, out.Match)
	require.Len(t, f.jobs(outbox.KindAlertResolve), 1)

	f.routes.put("user-1", northRoute(t0))
	out, err = f.p.Process(ctx, "user-1", offSample(5))
	require.NoError(t, err)
	assert.Equal(t, deviation.StatusOffRoutePending, out.Status)
	assert.Empty(t, f.p.Status("user-1").ActiveAlertID)
}

func TestProcess_InvalidRouteExcluded(t *testing.T) {
	f := newFixture(t, Config{})
	route := northRoute(t0)
	route.Waypoints = []geo.Point{{Lat: 0, Lon: 0}}
	f.routes.put("user-1", route)

	out, err := f.p.Process(context.Background(), "user-1", offSample(1))
	require.NoError(t, err)
	assert.Nil(t, out.Match)
	assert.Len(t, f.jobs(outbox.KindTrackingInsert), 1)
	assert.Equal(t, 1, f.logs.FilterMessage("Route has invalid geometry, excluded from matching").Len())

	_, err = f.p.Process(context.Background(), "user-1", offSample(2))
	require.NoError(t, err)
	assert.Equal(t, 1, f.logs.FilterMessage("Route has invalid geometry, excluded from matching").Len())
}

func TestSetActiveRoute_RejectsInvalidGeometry(t *testing.T) {
	f := newFixture(t, Config{})
	route := northRoute(t0)
	route.ID = "broken"
	route.Waypoints = []geo.Point{{Lat: 0, Lon: 0}, {Lat: 95, Lon: 0}}
	f.routes.put("user-1", route)

	err := f.p.SetActiveRoute(context.Background(), "user-1", &route.ID)
	assert.True(t, errors.Is(err, geo.ErrInvalidGeometry))

	missing := "missing"
	err = f.p.SetActiveRoute(context.Background(), "user-1", &missing)
	assert.True(t, errors.Is(err, ErrRouteNotFound))
}

func TestSetActiveRoute_ClearResolvesOpenAlert(t *testing.T) {
	f := newFixture(t, Config{})
	f.routes.put("user-1", northRoute(t0))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := f.p.Process(ctx, "user-1", offSample(i))
		require.NoError(t, err)
	}

	require.NoError(t, f.p.SetActiveRoute(ctx, "user-1", nil))
	assert.Len(t, f.jobs(outbox.KindAlertResolve), 1)
	assert.False(t, f.p.Status("user-1").Tracking)

	// 清除后不再匹配，即便仓库中仍有激活路线
	out, err := f.p.Process(ctx, "user-1", offSample(4))
	require.NoError(t, err)
	assert.Nil(t, out.Match)
}

func TestSetActiveRoute_AssignsRoute(t *testing.T) {
	f := newFixture(t, Config{})
	other := northRoute(t0)
	other.ID = "route-2"
	other.IsActive = true
	f.routes.put("user-1", northRoute(t0))
	f.routes.put("user-x", other)

	require.NoError(t, f.p.SetActiveRoute(context.Background(), "user-1", &other.ID))
	out, err := f.p.Process(context.Background(), "user-1", onSample(1))
	require.NoError(t, err)
	assert.Equal(t, "route-2", out.RouteID)
}

func TestStopTracking_ResolvesOpenAlert(t *testing.T) {
	f := newFixture(t, Config{})
	f.routes.put("user-1", northRoute(t0))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := f.p.Process(ctx, "user-1", offSample(i))
		require.NoError(t, err)
	}
	require.NoError(t, f.p.StopTracking(ctx, "user-1"))

	assert.Len(t, f.jobs(outbox.KindAlertResolve), 1)
	assert.False(t, f.p.Status("user-1").Tracking)
	_, ok := f.snaps.snaps["user-1"]
	assert.False(t, ok)
}

func TestProcess_RecoversUnresolvedAlert(t *testing.T) {
	f := newFixture(t, Config{})
	f.routes.put("user-1", northRoute(t0))
	f.alerts.alert = &models.Alert{ID: "open-alert", CreatedAt: t0}
	ctx := context.Background()

	out, err := f.p.Process(ctx, "user-1", offSample(1))
	require.NoError(t, err)
	assert.Equal(t, deviation.StatusOffRouteConfirmed, out.Status)
	assert.Empty(t, f.jobs(outbox.KindAlertCreate))

	out, err = f.p.Process(ctx, "user-1", onSample(2))
	require.NoError(t, err)
	assert.Equal(t, "open-alert", out.ResolvedAlertID)
}

func TestProcess_SnapshotRestoresLastTimestamp(t *testing.T) {
	f := newFixture(t, Config{})
	f.routes.put("user-1", northRoute(t0))
	f.snaps.snaps["user-1"] = Snapshot{
		UserID:       "user-1",
		RouteID:      "route-1",
		RouteVersion: northRoute(t0).Version(),
		State:        deviation.State{Status: deviation.StatusOffRoutePending, OffRouteCount: 2},
		LastSampleAt: offSample(5).Timestamp,
	}
	ctx := context.Background()

	_, err := f.p.Process(ctx, "user-1", offSample(5))
	assert.True(t, errors.Is(err, ErrStaleSample))

	out, err := f.p.Process(ctx, "user-1", offSample(6))
	require.NoError(t, err)
	assert.Equal(t, deviation.StatusOffRouteConfirmed, out.Status)
	assert.NotEmpty(t, out.AlertID)
}

func TestRecentDeviations_NewestFirst(t *testing.T) {
	f := newFixture(t, Config{RecentEvents: 3})
	f.routes.put("user-1", northRoute(t0))
	ctx := context.Background()

	seq := []models.PositionSample{offSample(1), onSample(2), offSample(3), onSample(4), offSample(5)}
	for _, s := range seq {
		_, err := f.p.Process(ctx, "user-1", s)
		require.NoError(t, err)
	}

	events := f.p.RecentDeviations("user-1", 10)
	require.Len(t, events, 3)
	assert.True(t, events[0].At.Equal(offSample(5).Timestamp))
	assert.Equal(t, deviation.StatusOffRoutePending, events[0].To)
	assert.True(t, events[2].At.Equal(offSample(3).Timestamp))

	assert.Len(t, f.p.RecentDeviations("user-1", 1), 1)
	assert.Nil(t, f.p.RecentDeviations("nobody", 5))
}

func TestRequestSOS_TwoDistinctCriticalAlerts(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	first, err := f.p.RequestSOS(ctx, "user-1", onSample(1))
	require.NoError(t, err)
	second, err := f.p.RequestSOS(ctx, "user-1", onSample(1))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	jobs := f.jobs(outbox.KindAlertCreate)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		var a models.Alert
		require.NoError(t, j.Decode(&a))
		assert.Equal(t, models.SeverityCritical, a.Severity)
		assert.Equal(t, models.AlertTypeSOS, a.AlertType)
	}
}

func TestOnPositionSample_DropsOldestWhenFull(t *testing.T) {
	f := newFixture(t, Config{QueueSize: 4})
	f.routes.put("user-1", northRoute(t0))
	f.routes.entered = make(chan struct{}, 1)
	f.routes.gate = make(chan struct{})

	require.NoError(t, f.p.OnPositionSample("user-1", onSample(1)))
	select {
	case <-f.routes.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not pick up first sample")
	}

	// actor 阻塞在第一个样本上，再提交 6 个样本，队列容量 4
	for i := 2; i <= 7; i++ {
		require.NoError(t, f.p.OnPositionSample("user-1", onSample(i)))
	}
	status := f.p.Status("user-1")
	assert.Equal(t, 4, status.QueuedSamples)
	assert.Equal(t, int64(2), status.DroppedSamples)

	dropped := f.logs.FilterMessage("Sample queue full, dropped oldest sample").All()
	require.Len(t, dropped, 2)
	assert.True(t, onSample(2).Timestamp.Equal(dropped[0].ContextMap()["dropped_timestamp"].(time.Time)))
	assert.True(t, onSample(3).Timestamp.Equal(dropped[1].ContextMap()["dropped_timestamp"].(time.Time)))

	f.routes.mu.Lock()
	gate := f.routes.gate
	f.routes.gate = nil
	f.routes.mu.Unlock()
	close(gate)

	require.Eventually(t, func() bool {
		last := f.p.Status("user-1").LastSampleAt
		return last != nil && last.Equal(onSample(7).Timestamp)
	}, 2*time.Second, 10*time.Millisecond)

	// 样本 1 与 4-7 被记录
	assert.Len(t, f.jobs(outbox.KindTrackingInsert), 5)
}

func TestOnPositionSample_UsersInParallelInOrder(t *testing.T) {
	f := newFixture(t, Config{QueueSize: 64})
	const users, perUser = 8, 20
	for u := 0; u < users; u++ {
		r := northRoute(t0)
		r.ID = fmt.Sprintf("route-%d", u)
		f.routes.put(fmt.Sprintf("user-%d", u), r)
	}

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			for i := 1; i <= perUser; i++ {
				assert.NoError(t, f.p.OnPositionSample(fmt.Sprintf("user-%d", u), onSample(i)))
			}
		}(u)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(f.jobs(outbox.KindTrackingInsert)) == users*perUser
	}, 5*time.Second, 10*time.Millisecond)

	last := make(map[string]time.Time)
	for _, j := range f.jobs(outbox.KindTrackingInsert) {
		var rec models.LocationRecord
		require.NoError(t, j.Decode(&rec))
		assert.True(t, rec.Timestamp.After(last[rec.UserID]), "records for %s out of order", rec.UserID)
		last[rec.UserID] = rec.Timestamp
	}
}

func TestOnPositionSample_RejectsInvalid(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.p.OnPositionSample("user-1", models.PositionSample{Latitude: 120, Timestamp: t0})
	assert.Error(t, err)
	assert.Error(t, f.p.OnPositionSample("", onSample(1)))
}

func TestShutdown_RejectsNewSamples(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.p.OnPositionSample("user-1", onSample(1)))
	require.NoError(t, f.p.Shutdown(context.Background()))
	assert.True(t, errors.Is(f.p.OnPositionSample("user-1", onSample(2)), ErrClosed))
}
