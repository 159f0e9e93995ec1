package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"soma-geofence/internal/config"
	"soma-geofence/internal/outbox"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (f *fakePublisher) Publish(topic string, _ byte, _ bool, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Outbox.PollInterval = 50 * time.Millisecond
	cfg.Ingest.BlockTimeout = 50 * time.Millisecond
	return cfg
}

func setupDeps(t *testing.T) (sqlmock.Sqlmock, *redis.Client, *TrackingService, *config.Config) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := testConfig(t)
	svc, err := assemble(context.Background(), cfg, zap.NewNop(), db, client, nil, &fakePublisher{})
	require.NoError(t, err)
	return mock, client, svc, cfg
}

func TestNewOutboxStore_Backends(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()
	cfg := testConfig(t)

	cfg.Outbox.Backend = OutboxBackendMemory
	store, err := newOutboxStore(ctx, cfg, client, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &outbox.MemoryStore{}, store)

	cfg.Outbox.Backend = OutboxBackendRedis
	store, err = newOutboxStore(ctx, cfg, client, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &outbox.RedisStore{}, store)

	cfg.Outbox.Backend = "kafka"
	_, err = newOutboxStore(ctx, cfg, client, zap.NewNop())
	assert.Error(t, err)
}

func TestTrackingService_HealthAndStatus(t *testing.T) {
	_, client, svc, _ := setupDeps(t)
	defer client.Close()

	w := httptest.NewRecorder()
	svc.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	svc.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/tracking/user-1/status", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tracking":false`)
}

func TestTrackingService_SampleWithoutRouteIsRecorded(t *testing.T) {
	mock, client, svc, cfg := setupDeps(t)
	defer client.Close()

	mock.ExpectQuery("FROM safe_routes").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	body := `{"samples":[{"latitude":31.23,"longitude":121.47,"accuracy":8,"timestamp":"2026-03-01T08:00:00Z"}]}`
	w := httptest.NewRecorder()
	svc.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/tracking/user-1/samples", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, w.Code)

	// 无路线时只写入原始轨迹（tracking.insert 任务进入 outbox）
	require.Eventually(t, func() bool {
		n, err := client.XLen(context.Background(), cfg.Outbox.Stream).Result()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.pipeline.Shutdown(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackingService_StartStop(t *testing.T) {
	mock, _, svc, _ := setupDeps(t)
	mock.ExpectClose()

	done := make(chan error, 1)
	go func() { done <- svc.Start(context.Background()) }()

	require.Eventually(t, func() bool { return svc.started.Load() }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
	require.NoError(t, mock.ExpectationsWereMet())
}
