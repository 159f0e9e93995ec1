package report

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"soma-geofence/internal/models"
	"soma-geofence/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

type fakeAlerts struct {
	alerts  []models.Alert
	filters repository.AlertFilters
	err     error
}

func (f *fakeAlerts) ListAlerts(_ context.Context, filters repository.AlertFilters) ([]models.Alert, error) {
	f.filters = filters
	return f.alerts, f.err
}

type fakeLocations struct {
	records []models.LocationRecord
	limit   int
}

func (f *fakeLocations) ListLocations(_ context.Context, _ string, _, _ time.Time, limit int) ([]models.LocationRecord, error) {
	f.limit = limit
	return f.records, nil
}

func floatPtr(v float64) *float64 { return &v }
func strPtr(v string) *string     { return &v }
func boolPtr(v bool) *bool        { return &v }

func TestGenerator_History(t *testing.T) {
	created := time.Date(2026, 3, 1, 8, 5, 0, 0, time.UTC)
	resolved := created.Add(4 * time.Minute)
	alerts := &fakeAlerts{alerts: []models.Alert{
		{
			ID:             "a-1",
			DementiaUserID: "user-1",
			AlertType:      models.AlertTypeRouteDeviation,
			Severity:       models.SeverityHigh,
			Message:        "Left safe route \"Park loop\"",
			LocationLat:    floatPtr(31.23),
			LocationLng:    floatPtr(121.47),
			RouteID:        strPtr("route-1"),
			IsResolved:     true,
			ResolvedAt:     &resolved,
			CreatedAt:      created,
		},
	}}
	locations := &fakeLocations{records: []models.LocationRecord{
		{ID: "l-1", UserID: "user-1", Latitude: 31.23, Longitude: 121.47, Accuracy: floatPtr(8), RouteID: strPtr("route-1"), IsOnRoute: boolPtr(false), DeviationMeters: floatPtr(72.5), Timestamp: created},
		{ID: "l-2", UserID: "user-1", Latitude: 31.24, Longitude: 121.48, Timestamp: created.Add(time.Minute)},
	}}

	g := NewGenerator(alerts, locations, zap.NewNop())
	since := created.Add(-time.Hour)
	until := created.Add(time.Hour)
	data, err := g.History(context.Background(), "user-1", since, until)
	require.NoError(t, err)

	assert.Equal(t, "user-1", alerts.filters.UserID)
	require.NotNil(t, alerts.filters.Since)
	assert.True(t, alerts.filters.Since.Equal(since))
	assert.Equal(t, MaxTrackingRows, locations.limit)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{alertsSheet, trackingSheet}, f.GetSheetList())

	rows, err := f.GetRows(alertsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, AlertHeader, rows[0])
	assert.Equal(t, "2026-03-01 08:05:00", rows[1][0])
	assert.Equal(t, models.AlertTypeRouteDeviation, rows[1][1])
	assert.Equal(t, "Yes", rows[1][7])
	assert.Equal(t, "2026-03-01 08:09:00", rows[1][8])

	rows, err = f.GetRows(trackingSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, TrackingHeader, rows[0])
	assert.Equal(t, "No", rows[1][5])
	assert.Equal(t, "72.5", rows[1][6])
	// 无路线的原始轨迹点，路线相关列为空（GetRows 会去掉行尾空单元格）
	assert.LessOrEqual(t, len(rows[2]), 3)
}

func TestGenerator_History_EmptyStillHasHeaders(t *testing.T) {
	g := NewGenerator(&fakeAlerts{}, &fakeLocations{}, zap.NewNop())
	data, err := g.History(context.Background(), "user-1", time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(alertsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, AlertHeader, rows[0])
}

func TestGenerator_History_AlertError(t *testing.T) {
	g := NewGenerator(&fakeAlerts{err: errors.New("db down")}, &fakeLocations{}, zap.NewNop())
	_, err := g.History(context.Background(), "user-1", time.Now().Add(-time.Hour), time.Now())
	assert.Error(t, err)
}
