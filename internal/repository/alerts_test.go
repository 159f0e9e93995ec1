package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"soma-geofence/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockAlertDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *AlertRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	return db, mock, NewAlertRepository(db, zap.NewNop())
}

var alertColumnNames = []string{
	"id", "dementia_user_id", "alert_type", "severity", "message",
	"location_lat", "location_lng", "route_id",
	"is_resolved", "resolved_at", "created_at",
}

func TestCreateAlert_Success(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	lat, lng := 0.0, 0.001
	routeID := "route-1"
	createdAt := time.Date(2026, 3, 1, 8, 0, 15, 0, time.UTC)
	alert := &models.Alert{
		ID:             "alert-1",
		DementiaUserID: "user-1",
		AlertType:      models.AlertTypeRouteDeviation,
		Severity:       models.SeverityHigh,
		Message:        "Left safe route",
		LocationLat:    &lat,
		LocationLng:    &lng,
		RouteID:        &routeID,
		CreatedAt:      createdAt,
	}

	mock.ExpectExec(`INSERT INTO alerts .* ON CONFLICT \(id\) DO NOTHING`).
		WithArgs("alert-1", "user-1", "route_deviation", "high", "Left safe route", 0.0, 0.001, "route-1", createdAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.CreateAlert(context.Background(), alert))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAlert_SOSWithoutRoute(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO alerts`).
		WithArgs("alert-2", "user-1", "sos", "critical", "SOS: help requested", nil, nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CreateAlert(context.Background(), &models.Alert{
		ID:             "alert-2",
		DementiaUserID: "user-1",
		AlertType:      models.AlertTypeSOS,
		Severity:       models.SeverityCritical,
		Message:        "SOS: help requested",
		CreatedAt:      time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveAlert(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	at := time.Date(2026, 3, 1, 8, 5, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE alerts\s+SET is_resolved = true, resolved_at = \$2`).
		WithArgs("alert-1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.ResolveAlert(context.Background(), "alert-1", at))

	// 重复解除不是错误
	mock.ExpectExec(`UPDATE alerts`).
		WithArgs("alert-1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, repo.ResolveAlert(context.Background(), "alert-1", at))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUnresolvedDeviation(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	createdAt := time.Date(2026, 3, 1, 8, 0, 15, 0, time.UTC)
	rows := sqlmock.NewRows(alertColumnNames).AddRow(
		"alert-1", "user-1", "route_deviation", "high", "Left safe route",
		0.0, 0.001, "route-1", false, nil, createdAt,
	)
	mock.ExpectQuery(`FROM alerts\s+WHERE dementia_user_id = \$1\s+AND route_id = \$2`).
		WithArgs("user-1", "route-1", models.AlertTypeRouteDeviation).
		WillReturnRows(rows)

	alert, err := repo.GetUnresolvedDeviation(context.Background(), "user-1", "route-1")
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, "alert-1", alert.ID)
	assert.False(t, alert.IsResolved)
	assert.Nil(t, alert.ResolvedAt)
	assert.True(t, alert.CreatedAt.Equal(createdAt))

	mock.ExpectQuery(`FROM alerts`).
		WithArgs("user-1", "route-2", models.AlertTypeRouteDeviation).
		WillReturnError(sql.ErrNoRows)
	alert, err = repo.GetUnresolvedDeviation(context.Background(), "user-1", "route-2")
	require.NoError(t, err)
	assert.Nil(t, alert)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAlerts_WithFilters(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	resolvedAt := since.Add(2 * time.Hour)
	rows := sqlmock.NewRows(alertColumnNames).
		AddRow("a2", "user-1", "sos", "critical", "SOS", 1.0, 2.0, nil, false, nil, since.Add(3*time.Hour)).
		AddRow("a1", "user-1", "route_deviation", "high", "Left", 0.0, 0.001, "route-1", true, resolvedAt, since.Add(time.Hour))

	mock.ExpectQuery(`WHERE dementia_user_id = \$1 AND alert_type = ANY\(\$2\) AND created_at >= \$3\s+ORDER BY created_at DESC\s+LIMIT \$4`).
		WithArgs("user-1", sqlmock.AnyArg(), since, 20).
		WillReturnRows(rows)

	alerts, err := repo.ListAlerts(context.Background(), AlertFilters{
		UserID:     "user-1",
		AlertTypes: []string{models.AlertTypeSOS, models.AlertTypeRouteDeviation},
		Since:      &since,
		Limit:      20,
	})
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Nil(t, alerts[0].RouteID)
	assert.True(t, alerts[1].IsResolved)
	require.NotNil(t, alerts[1].ResolvedAt)
	assert.True(t, alerts[1].ResolvedAt.Equal(resolvedAt))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAlerts_UnresolvedOnlyDefaultLimit(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	mock.ExpectQuery(`COALESCE\(is_resolved, false\) = false\s+ORDER BY created_at DESC\s+LIMIT \$2`).
		WithArgs("user-1", 100).
		WillReturnRows(sqlmock.NewRows(alertColumnNames))

	alerts, err := repo.ListAlerts(context.Background(), AlertFilters{UserID: "user-1", UnresolvedOnly: true})
	require.NoError(t, err)
	assert.Empty(t, alerts)
	require.NoError(t, mock.ExpectationsWereMet())
}
