package kiosk

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saferide/backend/internal/apperr"
	"github.com/saferide/backend/internal/auth"
	"github.com/saferide/backend/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"))
	issuer := auth.NewIssuer("test-secret", time.Hour, 24*time.Hour, time.Minute)
	return NewService(st, issuer, discardLogger()), mock
}

func kioskRow(busID any) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "bus_id", "active", "created_at"}).
		AddRow("kiosk-1", busID, true, time.Now())
}

func TestActivateMintsPair(t *testing.T) {
	svc, mock := newFixture(t)

	mock.ExpectQuery("SELECT \\* FROM kiosks").WillReturnRows(kioskRow("bus-9"))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE activation_tokens").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE kiosks SET active = true").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := svc.Activate(context.Background(), "kiosk-1", "plaintext-token", "10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Pair.Access)
	assert.NotEmpty(t, res.Pair.Refresh)
	require.NotNil(t, res.BusID)
	assert.Equal(t, "bus-9", *res.BusID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateUsedTokenIsGeneric(t *testing.T) {
	svc, mock := newFixture(t)

	mock.ExpectQuery("SELECT \\* FROM kiosks").WillReturnRows(kioskRow(nil))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE activation_tokens").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := svc.Activate(context.Background(), "kiosk-1", "already-used", "10.0.0.1")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	assert.Equal(t, 400, apperr.HTTPStatus(err))
	assert.Contains(t, err.Error(), "invalid credentials")
}

func TestActivateUnknownKioskIsGeneric(t *testing.T) {
	svc, mock := newFixture(t)

	mock.ExpectQuery("SELECT \\* FROM kiosks").
		WillReturnRows(sqlmock.NewRows([]string{"id", "bus_id", "active", "created_at"}))

	_, err := svc.Activate(context.Background(), "ghost", "whatever", "10.0.0.1")
	require.Error(t, err)
	// Same kind and message as a used token: no kiosk enumeration.
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	assert.Equal(t, 400, apperr.HTTPStatus(err))
	assert.Contains(t, err.Error(), "invalid credentials")
}

func TestRecordHeartbeatSubjectMismatch(t *testing.T) {
	svc, _ := newFixture(t)

	err := svc.RecordHeartbeat(context.Background(), "kiosk-1", &Heartbeat{KioskID: "kiosk-2"})
	assert.True(t, apperr.IsKind(err, apperr.KindAuthorization))
}

func TestRecordHeartbeatUpserts(t *testing.T) {
	svc, mock := newFixture(t)

	mock.ExpectQuery("SELECT \\* FROM kiosks").WillReturnRows(kioskRow("bus-9"))
	mock.ExpectExec("INSERT INTO kiosk_status").WillReturnResult(sqlmock.NewResult(0, 1))

	err := svc.RecordHeartbeat(context.Background(), "kiosk-1", &Heartbeat{
		Timestamp:       time.Now().UTC(),
		DatabaseVersion: "1.0.0",
		Health:          Health{BatteryLevel: 42, NetworkType: "wifi"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeriveStatusBoundaries(t *testing.T) {
	cases := []struct {
		battery  int
		charging bool
		want     string
	}{
		{9, false, StatusCritical},
		{10, false, StatusWarning},
		{19, false, StatusWarning},
		{20, false, StatusOK},
		{100, false, StatusOK},
		{5, true, StatusOK},  // charging suppresses critical
		{15, true, StatusOK}, // charging suppresses warning
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DeriveStatus(tc.battery, tc.charging),
			"battery=%d charging=%v", tc.battery, tc.charging)
	}
}

func statusRow(heartbeat time.Time, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"kiosk_id", "last_heartbeat", "battery_level", "is_charging", "storage_free_mb",
		"network_type", "app_version", "database_version", "database_hash",
		"student_count", "embedding_count", "status", "updated_at",
	}).AddRow("kiosk-1", heartbeat, 85, false, int64(2048), "wifi", "2.1.0", "1.0.0", "abc", 120, 360, status, time.Now())
}

func TestStatusOnlineWindow(t *testing.T) {
	svc, mock := newFixture(t)
	now := time.Now()
	svc.now = func() time.Time { return now }

	mock.ExpectQuery("SELECT \\* FROM kiosk_status").
		WillReturnRows(statusRow(now.Add(-time.Minute), StatusOK))

	fs, err := svc.Status(context.Background(), "kiosk-1")
	require.NoError(t, err)
	assert.True(t, fs.IsOnline)
	assert.False(t, fs.IsOffline)
	assert.Equal(t, StatusOK, fs.Derived)
}

func TestStatusOfflineOverridesToCritical(t *testing.T) {
	svc, mock := newFixture(t)
	now := time.Now()
	svc.now = func() time.Time { return now }

	// Last heartbeat said ok, but 25 silent hours make it critical at read.
	mock.ExpectQuery("SELECT \\* FROM kiosk_status").
		WillReturnRows(statusRow(now.Add(-25*time.Hour), StatusOK))

	fs, err := svc.Status(context.Background(), "kiosk-1")
	require.NoError(t, err)
	assert.False(t, fs.IsOnline)
	assert.True(t, fs.IsOffline)
	assert.Equal(t, StatusCritical, fs.Derived)
}

func TestGenerateActivationTokenStoresHashOnly(t *testing.T) {
	svc, mock := newFixture(t)

	mock.ExpectQuery("SELECT \\* FROM kiosks").WillReturnRows(kioskRow("bus-9"))
	mock.ExpectExec("INSERT INTO activation_tokens").
		WithArgs(sqlmock.AnyArg(), "kiosk-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	plaintext, err := svc.GenerateActivationToken(context.Background(), "kiosk-1", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, plaintext)
	assert.NoError(t, mock.ExpectationsWereMet())
}
