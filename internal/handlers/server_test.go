package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saferide/backend/internal/auth"
	"github.com/saferide/backend/internal/boarding"
	"github.com/saferide/backend/internal/dispatch"
	"github.com/saferide/backend/internal/kiosk"
	"github.com/saferide/backend/internal/objectstore"
	"github.com/saferide/backend/internal/registry"
	"github.com/saferide/backend/internal/snapshot"
	"github.com/saferide/backend/internal/store"
	"github.com/saferide/backend/internal/urlcache"
	"github.com/saferide/backend/internal/vector"
	"github.com/saferide/backend/internal/verify"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// dispatcherFunc adapts a func to dispatch.Dispatcher.
type dispatcherFunc func(eventID string) error

func (f dispatcherFunc) EnqueueVerification(_ context.Context, eventID string) error {
	return f(eventID)
}

type fixture struct {
	server     *httptest.Server
	mock       sqlmock.Sqlmock
	objects    *objectstore.Memory
	issuer     *auth.Issuer
	dispatched []string
}

func newServerFixture(t *testing.T) *fixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"))

	f := &fixture{
		mock:    mock,
		objects: objectstore.NewMemory(),
		issuer:  auth.NewIssuer("test-secret", time.Hour, 24*time.Hour, time.Minute),
	}

	logger := discardLogger()
	engine := verify.NewEngine(nil, verify.Params{MinConsensus: 2, ConfigVersion: "v-test"}, logger)
	orchestrator := verify.NewOrchestrator(st, f.objects, registry.New(st, logger), engine, 30*time.Second, logger)
	scheduler := dispatch.NewScheduler(st, dispatcherFunc(func(eventID string) error {
		f.dispatched = append(f.dispatched, eventID)
		return nil
	}), logger)

	srv := New(Deps{
		Store:        st,
		Objects:      f.objects,
		Kiosks:       kiosk.NewService(st, f.issuer, logger),
		Snapshots:    snapshot.NewBuilder(st, snapshot.PassthroughDecrypter{}, time.Minute, logger),
		Boarding:     boarding.NewService(st, f.objects, scheduler, 3, logger),
		Orchestrator: orchestrator,
		URLs:         urlcache.New(f.objects, time.Hour, 55*time.Minute, nil, "", logger),
		Issuer:       f.issuer,
		MaxCrops:     3,
		Logger:       logger,
	})

	f.server = httptest.NewServer(srv.Router())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, bearer string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rd)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *fixture) kioskBearer(t *testing.T, kioskID string) string {
	t.Helper()
	pair, err := f.issuer.MintKioskPair(kioskID)
	require.NoError(t, err)
	return pair.Access
}

func kioskRow(busID any) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "bus_id", "active", "created_at"}).
		AddRow("kiosk-1", busID, true, time.Now())
}

func expectSnapshotQueries(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT id, name_encrypted, status, bus_id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name_encrypted", "status", "bus_id"}).
			AddRow("stu-1", "Alice", "active", "bus-9"))
	mock.ExpectQuery("SELECT e.id, e.photo_id").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "photo_id", "student_id", "model_name", "embedding",
			"quality_score", "is_primary", "created_at",
		}).AddRow("emb-1", "ph-1", "stu-1", "mobilefacenet", vector.Pack([]float32{1, 0}), 0.9, true, time.Now()))
}

func TestActivateIssuesTokens(t *testing.T) {
	f := newServerFixture(t)

	f.mock.ExpectQuery("SELECT \\* FROM kiosks").WillReturnRows(kioskRow("bus-9"))
	f.mock.ExpectBegin()
	f.mock.ExpectExec("UPDATE activation_tokens").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE kiosks SET active = true").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	resp := f.do(t, http.MethodPost, "/api/v1/kiosks/activate/", "",
		map[string]string{"kiosk_id": "kiosk-1", "activation_token": "plaintext-secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[tokenResponse](t, resp)
	assert.NotEmpty(t, body.AccessToken)
	assert.NotEmpty(t, body.RefreshToken)
	assert.Equal(t, "Bearer", body.TokenType)
	assert.Equal(t, int64(3600), body.ExpiresIn)
	require.NotNil(t, body.BusID)
	assert.Equal(t, "bus-9", *body.BusID)

	claims, err := f.issuer.Parse(body.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "kiosk-1", claims.Subject)
}

func TestActivateUsedTokenIsGeneric(t *testing.T) {
	f := newServerFixture(t)

	f.mock.ExpectQuery("SELECT \\* FROM kiosks").WillReturnRows(kioskRow(nil))
	f.mock.ExpectBegin()
	f.mock.ExpectExec("UPDATE activation_tokens").WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectRollback()

	resp := f.do(t, http.MethodPost, "/api/v1/kiosks/activate/", "",
		map[string]string{"kiosk_id": "kiosk-1", "activation_token": "already-used"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decode[errorBody](t, resp)
	assert.Equal(t, "invalid credentials", body.Error)
}

func TestRefreshRotatesPair(t *testing.T) {
	f := newServerFixture(t)
	pair, err := f.issuer.MintKioskPair("kiosk-1")
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/api/v1/auth/token/refresh/", "",
		map[string]string{"refresh_token": pair.Refresh})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[tokenResponse](t, resp)
	claims, err := f.issuer.Parse(body.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "kiosk-1", claims.Subject)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	f := newServerFixture(t)
	pair, err := f.issuer.MintKioskPair("kiosk-1")
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/api/v1/auth/token/refresh/", "",
		map[string]string{"refresh_token": pair.Access})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCheckUpdatesHandshake(t *testing.T) {
	f := newServerFixture(t)
	bearer := f.kioskBearer(t, "kiosk-1")

	f.mock.ExpectQuery("SELECT \\* FROM kiosks").WillReturnRows(kioskRow("bus-9"))
	expectSnapshotQueries(f.mock)

	resp := f.do(t, http.MethodGet, "/api/v1/kiosk-1/check-updates/?last_sync_hash=stale", bearer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode[checkUpdatesResponse](t, resp)
	assert.True(t, first.NeedsUpdate)
	assert.NotEmpty(t, first.ContentHash)
	assert.Equal(t, snapshot.SchemaVersion, first.CurrentVersion)
	assert.Equal(t, 1, first.StudentCount)
	assert.Equal(t, 1, first.EmbeddingCount)

	// Same hash back means up to date. The artifact is served from cache,
	// so only the kiosk lookup repeats.
	f.mock.ExpectQuery("SELECT \\* FROM kiosks").WillReturnRows(kioskRow("bus-9"))
	resp = f.do(t, http.MethodGet, "/api/v1/kiosk-1/check-updates/?last_sync_hash="+first.ContentHash, bearer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[checkUpdatesResponse](t, resp)
	assert.False(t, second.NeedsUpdate)
	assert.Equal(t, first.ContentHash, second.ContentHash)
}

func TestSnapshotDownloadHeaders(t *testing.T) {
	f := newServerFixture(t)
	bearer := f.kioskBearer(t, "kiosk-1")

	f.mock.ExpectQuery("SELECT \\* FROM kiosks").WillReturnRows(kioskRow("bus-9"))
	expectSnapshotQueries(f.mock)

	resp := f.do(t, http.MethodGet, "/api/v1/kiosk-1/snapshot/", bearer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-sqlite3", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	sum := sha256.Sum256(body)
	assert.Equal(t, hex.EncodeToString(sum[:]), resp.Header.Get("x-snapshot-checksum"))
	assert.NotEmpty(t, resp.Header.Get("x-snapshot-size"))
	assert.NotEmpty(t, resp.Header.Get("x-snapshot-content-hash"))

	// The body is a real database the kiosk can open.
	c, err := snapshot.Read(body)
	require.NoError(t, err)
	assert.Equal(t, 1, c.StudentRows)
	assert.Equal(t, 1, c.EmbeddingRows)
}

func TestSnapshotRequiresBusAssignment(t *testing.T) {
	f := newServerFixture(t)
	bearer := f.kioskBearer(t, "kiosk-1")

	f.mock.ExpectQuery("SELECT \\* FROM kiosks").WillReturnRows(kioskRow(nil))

	resp := f.do(t, http.MethodGet, "/api/v1/kiosk-1/snapshot/", bearer, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestKioskRoutesRejectForeignSubject(t *testing.T) {
	f := newServerFixture(t)
	bearer := f.kioskBearer(t, "kiosk-2")

	resp := f.do(t, http.MethodPost, "/api/v1/kiosk-1/heartbeat/", bearer,
		map[string]any{"health": map[string]any{"battery_level": 80}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHeartbeatReturns204(t *testing.T) {
	f := newServerFixture(t)
	bearer := f.kioskBearer(t, "kiosk-1")

	f.mock.ExpectQuery("SELECT \\* FROM kiosks").WillReturnRows(kioskRow("bus-9"))
	f.mock.ExpectExec("INSERT INTO kiosk_status").WillReturnResult(sqlmock.NewResult(0, 1))

	resp := f.do(t, http.MethodPost, "/api/v1/kiosk-1/heartbeat/", bearer, map[string]any{
		"timestamp":        time.Now().UTC(),
		"database_version": "1.0.0",
		"database_hash":    "abc123",
		"student_count":    120,
		"embedding_count":  360,
		"health": map[string]any{
			"battery_level": 45,
			"is_charging":   false,
			"network_type":  "wifi",
		},
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCreateEventWithoutCrops(t *testing.T) {
	f := newServerFixture(t)
	bearer := f.kioskBearer(t, "kiosk-1")

	f.mock.ExpectExec("INSERT INTO boarding_events").WillReturnResult(sqlmock.NewResult(0, 1))

	resp := f.do(t, http.MethodPost, "/api/v1/boarding-events/", bearer, map[string]any{
		"student_id":       "stu-1",
		"kiosk_id":         "kiosk-1",
		"confidence_score": 0.95,
		"timestamp":        time.Now().UTC(),
		"model_version":    "mfn-2.1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decode[eventResponse](t, resp)
	assert.Len(t, body.ID, 26)
	assert.Equal(t, "kiosk-1", body.KioskID)
	assert.Equal(t, store.VerificationPending, body.BackendStatus)
	assert.Empty(t, f.dispatched, "no crops, nothing to verify")
}

func TestCreateEventWithCropsSchedulesVerification(t *testing.T) {
	f := newServerFixture(t)
	bearer := f.kioskBearer(t, "kiosk-1")

	f.mock.ExpectExec("INSERT INTO boarding_events").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE boarding_events SET crop_paths").WillReturnResult(sqlmock.NewResult(0, 1))
	// Scheduler re-reads the event before enqueueing.
	f.mock.ExpectQuery("SELECT \\* FROM boarding_events").
		WillReturnRows(sqlmock.NewRows([]string{"id", "kiosk_id", "backend_status"}).
			AddRow("any", "kiosk-1", store.VerificationPending))

	resp := f.do(t, http.MethodPost, "/api/v1/boarding-events/", bearer, map[string]any{
		"student_id":       "stu-1",
		"kiosk_id":         "kiosk-1",
		"confidence_score": 0.9,
		"model_version":    "mfn-2.1",
		"confirmation_faces_base64": []string{
			base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")),
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decode[eventResponse](t, resp)
	assert.Equal(t, 1, body.CropCount)
	assert.Equal(t, 1, f.objects.Len())
	require.Len(t, f.dispatched, 1)
	assert.Equal(t, body.ID, f.dispatched[0])
}

func TestCreateEventValidationDetails(t *testing.T) {
	f := newServerFixture(t)
	bearer := f.kioskBearer(t, "kiosk-1")

	resp := f.do(t, http.MethodPost, "/api/v1/boarding-events/", bearer, map[string]any{
		"student_id":       "stu-1",
		"kiosk_id":         "kiosk-1",
		"confidence_score": 0.95,
		"model_version":    "mfn-2.1",
		"gps_coords":       []float64{99, 0},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decode[errorBody](t, resp)
	assert.Contains(t, body.Details, "gps_coords.0")
}

func TestVerifyCallbackRequiresQueueHeaders(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/face-verification/verify/", "",
		map[string]string{"event_id": "ev-1"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestVerifyCallbackRejectsEmptyEventID(t *testing.T) {
	f := newServerFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/v1/face-verification/verify/",
		bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	req.Header.Set("X-CloudTasks-TaskName", "task-1")
	req.Header.Set("X-CloudTasks-QueueName", "verify-queue")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuditViewSignsCropURLs(t *testing.T) {
	f := newServerFixture(t)
	admin, err := f.issuer.MintAdminToken("ops", time.Hour)
	require.NoError(t, err)

	eventID := "01JX5A7Q8RS2T3U4V5W6X7Y8Z9"
	p1 := objectstore.CropPath(eventID, 1)
	p2 := objectstore.CropPath(eventID, 2)
	require.NoError(t, f.objects.Upload(context.Background(), p1, []byte{1}, "image/jpeg"))
	require.NoError(t, f.objects.Upload(context.Background(), p2, []byte{2}, "image/jpeg"))

	f.mock.ExpectQuery("SELECT \\* FROM boarding_events").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "student_id", "kiosk_id", "backend_status", "backend_student_id",
			"crop_paths", "consensus_data",
		}).AddRow(eventID, "stu-1", "kiosk-1", store.VerificationFlagged, "stu-2",
			"{"+p1+","+p2+"}", []byte(`{"confidence_score":0.4}`)))

	resp := f.do(t, http.MethodGet, "/api/v1/face-verification/events/"+eventID+"/", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[auditResponse](t, resp)
	assert.True(t, body.HasMismatch)
	assert.True(t, body.NeedsManualReview)
	assert.Len(t, body.CropURLs, 2)
	assert.JSONEq(t, `{"confidence_score":0.4}`, string(body.ConsensusData))
}

func TestAuditViewRejectsKioskBearer(t *testing.T) {
	f := newServerFixture(t)
	bearer := f.kioskBearer(t, "kiosk-1")

	resp := f.do(t, http.MethodGet, "/api/v1/face-verification/events/ev-1/", bearer, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ok", body["database"])
	assert.Equal(t, "ok", body["object_store"])
}
