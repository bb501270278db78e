package registry

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

	"github.com/saferide/backend/internal/store"
	"github.com/saferide/backend/internal/vector"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(store.NewWithDB(sqlx.NewDb(db, "sqlmock")), discardLogger()), mock
}

func expectVersion(mock sqlmock.Sqlmock, version string) {
	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count", "latest"}).AddRow(3, version))
}

func embeddingRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "photo_id", "student_id", "model_name", "embedding", "quality_score", "is_primary", "created_at"}).
		AddRow("emb-1", "ph-1", "stu-1", "mobilefacenet", vector.Pack([]float32{1, 0}), 0.9, true, time.Now()).
		AddRow("emb-2", "ph-2", "stu-1", "arcface", []byte(`[0.5, 0.5]`), 0.8, false, time.Now()).
		AddRow("emb-3", "ph-3", "stu-2", "mobilefacenet", []byte{1, 2, 3}, 0.7, true, time.Now()) // malformed
}

func TestLoadCoercesBothEncodings(t *testing.T) {
	reg, mock := newFixture(t)
	expectVersion(mock, "t1")
	mock.ExpectQuery("SELECT e.id, e.photo_id").WillReturnRows(embeddingRows())

	pop, err := reg.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, pop["stu-1"], 2)
	assert.Equal(t, []float32{1, 0}, pop["stu-1"][0].Vector)
	assert.Equal(t, []float32{0.5, 0.5}, pop["stu-1"][1].Vector)
	assert.Equal(t, "mobilefacenet", pop["stu-1"][0].Model)

	// The malformed row is skipped, never fatal.
	assert.NotContains(t, pop, "stu-2")
	assert.False(t, pop.Empty())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadReusesCacheWhileVersionUnchanged(t *testing.T) {
	reg, mock := newFixture(t)
	expectVersion(mock, "t1")
	mock.ExpectQuery("SELECT e.id, e.photo_id").WillReturnRows(embeddingRows())
	expectVersion(mock, "t1") // second load checks the version only

	_, err := reg.Load(context.Background())
	require.NoError(t, err)
	_, err = reg.Load(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadReloadsOnVersionChange(t *testing.T) {
	reg, mock := newFixture(t)
	expectVersion(mock, "t1")
	mock.ExpectQuery("SELECT e.id, e.photo_id").WillReturnRows(embeddingRows())
	expectVersion(mock, "t2")
	mock.ExpectQuery("SELECT e.id, e.photo_id").WillReturnRows(embeddingRows())

	_, err := reg.Load(context.Background())
	require.NoError(t, err)
	_, err = reg.Load(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidateForcesReload(t *testing.T) {
	reg, mock := newFixture(t)
	expectVersion(mock, "t1")
	mock.ExpectQuery("SELECT e.id, e.photo_id").WillReturnRows(embeddingRows())
	expectVersion(mock, "t1")
	mock.ExpectQuery("SELECT e.id, e.photo_id").WillReturnRows(embeddingRows())

	_, err := reg.Load(context.Background())
	require.NoError(t, err)
	reg.Invalidate()
	_, err = reg.Load(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestForModel(t *testing.T) {
	pop := Population{
		"stu-1": {
			{Model: "a", Vector: []float32{1}},
			{Model: "b", Vector: []float32{2}},
		},
		"stu-2": {
			{Model: "b", Vector: []float32{3}},
		},
	}
	byModel := pop.ForModel("b")
	assert.Len(t, byModel["stu-1"], 1)
	assert.Len(t, byModel["stu-2"], 1)
	assert.NotContains(t, byModel, "stu-3")
}
