package snapshot

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

func mockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

func expectPopulation(mock sqlmock.Sqlmock, embeddingBytes []byte) {
	mock.ExpectQuery("SELECT id, name_encrypted, status, bus_id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name_encrypted", "status", "bus_id"}).
			AddRow("stu-1", "Alice", "active", "bus-9").
			AddRow("stu-2", "Bob", "active", nil))
	mock.ExpectQuery("SELECT e.id, e.photo_id, e.student_id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "photo_id", "student_id", "model_name", "embedding", "quality_score", "is_primary", "created_at"}).
			AddRow("emb-1", "ph-1", "stu-1", "mobilefacenet", embeddingBytes, 0.9, true, time.Now()).
			AddRow("emb-2", "ph-2", "stu-2", "mobilefacenet", []byte{1, 2, 3}, 0.5, true, time.Now())) // malformed
}

func TestBuildRoundTrip(t *testing.T) {
	st, mock := mockStore(t)
	packed := vector.Pack([]float32{1.0, 2.0})
	expectPopulation(mock, packed)

	b := NewBuilder(st, PassthroughDecrypter{}, time.Minute, discardLogger())
	art, err := b.Build(context.Background(), "bus-9")
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, art.Meta.SchemaVersion)
	assert.Equal(t, "bus-9", art.Meta.BusID)
	assert.Equal(t, 2, art.Meta.StudentCount)
	assert.Equal(t, 2, art.Meta.EmbeddingCount, "hash and counts cover source rows")
	assert.NotEmpty(t, art.Meta.ContentHash)

	c, err := Read(art.Bytes)
	require.NoError(t, err)

	assert.Equal(t, art.Meta.ContentHash, c.Meta.ContentHash)
	assert.Equal(t, 2, c.StudentRows)
	assert.Equal(t, 1, c.EmbeddingRows, "malformed embedding row is skipped in the file")

	alice := c.StudentsByID["stu-1"]
	assert.Equal(t, "Alice", alice.Name)
	assert.Equal(t, "bus-9", alice.BusID)
	bob := c.StudentsByID["stu-2"]
	assert.Empty(t, bob.BusID)

	for _, row := range c.EmbeddingsByID {
		assert.Equal(t, "stu-1", row.StudentID)
		assert.Equal(t, packed, row.Vector, "vectors stored as little-endian float32")
		assert.Equal(t, "mobilefacenet", row.ModelName)
	}

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildUsesCacheWithinTTL(t *testing.T) {
	st, mock := mockStore(t)
	expectPopulation(mock, vector.Pack([]float32{1, 2}))

	b := NewBuilder(st, PassthroughDecrypter{}, time.Minute, discardLogger())
	first, err := b.Build(context.Background(), "bus-9")
	require.NoError(t, err)

	// No further query expectations: a second build must hit the cache.
	second, err := b.Build(context.Background(), "bus-9")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidateForcesRebuild(t *testing.T) {
	st, mock := mockStore(t)
	expectPopulation(mock, vector.Pack([]float32{1, 2}))
	expectPopulation(mock, vector.Pack([]float32{1, 2}))

	b := NewBuilder(st, PassthroughDecrypter{}, time.Hour, discardLogger())
	_, err := b.Build(context.Background(), "bus-9")
	require.NoError(t, err)

	b.Invalidate("bus-9")
	_, err = b.Build(context.Background(), "bus-9")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContentHashOrderIndependent(t *testing.T) {
	a := ContentHash([]string{"s1", "s2"}, []string{"e1", "e2"})
	b := ContentHash([]string{"s2", "s1"}, []string{"e2", "e1"})
	assert.Equal(t, a, b)
}

func TestContentHashSensitiveToMembership(t *testing.T) {
	base := ContentHash([]string{"s1"}, []string{"e1"})
	assert.NotEqual(t, base, ContentHash([]string{"s1", "s2"}, []string{"e1"}))
	assert.NotEqual(t, base, ContentHash([]string{"s1"}, []string{"e1", "e2"}))
	assert.NotEqual(t, base, ContentHash([]string{"s1"}, nil))
}

func TestBuildDeterministicHashAcrossBuilds(t *testing.T) {
	st, mock := mockStore(t)
	packed := vector.Pack([]float32{1, 2})
	expectPopulation(mock, packed)
	expectPopulation(mock, packed)

	b := NewBuilder(st, PassthroughDecrypter{}, time.Nanosecond, discardLogger())
	first, err := b.Build(context.Background(), "bus-9")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := b.Build(context.Background(), "bus-9")
	require.NoError(t, err)

	assert.Equal(t, first.Meta.ContentHash, second.Meta.ContentHash,
		"hash depends on membership, not build time")
}
