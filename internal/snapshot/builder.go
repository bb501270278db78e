// Package snapshot builds the single-file SQLite recognition database
// shipped to kiosks. One artifact holds the entire active student
// population (with each student's bus assignment) plus every reference
// embedding, and a sync_metadata table whose content_hash drives the
// check-updates handshake.
package snapshot

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	"github.com/saferide/backend/internal/metrics"
	"github.com/saferide/backend/internal/store"
	"github.com/saferide/backend/internal/vector"
)

// SchemaVersion is written to sync_metadata and bumped only on breaking
// changes to the kiosk-side schema.
const SchemaVersion = "1.0.0"

// Metadata describes a built artifact. ContentHash is deterministic over
// the sorted student and embedding ids and independent of build time.
type Metadata struct {
	SchemaVersion  string `json:"schema_version"`
	SyncTimestamp  string `json:"sync_timestamp"`
	BusID          string `json:"bus_id"`
	StudentCount   int    `json:"student_count"`
	EmbeddingCount int    `json:"embedding_count"`
	ContentHash    string `json:"content_hash"`
}

// Artifact is a built snapshot: the SQLite file bytes plus metadata.
type Artifact struct {
	Bytes []byte
	Meta  Metadata
}

// Decrypter is the custodian boundary for encrypted student names. The
// snapshot carries decrypted names; the cipher itself lives elsewhere.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// PassthroughDecrypter treats stored names as already-plain; used in dev
// and tests where the custodian is not wired.
type PassthroughDecrypter struct{}

func (PassthroughDecrypter) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }

type cached struct {
	artifact *Artifact
	builtAt  time.Time
}

// Builder produces artifacts on demand. Concurrent builds for one bus
// coalesce; results are reused within cacheTTL.
type Builder struct {
	store     *store.Store
	decrypter Decrypter
	cacheTTL  time.Duration
	logger    *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cached

	now func() time.Time
}

func NewBuilder(st *store.Store, dec Decrypter, cacheTTL time.Duration, logger *slog.Logger) *Builder {
	return &Builder{
		store:     st,
		decrypter: dec,
		cacheTTL:  cacheTTL,
		logger:    logger.With("component", "snapshot"),
		cache:     make(map[string]cached),
		now:       time.Now,
	}
}

// Build returns the current artifact for busID, building one if the cache
// is stale.
func (b *Builder) Build(ctx context.Context, busID string) (*Artifact, error) {
	b.mu.RLock()
	c, ok := b.cache[busID]
	b.mu.RUnlock()
	if ok && b.now().Sub(c.builtAt) < b.cacheTTL {
		return c.artifact, nil
	}

	v, err, _ := b.group.Do(busID, func() (interface{}, error) {
		art, err := b.build(ctx, busID)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.cache[busID] = cached{artifact: art, builtAt: b.now()}
		b.mu.Unlock()
		return art, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Artifact), nil
}

// Invalidate drops the cached artifact for a bus (or all buses when busID
// is empty); called when the population mutates.
func (b *Builder) Invalidate(busID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if busID == "" {
		b.cache = make(map[string]cached)
		return
	}
	delete(b.cache, busID)
}

func (b *Builder) build(ctx context.Context, busID string) (*Artifact, error) {
	start := b.now()

	students, err := b.store.ActivePopulation(ctx)
	if err != nil {
		return nil, err
	}
	embeddings, err := b.store.ActiveEmbeddings(ctx)
	if err != nil {
		return nil, err
	}

	hash := ContentHash(studentIDs(students), embeddingIDs(embeddings))
	meta := Metadata{
		SchemaVersion:  SchemaVersion,
		SyncTimestamp:  start.UTC().Format(time.RFC3339),
		BusID:          busID,
		StudentCount:   len(students),
		EmbeddingCount: len(embeddings),
		ContentHash:    hash,
	}

	bytes, err := b.writeFile(ctx, students, embeddings, meta)
	if err != nil {
		return nil, err
	}

	metrics.SnapshotBuilds.Inc()
	metrics.SnapshotBuildDuration.Observe(b.now().Sub(start).Seconds())
	b.logger.Info("snapshot built",
		"bus_id", busID,
		"students", meta.StudentCount,
		"embeddings", meta.EmbeddingCount,
		"content_hash", hash,
		"bytes", len(bytes),
		"duration", b.now().Sub(start))
	return &Artifact{Bytes: bytes, Meta: meta}, nil
}

// writeFile materialises the SQLite artifact in a temp file, populating
// all rows inside one transaction, then reads the bytes back after the
// database is synced and closed.
func (b *Builder) writeFile(ctx context.Context, students []store.PopulationStudent, embeddings []store.ReferenceEmbedding, meta Metadata) ([]byte, error) {
	dir, err := os.MkdirTemp("", "snapshot-*")
	if err != nil {
		return nil, fmt.Errorf("snapshot tempdir: %w", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "recognition.db")

	db, err := sql.Open("sqlite", path+"?_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}

	if err := b.populate(ctx, db, students, embeddings, meta); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.Close(); err != nil {
		return nil, fmt.Errorf("close snapshot db: %w", err)
	}

	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}
	return bytes, nil
}

func (b *Builder) populate(ctx context.Context, db *sql.DB, students []store.PopulationStudent, embeddings []store.ReferenceEmbedding, meta Metadata) error {
	if _, err := db.ExecContext(ctx, kioskSchema); err != nil {
		return fmt.Errorf("snapshot schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	insStudent, err := tx.PrepareContext(ctx,
		`INSERT INTO students (student_id, name, status, bus_id) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare student insert: %w", err)
	}
	defer insStudent.Close()

	for _, st := range students {
		name, err := b.decrypter.Decrypt(st.NameEncrypted)
		if err != nil {
			return fmt.Errorf("decrypt student %s name: %w", st.ID, err)
		}
		var busID any
		if st.BusID != nil {
			busID = *st.BusID
		}
		if _, err := insStudent.ExecContext(ctx, st.ID, name, st.Status, busID); err != nil {
			return fmt.Errorf("insert snapshot student %s: %w", st.ID, err)
		}
	}

	insEmb, err := tx.PrepareContext(ctx,
		`INSERT INTO face_embeddings (student_id, embedding_vector, quality_score, model_name) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare embedding insert: %w", err)
	}
	defer insEmb.Close()

	for _, e := range embeddings {
		vec, err := vector.Coerce(e.Embedding)
		if err != nil {
			// A malformed row degrades recognition quality but must not
			// block the whole fleet's sync.
			b.logger.Warn("skipping malformed embedding", "embedding_id", e.ID, "student_id", e.StudentID, "error", err)
			continue
		}
		if _, err := insEmb.ExecContext(ctx, e.StudentID, vector.Pack(vec), e.QualityScore, e.ModelName); err != nil {
			return fmt.Errorf("insert snapshot embedding %s: %w", e.ID, err)
		}
	}

	metaRows := map[string]string{
		"schema_version":  meta.SchemaVersion,
		"sync_timestamp":  meta.SyncTimestamp,
		"bus_id":          meta.BusID,
		"student_count":   strconv.Itoa(meta.StudentCount),
		"embedding_count": strconv.Itoa(meta.EmbeddingCount),
		"content_hash":    meta.ContentHash,
	}
	for k, v := range metaRows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO sync_metadata (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("insert sync_metadata %s: %w", k, err)
		}
	}

	return tx.Commit()
}

// kioskSchema is the on-device contract; kiosks tolerate extra
// sync_metadata keys but rely on these tables and indices.
const kioskSchema = `
CREATE TABLE students (
	student_id TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	status     TEXT,
	bus_id     TEXT
);
CREATE INDEX idx_students_status ON students (status);
CREATE INDEX idx_students_bus ON students (bus_id);

CREATE TABLE face_embeddings (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	student_id       TEXT,
	embedding_vector BLOB NOT NULL,
	quality_score    REAL,
	model_name       TEXT
);
CREATE INDEX idx_face_embeddings_student ON face_embeddings (student_id);

CREATE TABLE sync_metadata (
	key   TEXT PRIMARY KEY,
	value TEXT
);
`

// ContentHash is SHA-256 over the lexicographically sorted student ids
// followed by the lexicographically sorted embedding ids. Insertion
// order, timestamps, and host state never reach the hash.
func ContentHash(studentIDs, embeddingIDs []string) string {
	s := append([]string(nil), studentIDs...)
	e := append([]string(nil), embeddingIDs...)
	sort.Strings(s)
	sort.Strings(e)

	h := sha256.New()
	for _, id := range s {
		h.Write([]byte(id))
	}
	for _, id := range e {
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func studentIDs(students []store.PopulationStudent) []string {
	ids := make([]string, len(students))
	for i, s := range students {
		ids[i] = s.ID
	}
	return ids
}

func embeddingIDs(embeddings []store.ReferenceEmbedding) []string {
	ids := make([]string, len(embeddings))
	for i, e := range embeddings {
		ids[i] = e.ID
	}
	return ids
}
