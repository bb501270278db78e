package snapshot

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Contents is the re-read view of an artifact, used by operator tooling
// and the round-trip tests.
type Contents struct {
	Meta           Metadata
	StudentRows    int
	EmbeddingRows  int
	StudentsByID   map[string]StudentRow
	EmbeddingsByID map[int64]EmbeddingRow
}

// StudentRow mirrors one row of the on-device students table.
type StudentRow struct {
	StudentID string
	Name      string
	Status    string
	BusID     string
}

// EmbeddingRow mirrors one row of the on-device face_embeddings table.
type EmbeddingRow struct {
	ID        int64
	StudentID string
	Vector    []byte
	Quality   float64
	ModelName string
}

// Read reopens artifact bytes as a SQLite database and extracts the
// metadata and rows.
func Read(artifact []byte) (*Contents, error) {
	dir, err := os.MkdirTemp("", "snapshot-read-*")
	if err != nil {
		return nil, fmt.Errorf("snapshot read tempdir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "recognition.db")
	if err := os.WriteFile(path, artifact, 0o600); err != nil {
		return nil, fmt.Errorf("write snapshot for read: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open snapshot for read: %w", err)
	}
	defer db.Close()

	c := &Contents{
		StudentsByID:   make(map[string]StudentRow),
		EmbeddingsByID: make(map[int64]EmbeddingRow),
	}

	rows, err := db.Query(`SELECT key, value FROM sync_metadata`)
	if err != nil {
		return nil, fmt.Errorf("read sync_metadata: %w", err)
	}
	meta := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, err
		}
		meta[k] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	c.Meta = Metadata{
		SchemaVersion: meta["schema_version"],
		SyncTimestamp: meta["sync_timestamp"],
		BusID:         meta["bus_id"],
		ContentHash:   meta["content_hash"],
	}
	c.Meta.StudentCount, _ = strconv.Atoi(meta["student_count"])
	c.Meta.EmbeddingCount, _ = strconv.Atoi(meta["embedding_count"])

	srows, err := db.Query(`SELECT student_id, name, coalesce(status,''), coalesce(bus_id,'') FROM students`)
	if err != nil {
		return nil, fmt.Errorf("read students: %w", err)
	}
	for srows.Next() {
		var r StudentRow
		if err := srows.Scan(&r.StudentID, &r.Name, &r.Status, &r.BusID); err != nil {
			srows.Close()
			return nil, err
		}
		c.StudentsByID[r.StudentID] = r
		c.StudentRows++
	}
	srows.Close()
	if err := srows.Err(); err != nil {
		return nil, err
	}

	erows, err := db.Query(`SELECT id, coalesce(student_id,''), embedding_vector, coalesce(quality_score,0), coalesce(model_name,'') FROM face_embeddings`)
	if err != nil {
		return nil, fmt.Errorf("read face_embeddings: %w", err)
	}
	for erows.Next() {
		var r EmbeddingRow
		if err := erows.Scan(&r.ID, &r.StudentID, &r.Vector, &r.Quality, &r.ModelName); err != nil {
			erows.Close()
			return nil, err
		}
		c.EmbeddingsByID[r.ID] = r
		c.EmbeddingRows++
	}
	erows.Close()
	if err := erows.Err(); err != nil {
		return nil, err
	}

	return c, nil
}
