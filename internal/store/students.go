package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// PopulationStudent is one snapshot/registry row of the active population.
type PopulationStudent struct {
	ID            string  `db:"id"`
	NameEncrypted string  `db:"name_encrypted"`
	Status        string  `db:"status"`
	BusID         *string `db:"bus_id"`
}

// ActivePopulation lists active students ordered by id. The snapshot
// builder and the embedding registry both scan the full population: a
// kiosk must recognise wrong-bus students too.
func (s *Store) ActivePopulation(ctx context.Context) ([]PopulationStudent, error) {
	var out []PopulationStudent
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, name_encrypted, status, bus_id
		FROM students
		WHERE status = $1
		ORDER BY id`, StudentActive)
	if err != nil {
		return nil, fmt.Errorf("select active students: %w", err)
	}
	return out, nil
}

// ActiveEmbeddings lists reference embeddings for active students,
// ordered by id for hash determinism.
func (s *Store) ActiveEmbeddings(ctx context.Context) ([]ReferenceEmbedding, error) {
	var out []ReferenceEmbedding
	err := s.db.SelectContext(ctx, &out, `
		SELECT e.id, e.photo_id, e.student_id, e.model_name, e.embedding,
		       e.quality_score, e.is_primary, e.created_at
		FROM reference_embeddings e
		JOIN students st ON st.id = e.student_id
		WHERE st.status = $1
		ORDER BY e.id`, StudentActive)
	if err != nil {
		return nil, fmt.Errorf("select active embeddings: %w", err)
	}
	return out, nil
}

// PopulationVersion is a cheap change marker for the embedding registry
// cache: row count plus the latest embedding creation time.
func (s *Store) PopulationVersion(ctx context.Context) (string, error) {
	var v struct {
		Count  int    `db:"count"`
		Latest string `db:"latest"`
	}
	err := s.db.GetContext(ctx, &v, `
		SELECT count(*) AS count, coalesce(max(created_at)::text, '') AS latest
		FROM reference_embeddings`)
	if err != nil {
		return "", fmt.Errorf("population version: %w", err)
	}
	return fmt.Sprintf("%d/%s", v.Count, v.Latest), nil
}

// CreateStudent inserts a student row (operator tooling and tests).
func (s *Store) CreateStudent(ctx context.Context, st *Student) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO students (id, school_id, school_assigned_id, name_encrypted, grade, section, bus_id, status, enrolled_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		st.ID, st.SchoolID, st.SchoolAssignedID, st.NameEncrypted, st.Grade, st.Section, st.BusID, st.Status)
	if err != nil {
		return fmt.Errorf("insert student: %w", err)
	}
	return nil
}

// CreateReferenceEmbedding inserts an embedding row (operator tooling and
// tests).
func (s *Store) CreateReferenceEmbedding(ctx context.Context, e *ReferenceEmbedding) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reference_embeddings (id, photo_id, student_id, model_name, embedding, quality_score, is_primary)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.PhotoID, e.StudentID, e.ModelName, e.Embedding, e.QualityScore, e.IsPrimary)
	if err != nil {
		return fmt.Errorf("insert reference embedding: %w", err)
	}
	return nil
}

// DeleteStudent removes a student. Boarding events that reference the
// student keep their row with student_id nulled by the foreign key.
func (s *Store) DeleteStudent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM students WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete student: %w", err)
	}
	return nil
}
