package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"

	"github.com/saferide/backend/internal/apperr"
)

// InsertEvent appends a boarding event with blank crop paths. The caller
// assigns the time-sortable id before insert.
func (s *Store) InsertEvent(ctx context.Context, e *BoardingEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO boarding_events (
			id, student_id, kiosk_id, confidence, event_timestamp,
			lat, lon, bus_route, face_image_url, model_version, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.StudentID, e.KioskID, e.Confidence, e.EventTimestamp,
		e.Lat, e.Lon, e.BusRoute, e.FaceImageURL, e.ModelVersion, e.Metadata)
	if err != nil {
		return fmt.Errorf("insert boarding event: %w", err)
	}
	return nil
}

// AttachCropPaths is the second write of the two-step create: it sets only
// the crop-path column and only while that column is still empty. The
// event log is append-only past this point.
func (s *Store) AttachCropPaths(ctx context.Context, eventID string, paths []string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE boarding_events SET crop_paths = $2
		WHERE id = $1 AND crop_paths = '{}'`,
		eventID, pq.StringArray(paths))
	if err != nil {
		return fmt.Errorf("attach crop paths: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach crop paths rows: %w", err)
	}
	if n == 0 {
		return apperr.Newf(apperr.KindConflict, "event %s already has crops", eventID)
	}
	return nil
}

// DeleteEvent removes an event row; used only by the create-path
// compensation before the attach-crops write has committed.
func (s *Store) DeleteEvent(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM boarding_events WHERE id = $1`, eventID); err != nil {
		return fmt.Errorf("delete boarding event: %w", err)
	}
	return nil
}

// GetEvent returns a boarding event by id.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*BoardingEvent, error) {
	var e BoardingEvent
	if err := s.db.GetContext(ctx, &e, `SELECT * FROM boarding_events WHERE id = $1`, eventID); err != nil {
		return nil, notFound(err, "boarding event")
	}
	return &e, nil
}

// VerificationUpdate carries exactly the columns the orchestrator may
// touch; the UPDATE below is its field mask.
type VerificationUpdate struct {
	Status        string
	Confidence    string
	StudentID     *string
	ConsensusData types.JSONText
	ConfigVersion string
	VerifiedAt    time.Time
}

// UpdateVerification persists a verdict. It never touches the kiosk's
// claim, the timestamp, or the crop paths.
func (s *Store) UpdateVerification(ctx context.Context, eventID string, u VerificationUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE boarding_events SET
			backend_status         = $2,
			backend_confidence     = $3,
			backend_student_id     = $4,
			consensus_data         = $5,
			backend_verified_at    = $6,
			backend_config_version = $7
		WHERE id = $1`,
		eventID, u.Status, u.Confidence, u.StudentID, u.ConsensusData, u.VerifiedAt, u.ConfigVersion)
	if err != nil {
		return fmt.Errorf("update verification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update verification rows: %w", err)
	}
	if n == 0 {
		return apperr.Newf(apperr.KindNotFound, "boarding event %s", eventID)
	}
	return nil
}
