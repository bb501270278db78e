package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/saferide/backend/internal/apperr"
)

// GetBus returns a bus by id.
func (s *Store) GetBus(ctx context.Context, id string) (*Bus, error) {
	var b Bus
	if err := s.db.GetContext(ctx, &b, `SELECT * FROM buses WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "bus")
	}
	return &b, nil
}

// CreateBus inserts a bus row.
func (s *Store) CreateBus(ctx context.Context, b *Bus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buses (id, label, capacity, route_id, status) VALUES ($1, $2, $3, $4, $5)`,
		b.ID, b.Label, b.Capacity, b.RouteID, b.Status)
	if err != nil {
		return fmt.Errorf("insert bus: %w", err)
	}
	return nil
}

// GetKiosk returns a kiosk by its operator-chosen id.
func (s *Store) GetKiosk(ctx context.Context, id string) (*Kiosk, error) {
	var k Kiosk
	if err := s.db.GetContext(ctx, &k, `SELECT * FROM kiosks WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "kiosk")
	}
	return &k, nil
}

// RegisterKiosk inserts an inactive kiosk, optionally bound to a bus.
func (s *Store) RegisterKiosk(ctx context.Context, id string, busID *string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kiosks (id, bus_id, active) VALUES ($1, $2, false)`, id, busID)
	if err != nil {
		return fmt.Errorf("insert kiosk: %w", err)
	}
	return nil
}

// CreateActivationToken persists the hash of a one-time activation secret.
func (s *Store) CreateActivationToken(ctx context.Context, kioskID, tokenHash string, expiresAt time.Time) (*ActivationToken, error) {
	t := &ActivationToken{
		ID:        uuid.NewString(),
		KioskID:   kioskID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activation_tokens (id, kiosk_id, token_hash, expires_at) VALUES ($1, $2, $3, $4)`,
		t.ID, t.KioskID, t.TokenHash, t.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("insert activation token: %w", err)
	}
	return t, nil
}

// ConsumeActivationToken atomically marks the token used and activates the
// kiosk. The WHERE clause is the compare-and-set: a token already used,
// expired, or unknown affects zero rows and surfaces as Conflict. The
// caller reports it with the same generic message as a bad token so
// callers cannot enumerate kiosks.
func (s *Store) ConsumeActivationToken(ctx context.Context, kioskID, tokenHash, usedByIP string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin activation tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE activation_tokens
		 SET used_at = now(), used_by_ip = $3
		 WHERE kiosk_id = $1 AND token_hash = $2 AND used_at IS NULL AND expires_at > now()`,
		kioskID, tokenHash, usedByIP)
	if err != nil {
		return fmt.Errorf("consume activation token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume activation token rows: %w", err)
	}
	if n == 0 {
		return apperr.New(apperr.KindConflict, "invalid credentials")
	}

	if _, err := tx.ExecContext(ctx, `UPDATE kiosks SET active = true WHERE id = $1`, kioskID); err != nil {
		return fmt.Errorf("activate kiosk: %w", err)
	}
	return tx.Commit()
}

// UpsertKioskStatus writes the heartbeat read model. last_heartbeat keeps
// the maximum observed value so out-of-order heartbeats cannot move a
// kiosk backwards into "offline".
func (s *Store) UpsertKioskStatus(ctx context.Context, st *KioskStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kiosk_status (
			kiosk_id, last_heartbeat, battery_level, is_charging, storage_free_mb,
			network_type, app_version, database_version, database_hash,
			student_count, embedding_count, status, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		ON CONFLICT (kiosk_id) DO UPDATE SET
			last_heartbeat   = GREATEST(kiosk_status.last_heartbeat, EXCLUDED.last_heartbeat),
			battery_level    = EXCLUDED.battery_level,
			is_charging      = EXCLUDED.is_charging,
			storage_free_mb  = EXCLUDED.storage_free_mb,
			network_type     = EXCLUDED.network_type,
			app_version      = EXCLUDED.app_version,
			database_version = EXCLUDED.database_version,
			database_hash    = EXCLUDED.database_hash,
			student_count    = EXCLUDED.student_count,
			embedding_count  = EXCLUDED.embedding_count,
			status           = EXCLUDED.status,
			updated_at       = now()`,
		st.KioskID, st.LastHeartbeat, st.BatteryLevel, st.IsCharging, st.StorageFreeMB,
		st.NetworkType, st.AppVersion, st.DatabaseVersion, st.DatabaseHash,
		st.StudentCount, st.EmbeddingCount, st.Status)
	if err != nil {
		return fmt.Errorf("upsert kiosk status: %w", err)
	}
	return nil
}

// GetKioskStatus returns the latest heartbeat row for a kiosk.
func (s *Store) GetKioskStatus(ctx context.Context, kioskID string) (*KioskStatus, error) {
	var st KioskStatus
	if err := s.db.GetContext(ctx, &st, `SELECT * FROM kiosk_status WHERE kiosk_id = $1`, kioskID); err != nil {
		return nil, notFound(err, "kiosk status")
	}
	return &st, nil
}
