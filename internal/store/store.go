// Package store is the Postgres persistence layer for the fleet entities:
// buses, kiosks, activation tokens, students, reference embeddings, and
// the append-only boarding-event log.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/saferide/backend/internal/apperr"
)

// Store wraps the database handle. All methods take a context and return
// taxonomy errors for the conditions handlers care about.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres, applies the schema, and configures the pool.
func Open(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (tests inject sqlmock through here).
func NewWithDB(db *sqlx.DB) *Store { return &Store{db: db} }

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// notFound converts sql.ErrNoRows into a NotFound taxonomy error.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Newf(apperr.KindNotFound, "%s not found", what)
	}
	return err
}
