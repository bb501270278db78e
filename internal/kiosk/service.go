// Package kiosk covers the device lifecycle: activation-token exchange,
// bearer refresh, heartbeat ingestion, and the health status derived from
// battery and connectivity.
package kiosk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/saferide/backend/internal/apperr"
	"github.com/saferide/backend/internal/auth"
	"github.com/saferide/backend/internal/store"
)

// Online/offline windows over last_heartbeat.
const (
	OnlineWindow  = 5 * time.Minute
	OfflineWindow = 24 * time.Hour
)

// Derived health statuses.
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Service implements the kiosk lifecycle over the store and token issuer.
type Service struct {
	store  *store.Store
	issuer *auth.Issuer
	logger *slog.Logger
	now    func() time.Time
}

func NewService(st *store.Store, issuer *auth.Issuer, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		issuer: issuer,
		logger: logger.With("component", "kiosk"),
		now:    time.Now,
	}
}

// ActivationResult is returned by a successful token exchange.
type ActivationResult struct {
	Pair  *auth.TokenPair
	BusID *string
}

// invalidActivation is deliberately generic: it must not reveal whether
// the kiosk exists, the token expired, or the token was already used.
// Conflict-kind so every failure mode surfaces as the same 400.
func invalidActivation() error {
	return apperr.New(apperr.KindConflict, "invalid credentials")
}

// Activate exchanges a one-time activation token for bearer credentials.
// Consumption is a single compare-and-set in the store; a lost race
// surfaces identically to a bad token.
func (s *Service) Activate(ctx context.Context, kioskID, plaintext, remoteIP string) (*ActivationResult, error) {
	k, err := s.store.GetKiosk(ctx, kioskID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, invalidActivation()
		}
		return nil, err
	}

	hash := auth.HashActivationSecret(plaintext)
	if err := s.store.ConsumeActivationToken(ctx, kioskID, hash, remoteIP); err != nil {
		if apperr.IsKind(err, apperr.KindConflict) {
			return nil, invalidActivation()
		}
		return nil, err
	}

	pair, err := s.issuer.MintKioskPair(kioskID)
	if err != nil {
		return nil, fmt.Errorf("mint kiosk pair: %w", err)
	}

	s.logger.Info("kiosk activated", "kiosk_id", kioskID, "ip", remoteIP)
	return &ActivationResult{Pair: pair, BusID: k.BusID}, nil
}

// Refresh reissues a token pair from a valid refresh token.
func (s *Service) Refresh(refreshToken string) (*auth.TokenPair, error) {
	pair, err := s.issuer.Refresh(refreshToken)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAuthentication, "invalid refresh token", err)
	}
	return pair, nil
}

// GenerateActivationToken mints a one-time activation secret for an
// existing kiosk and returns its plaintext. The plaintext is never stored.
func (s *Service) GenerateActivationToken(ctx context.Context, kioskID string, ttl time.Duration) (string, error) {
	if _, err := s.store.GetKiosk(ctx, kioskID); err != nil {
		return "", err
	}
	plaintext, err := auth.NewActivationSecret()
	if err != nil {
		return "", err
	}
	_, err = s.store.CreateActivationToken(ctx, kioskID, auth.HashActivationSecret(plaintext), s.now().Add(ttl))
	if err != nil {
		return "", err
	}
	return plaintext, nil
}

// Heartbeat is the payload a kiosk reports periodically.
type Heartbeat struct {
	KioskID         string    `json:"kiosk_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	DatabaseVersion string    `json:"database_version"`
	DatabaseHash    string    `json:"database_hash"`
	StudentCount    int       `json:"student_count"`
	EmbeddingCount  int       `json:"embedding_count"`
	Health          Health    `json:"health"`
}

// Health is the device health block inside a heartbeat.
type Health struct {
	BatteryLevel  int    `json:"battery_level"`
	IsCharging    bool   `json:"is_charging"`
	StorageFreeMB int64  `json:"storage_free_mb"`
	NetworkType   string `json:"network_type"`
	AppVersion    string `json:"app_version"`
}

// RecordHeartbeat authenticates aside (the handler owns the bearer), then
// upserts the status row. subject is the bearer's kiosk id; a payload
// kiosk_id that disagrees is rejected as an anti-replay measure.
func (s *Service) RecordHeartbeat(ctx context.Context, subject string, hb *Heartbeat) error {
	if hb.KioskID != "" && hb.KioskID != subject {
		return apperr.New(apperr.KindAuthorization, "heartbeat kiosk_id does not match bearer subject")
	}
	if _, err := s.store.GetKiosk(ctx, subject); err != nil {
		return err
	}

	ts := hb.Timestamp
	if ts.IsZero() {
		ts = s.now().UTC()
	}

	st := &store.KioskStatus{
		KioskID:         subject,
		LastHeartbeat:   ts,
		BatteryLevel:    hb.Health.BatteryLevel,
		IsCharging:      hb.Health.IsCharging,
		StorageFreeMB:   hb.Health.StorageFreeMB,
		NetworkType:     hb.Health.NetworkType,
		AppVersion:      hb.Health.AppVersion,
		DatabaseVersion: hb.DatabaseVersion,
		DatabaseHash:    hb.DatabaseHash,
		StudentCount:    hb.StudentCount,
		EmbeddingCount:  hb.EmbeddingCount,
		Status:          DeriveStatus(hb.Health.BatteryLevel, hb.Health.IsCharging),
	}
	return s.store.UpsertKioskStatus(ctx, st)
}

// FleetStatus is the read model for one kiosk, with the time-dependent
// fields evaluated against now.
type FleetStatus struct {
	store.KioskStatus
	IsOnline  bool   `json:"is_online"`
	IsOffline bool   `json:"is_offline"`
	Derived   string `json:"derived_status"`
}

// Status returns the heartbeat row with online/offline evaluated at read
// time. A kiosk silent for more than the offline window is critical no
// matter what its last battery report said.
func (s *Service) Status(ctx context.Context, kioskID string) (*FleetStatus, error) {
	st, err := s.store.GetKioskStatus(ctx, kioskID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	fs := &FleetStatus{
		KioskStatus: *st,
		IsOnline:    now.Sub(st.LastHeartbeat) < OnlineWindow,
		IsOffline:   now.Sub(st.LastHeartbeat) > OfflineWindow,
		Derived:     st.Status,
	}
	if fs.IsOffline {
		fs.Derived = StatusCritical
	}
	return fs, nil
}

// DeriveStatus classifies device health from battery and charging state.
// Charging suppresses warning and critical regardless of level.
func DeriveStatus(batteryLevel int, isCharging bool) string {
	if isCharging {
		return StatusOK
	}
	switch {
	case batteryLevel < 10:
		return StatusCritical
	case batteryLevel < 20:
		return StatusWarning
	default:
		return StatusOK
	}
}
