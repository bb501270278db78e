package store

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
)

// Bus statuses.
const (
	BusActive      = "active"
	BusMaintenance = "maintenance"
	BusRetired     = "retired"
)

// Student statuses.
const (
	StudentActive    = "active"
	StudentInactive  = "inactive"
	StudentSuspended = "suspended"
)

// Verification statuses on boarding events.
const (
	VerificationPending  = "pending"
	VerificationVerified = "verified"
	VerificationFlagged  = "flagged"
	VerificationFailed   = "failed"
)

// Backend confidence levels.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

type Bus struct {
	ID                  string     `db:"id"`
	Label               string     `db:"label"`
	Capacity            int        `db:"capacity"`
	RouteID             *string    `db:"route_id"`
	Status              string     `db:"status"`
	StudentsLastUpdated *time.Time `db:"students_last_updated"`
	CreatedAt           time.Time  `db:"created_at"`
}

type Kiosk struct {
	ID        string    `db:"id"`
	BusID     *string   `db:"bus_id"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

type ActivationToken struct {
	ID        string     `db:"id"`
	KioskID   string     `db:"kiosk_id"`
	TokenHash string     `db:"token_hash"`
	CreatedAt time.Time  `db:"created_at"`
	ExpiresAt time.Time  `db:"expires_at"`
	UsedAt    *time.Time `db:"used_at"`
	UsedByIP  *string    `db:"used_by_ip"`
}

// KioskStatus is the heartbeat read model, one row per kiosk.
type KioskStatus struct {
	KioskID         string    `db:"kiosk_id"`
	LastHeartbeat   time.Time `db:"last_heartbeat"`
	BatteryLevel    int       `db:"battery_level"`
	IsCharging      bool      `db:"is_charging"`
	StorageFreeMB   int64     `db:"storage_free_mb"`
	NetworkType     string    `db:"network_type"`
	AppVersion      string    `db:"app_version"`
	DatabaseVersion string    `db:"database_version"`
	DatabaseHash    string    `db:"database_hash"`
	StudentCount    int       `db:"student_count"`
	EmbeddingCount  int       `db:"embedding_count"`
	Status          string    `db:"status"`
	UpdatedAt       time.Time `db:"updated_at"`
}

type Student struct {
	ID               string    `db:"id"`
	SchoolID         string    `db:"school_id"`
	SchoolAssignedID string    `db:"school_assigned_id"`
	NameEncrypted    string    `db:"name_encrypted"`
	Grade            string    `db:"grade"`
	Section          string    `db:"section"`
	BusID            *string   `db:"bus_id"`
	Status           string    `db:"status"`
	EnrolledOn       time.Time `db:"enrolled_on"`
}

type Photo struct {
	ID         string `db:"id"`
	StudentID  string `db:"student_id"`
	ObjectPath string `db:"object_path"`
	IsPrimary  bool   `db:"is_primary"`
}

// ReferenceEmbedding stores one model's vector for one photo. Embedding
// holds either packed little-endian float32 or a JSON number array; the
// registry coerces both.
type ReferenceEmbedding struct {
	ID           string    `db:"id"`
	PhotoID      string    `db:"photo_id"`
	StudentID    string    `db:"student_id"`
	ModelName    string    `db:"model_name"`
	Embedding    []byte    `db:"embedding"`
	QualityScore float64   `db:"quality_score"`
	IsPrimary    bool      `db:"is_primary"`
	CreatedAt    time.Time `db:"created_at"`
}

// BoardingEvent is the append-only boarding record. StudentID nil means
// the kiosk saw an unknown face.
type BoardingEvent struct {
	ID             string         `db:"id"`
	StudentID      *string        `db:"student_id"`
	KioskID        string         `db:"kiosk_id"`
	Confidence     float64        `db:"confidence"`
	EventTimestamp time.Time      `db:"event_timestamp"`
	Lat            *float64       `db:"lat"`
	Lon            *float64       `db:"lon"`
	BusRoute       *string        `db:"bus_route"`
	FaceImageURL   *string        `db:"face_image_url"`
	ModelVersion   string         `db:"model_version"`
	Metadata       types.JSONText `db:"metadata"`
	CropPaths      pq.StringArray `db:"crop_paths"`
	CreatedAt      time.Time      `db:"created_at"`

	BackendStatus        string         `db:"backend_status"`
	BackendConfidence    *string        `db:"backend_confidence"`
	BackendStudentID     *string        `db:"backend_student_id"`
	BackendVerifiedAt    *time.Time     `db:"backend_verified_at"`
	ConsensusData        types.JSONText `db:"consensus_data"`
	BackendConfigVersion *string        `db:"backend_config_version"`
}

// HasMismatch reports whether the kiosk's prediction disagrees with the
// backend verdict. Both sides nil counts as agreement.
func (e *BoardingEvent) HasMismatch() bool {
	if e.BackendStudentID == nil && e.StudentID == nil {
		return false
	}
	if e.BackendStudentID == nil || e.StudentID == nil {
		return true
	}
	return *e.BackendStudentID != *e.StudentID
}

// Terminal reports whether the event already carries a final verdict.
func (e *BoardingEvent) Terminal() bool {
	switch e.BackendStatus {
	case VerificationVerified, VerificationFlagged, VerificationFailed:
		return true
	}
	return false
}
