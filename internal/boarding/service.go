// Package boarding implements the append-only boarding-event create path:
// validate, persist the row, upload confirmation crops, attach the crop
// paths, and hand the event to the verification scheduler. A failed crop
// upload compensates fully; no partial event survives.
package boarding

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"github.com/saferide/backend/internal/apperr"
	"github.com/saferide/backend/internal/dispatch"
	"github.com/saferide/backend/internal/objectstore"
	"github.com/saferide/backend/internal/store"
)

// UnknownStudent is the sentinel a kiosk sends when no face matched.
const UnknownStudent = "UNKNOWN"

const cropContentType = "image/jpeg"

// CreateRequest is the kiosk-facing event payload.
type CreateRequest struct {
	StudentID               string         `json:"student_id" validate:"required"`
	KioskID                 string         `json:"kiosk_id" validate:"required"`
	ConfidenceScore         float64        `json:"confidence_score" validate:"min=0,max=1"`
	Timestamp               time.Time      `json:"timestamp"`
	GPSCoords               []float64      `json:"gps_coords,omitempty"`
	BusRoute                string         `json:"bus_route,omitempty"`
	FaceImageURL            string         `json:"face_image_url,omitempty"`
	ModelVersion            string         `json:"model_version"`
	Metadata                map[string]any `json:"metadata,omitempty"`
	ConfirmationFacesBase64 []string       `json:"confirmation_faces_base64,omitempty"`
}

// Service wires the store, the crop bucket, and the verification
// scheduler.
type Service struct {
	store     *store.Store
	objects   objectstore.Store
	scheduler *dispatch.Scheduler
	maxCrops  int
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(st *store.Store, objects objectstore.Store, scheduler *dispatch.Scheduler, maxCrops int, logger *slog.Logger) *Service {
	return &Service{
		store:     st,
		objects:   objects,
		scheduler: scheduler,
		maxCrops:  maxCrops,
		validate:  validator.New(),
		logger:    logger.With("component", "boarding"),
		now:       time.Now,
	}
}

// Create ingests one boarding event and schedules its re-verification.
// The returned event includes the assigned id and crop paths.
func (s *Service) Create(ctx context.Context, subject string, req *CreateRequest) (*store.BoardingEvent, error) {
	crops, err := s.validateRequest(subject, req)
	if err != nil {
		return nil, err
	}

	event, err := s.buildEvent(subject, req)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertEvent(ctx, event); err != nil {
		return nil, err
	}

	paths, err := s.uploadCrops(ctx, event.ID, crops)
	if err != nil {
		s.compensate(ctx, event.ID, paths)
		return nil, apperr.Wrap(apperr.KindValidation, "confirmation crop upload failed", err)
	}

	if len(paths) > 0 {
		if err := s.store.AttachCropPaths(ctx, event.ID, paths); err != nil {
			s.compensate(ctx, event.ID, paths)
			return nil, err
		}
		event.CropPaths = paths
		// Post-commit hook: the attach write is durable before the task
		// is scheduled, so the verifier always observes the crops.
		s.scheduler.Schedule(ctx, event.ID)
	}

	s.logger.Info("boarding event created",
		"event_id", event.ID,
		"kiosk_id", event.KioskID,
		"student_id", valueOr(event.StudentID, UnknownStudent),
		"crops", len(paths))
	return event, nil
}

// BulkResult reports one element of a bulk create.
type BulkResult struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CreateBulk processes each element independently unless atomic is set,
// in which case any failure undoes every event created so far.
func (s *Service) CreateBulk(ctx context.Context, subject string, reqs []*CreateRequest, atomic bool) ([]BulkResult, error) {
	results := make([]BulkResult, len(reqs))
	var created []*store.BoardingEvent

	for i, req := range reqs {
		results[i].Index = i
		event, err := s.Create(ctx, subject, req)
		if err != nil {
			results[i].Error = err.Error()
			if atomic {
				for _, e := range created {
					s.compensate(ctx, e.ID, e.CropPaths)
				}
				return results, apperr.Wrap(apperr.KindValidation, fmt.Sprintf("bulk element %d failed", i), err)
			}
			continue
		}
		results[i].EventID = event.ID
		created = append(created, event)
	}
	return results, nil
}

// validateRequest checks ranges and decodes the crops up front so nothing
// is persisted for a payload that was never valid.
func (s *Service) validateRequest(subject string, req *CreateRequest) ([][]byte, error) {
	fields := map[string]string{}

	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, apperr.Wrap(apperr.KindValidation, "invalid payload", err)
		}
		for _, fe := range verrs {
			fields[fe.Field()] = fmt.Sprintf("failed %q constraint", fe.Tag())
		}
	}

	if req.KioskID != "" && req.KioskID != subject {
		fields["kiosk_id"] = "does not match bearer subject"
	}
	if len(req.GPSCoords) != 0 {
		if len(req.GPSCoords) != 2 {
			fields["gps_coords"] = "must be [lat, lon]"
		} else {
			if lat := req.GPSCoords[0]; lat < -90 || lat > 90 {
				fields["gps_coords.0"] = "latitude out of range"
			}
			if lon := req.GPSCoords[1]; lon < -180 || lon > 180 {
				fields["gps_coords.1"] = "longitude out of range"
			}
		}
	}
	if len(req.ConfirmationFacesBase64) > s.maxCrops {
		fields["confirmation_faces_base64"] = fmt.Sprintf("at most %d crops", s.maxCrops)
	}

	var crops [][]byte
	for i, enc := range req.ConfirmationFacesBase64 {
		data, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			fields[fmt.Sprintf("confirmation_faces_base64.%d", i)] = "not valid base64"
			continue
		}
		crops = append(crops, data)
	}

	if len(fields) > 0 {
		return nil, apperr.Validation("invalid boarding event", fields)
	}
	return crops, nil
}

func (s *Service) buildEvent(subject string, req *CreateRequest) (*store.BoardingEvent, error) {
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	if _, ok := metadata["event_type"]; !ok {
		metadata["event_type"] = "boarding"
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid metadata", err)
	}

	event := &store.BoardingEvent{
		ID:             ulid.Make().String(),
		KioskID:        subject,
		Confidence:     req.ConfidenceScore,
		EventTimestamp: req.Timestamp,
		ModelVersion:   req.ModelVersion,
		Metadata:       metaJSON,
		BackendStatus:  store.VerificationPending,
	}
	if event.EventTimestamp.IsZero() {
		event.EventTimestamp = s.now().UTC()
	}
	if req.StudentID != UnknownStudent {
		id := req.StudentID
		event.StudentID = &id
	}
	if len(req.GPSCoords) == 2 {
		lat, lon := req.GPSCoords[0], req.GPSCoords[1]
		event.Lat, event.Lon = &lat, &lon
	}
	if req.BusRoute != "" {
		r := req.BusRoute
		event.BusRoute = &r
	}
	if req.FaceImageURL != "" {
		u := req.FaceImageURL
		event.FaceImageURL = &u
	}
	return event, nil
}

// uploadCrops pushes crops in order; on failure it returns the paths
// uploaded so far for compensation.
func (s *Service) uploadCrops(ctx context.Context, eventID string, crops [][]byte) ([]string, error) {
	var paths []string
	for i, data := range crops {
		path := objectstore.CropPath(eventID, i+1)
		if err := s.objects.Upload(ctx, path, data, cropContentType); err != nil {
			return paths, fmt.Errorf("upload crop %d: %w", i+1, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// compensate removes uploaded crops and the event row. Best effort:
// failures are logged and the partial objects become orphans for the
// bucket lifecycle policy.
func (s *Service) compensate(ctx context.Context, eventID string, paths []string) {
	for _, path := range paths {
		if err := s.objects.Delete(ctx, path); err != nil {
			s.logger.Error("compensation delete failed", "event_id", eventID, "path", path, "error", err)
		}
	}
	if err := s.store.DeleteEvent(ctx, eventID); err != nil {
		s.logger.Error("compensation event delete failed", "event_id", eventID, "error", err)
	}
	s.logger.Warn("boarding event rolled back", "event_id", eventID, "crops_removed", len(paths))
}

func valueOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
