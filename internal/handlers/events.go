package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/saferide/backend/internal/apperr"
	"github.com/saferide/backend/internal/boarding"
	"github.com/saferide/backend/internal/metrics"
	"github.com/saferide/backend/internal/middleware"
	"github.com/saferide/backend/internal/store"
)

// eventResponse is the wire shape of a boarding event. Backend fields
// surface only once re-verification has run.
type eventResponse struct {
	ID              string          `json:"id"`
	StudentID       *string         `json:"student_id"`
	KioskID         string          `json:"kiosk_id"`
	ConfidenceScore float64         `json:"confidence_score"`
	Timestamp       time.Time       `json:"timestamp"`
	GPSCoords       []float64       `json:"gps_coords,omitempty"`
	BusRoute        *string         `json:"bus_route,omitempty"`
	ModelVersion    string          `json:"model_version,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CropCount       int             `json:"crop_count"`

	BackendStatus     string     `json:"backend_verification_status"`
	BackendConfidence *string    `json:"backend_confidence,omitempty"`
	BackendStudentID  *string    `json:"backend_student_id,omitempty"`
	BackendVerifiedAt *time.Time `json:"backend_verified_at,omitempty"`
}

func toEventResponse(e *store.BoardingEvent) eventResponse {
	resp := eventResponse{
		ID:                e.ID,
		StudentID:         e.StudentID,
		KioskID:           e.KioskID,
		ConfidenceScore:   e.Confidence,
		Timestamp:         e.EventTimestamp,
		BusRoute:          e.BusRoute,
		ModelVersion:      e.ModelVersion,
		Metadata:          json.RawMessage(e.Metadata),
		CropCount:         len(e.CropPaths),
		BackendStatus:     e.BackendStatus,
		BackendConfidence: e.BackendConfidence,
		BackendStudentID:  e.BackendStudentID,
		BackendVerifiedAt: e.BackendVerifiedAt,
	}
	if e.Lat != nil && e.Lon != nil {
		resp.GPSCoords = []float64{*e.Lat, *e.Lon}
	}
	return resp
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		s.respondError(w, apperr.New(apperr.KindAuthentication, "missing bearer"))
		return
	}

	var req boarding.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apperr.Wrap(apperr.KindValidation, "malformed json body", err))
		return
	}

	event, err := s.boarding.Create(r.Context(), claims.Subject, &req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	metrics.EventsCreated.WithLabelValues(claims.Subject).Inc()
	s.respondJSON(w, http.StatusCreated, toEventResponse(event))
}

type bulkRequest struct {
	Events []*boarding.CreateRequest `json:"events"`
	Atomic bool                      `json:"atomic,omitempty"`
}

type bulkResponse struct {
	Results []boarding.BulkResult `json:"results"`
	Created int                   `json:"created"`
	Failed  int                   `json:"failed"`
}

// handleCreateEventsBulk is the offline-queue drain: a kiosk replays
// buffered events in one request after regaining connectivity.
func (s *Server) handleCreateEventsBulk(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		s.respondError(w, apperr.New(apperr.KindAuthentication, "missing bearer"))
		return
	}

	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apperr.Wrap(apperr.KindValidation, "malformed json body", err))
		return
	}
	if len(req.Events) == 0 {
		s.respondError(w, apperr.Validation("empty bulk request", map[string]string{"events": "required"}))
		return
	}

	results, err := s.boarding.CreateBulk(r.Context(), claims.Subject, req.Events, req.Atomic)
	if err != nil {
		s.respondError(w, err)
		return
	}

	resp := bulkResponse{Results: results}
	for _, res := range results {
		if res.Error == "" {
			resp.Created++
			metrics.EventsCreated.WithLabelValues(claims.Subject).Inc()
		} else {
			resp.Failed++
		}
	}
	status := http.StatusCreated
	if resp.Failed > 0 {
		status = http.StatusMultiStatus
	}
	s.respondJSON(w, status, resp)
}
