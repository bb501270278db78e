package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/saferide/backend/internal/apperr"
	"github.com/saferide/backend/internal/metrics"
	"github.com/saferide/backend/internal/store"
)

type verifyCallbackRequest struct {
	EventID string `json:"event_id"`
}

// handleVerifyCallback is the queue worker entrypoint. A non-2xx answer
// makes Cloud Tasks redeliver, so only genuinely retryable failures may
// error out; resolved verdicts (including failed ones) return 200.
func (s *Server) handleVerifyCallback(w http.ResponseWriter, r *http.Request) {
	var req verifyCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apperr.Wrap(apperr.KindValidation, "malformed json body", err))
		return
	}
	if req.EventID == "" {
		s.respondError(w, apperr.Validation("missing event id", map[string]string{"event_id": "required"}))
		return
	}

	start := time.Now()
	if err := s.orchestrator.Run(r.Context(), req.EventID); err != nil {
		s.respondError(w, err)
		return
	}
	metrics.VerificationDuration.Observe(time.Since(start).Seconds())

	status := "unknown"
	if event, err := s.store.GetEvent(r.Context(), req.EventID); err == nil {
		status = event.BackendStatus
	}
	metrics.Verifications.WithLabelValues(status).Inc()
	s.respondJSON(w, http.StatusOK, map[string]string{"event_id": req.EventID, "status": status})
}

// auditResponse is the operator view of one verified event: the full
// event, the consensus audit blob, and short-lived crop URLs.
type auditResponse struct {
	eventResponse
	HasMismatch       bool            `json:"has_mismatch"`
	NeedsManualReview bool            `json:"needs_manual_review"`
	ConsensusData     json.RawMessage `json:"consensus_data,omitempty"`
	ConfigVersion     *string         `json:"backend_config_version,omitempty"`
	CropURLs          []string        `json:"crop_urls,omitempty"`
}

func (s *Server) handleVerificationAudit(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["event_id"]
	event, err := s.store.GetEvent(r.Context(), eventID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	resp := auditResponse{
		eventResponse:     toEventResponse(event),
		HasMismatch:       event.HasMismatch(),
		NeedsManualReview: event.BackendStatus == store.VerificationFlagged || event.HasMismatch(),
		ConsensusData:     json.RawMessage(event.ConsensusData),
		ConfigVersion:     event.BackendConfigVersion,
	}

	for i, path := range event.CropPaths {
		if path == "" {
			continue
		}
		url, err := s.urls.SignedURL(r.Context(), event.ID, i+1)
		if err != nil {
			// Audit view degrades rather than failing outright.
			s.logger.Warn("crop url signing failed", "event_id", event.ID, "crop", i+1, "error", err)
			continue
		}
		resp.CropURLs = append(resp.CropURLs, url)
	}

	s.respondJSON(w, http.StatusOK, resp)
}
