package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/saferide/backend/internal/apperr"
	"github.com/saferide/backend/internal/kiosk"
	"github.com/saferide/backend/internal/metrics"
)

type activateRequest struct {
	KioskID         string `json:"kiosk_id"`
	ActivationToken string `json:"activation_token"`
}

type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	TokenType    string  `json:"token_type"`
	ExpiresIn    int64   `json:"expires_in"`
	KioskID      string  `json:"kiosk_id,omitempty"`
	BusID        *string `json:"bus_id,omitempty"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apperr.Wrap(apperr.KindValidation, "malformed json body", err))
		return
	}
	if req.KioskID == "" || req.ActivationToken == "" {
		s.respondError(w, apperr.Validation("missing credentials", map[string]string{
			"kiosk_id":         "required",
			"activation_token": "required",
		}))
		return
	}

	res, err := s.kiosks.Activate(r.Context(), req.KioskID, req.ActivationToken, remoteIP(r))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  res.Pair.Access,
		RefreshToken: res.Pair.Refresh,
		TokenType:    "Bearer",
		ExpiresIn:    res.Pair.ExpiresIn,
		KioskID:      req.KioskID,
		BusID:        res.BusID,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apperr.Wrap(apperr.KindValidation, "malformed json body", err))
		return
	}
	pair, err := s.kiosks.Refresh(req.RefreshToken)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.Access,
		RefreshToken: pair.Refresh,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
	})
}

type checkUpdatesResponse struct {
	NeedsUpdate    bool   `json:"needs_update"`
	CurrentVersion string `json:"current_version"`
	ContentHash    string `json:"content_hash"`
	StudentCount   int    `json:"student_count"`
	EmbeddingCount int    `json:"embedding_count"`
	SyncTimestamp  string `json:"sync_timestamp"`
}

// handleCheckUpdates compares the kiosk's last known content hash against
// the current population. The artifact is built (or served from cache)
// either way; the body tells the kiosk whether the download is worth it.
func (s *Server) handleCheckUpdates(w http.ResponseWriter, r *http.Request) {
	subject, ok := s.subjectKiosk(w, r)
	if !ok {
		return
	}
	busID, err := s.kioskBus(r, subject)
	if err != nil {
		s.respondError(w, err)
		return
	}

	art, err := s.snapshots.Build(r.Context(), busID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	lastHash := r.URL.Query().Get("last_sync_hash")
	s.respondJSON(w, http.StatusOK, checkUpdatesResponse{
		NeedsUpdate:    lastHash != art.Meta.ContentHash,
		CurrentVersion: art.Meta.SchemaVersion,
		ContentHash:    art.Meta.ContentHash,
		StudentCount:   art.Meta.StudentCount,
		EmbeddingCount: art.Meta.EmbeddingCount,
		SyncTimestamp:  art.Meta.SyncTimestamp,
	})
}

// handleSnapshot streams the SQLite artifact. The checksum header is over
// the exact bytes on the wire so the kiosk can verify before swapping
// databases.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	subject, ok := s.subjectKiosk(w, r)
	if !ok {
		return
	}
	busID, err := s.kioskBus(r, subject)
	if err != nil {
		s.respondError(w, err)
		return
	}

	art, err := s.snapshots.Build(r.Context(), busID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	sum := sha256.Sum256(art.Bytes)
	w.Header().Set("Content-Type", "application/x-sqlite3")
	w.Header().Set("Content-Length", strconv.Itoa(len(art.Bytes)))
	w.Header().Set("x-snapshot-checksum", hex.EncodeToString(sum[:]))
	w.Header().Set("x-snapshot-size", strconv.Itoa(len(art.Bytes)))
	w.Header().Set("x-snapshot-content-hash", art.Meta.ContentHash)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(art.Bytes); err != nil {
		s.logger.Error("snapshot write failed", "kiosk_id", subject, "error", err)
		return
	}
	metrics.SnapshotDownloads.WithLabelValues(subject).Inc()
	s.logger.Info("snapshot served", "kiosk_id", subject, "bus_id", busID, "bytes", len(art.Bytes))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	subject, ok := s.subjectKiosk(w, r)
	if !ok {
		return
	}
	var hb kiosk.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		s.respondError(w, apperr.Wrap(apperr.KindValidation, "malformed json body", err))
		return
	}
	if err := s.kiosks.RecordHeartbeat(r.Context(), subject, &hb); err != nil {
		s.respondError(w, err)
		return
	}
	metrics.Heartbeats.WithLabelValues(kiosk.DeriveStatus(hb.Health.BatteryLevel, hb.Health.IsCharging)).Inc()
	w.WriteHeader(http.StatusNoContent)
}

// kioskBus resolves the bus the kiosk is bound to; sync endpoints are
// meaningless for an unassigned kiosk.
func (s *Server) kioskBus(r *http.Request, kioskID string) (string, error) {
	k, err := s.store.GetKiosk(r.Context(), kioskID)
	if err != nil {
		return "", err
	}
	if k.BusID == nil {
		return "", apperr.New(apperr.KindConflict, "kiosk is not assigned to a bus")
	}
	return *k.BusID, nil
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
