// Package handlers is the HTTP surface: kiosk activation and sync,
// boarding-event ingestion, the queue verification callback, and the
// admin audit view.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/saferide/backend/internal/apperr"
	"github.com/saferide/backend/internal/auth"
	"github.com/saferide/backend/internal/boarding"
	"github.com/saferide/backend/internal/kiosk"
	"github.com/saferide/backend/internal/middleware"
	"github.com/saferide/backend/internal/objectstore"
	"github.com/saferide/backend/internal/snapshot"
	"github.com/saferide/backend/internal/store"
	"github.com/saferide/backend/internal/urlcache"
	"github.com/saferide/backend/internal/verify"
)

// Server aggregates the request-scoped dependencies and owns the router.
type Server struct {
	store        *store.Store
	objects      objectstore.Store
	kiosks       *kiosk.Service
	snapshots    *snapshot.Builder
	boarding     *boarding.Service
	orchestrator *verify.Orchestrator
	urls         *urlcache.Cache
	issuer       *auth.Issuer

	allowedQueues []string
	maxCrops      int
	logger        *slog.Logger
}

// Deps are the constructor inputs for Server.
type Deps struct {
	Store         *store.Store
	Objects       objectstore.Store
	Kiosks        *kiosk.Service
	Snapshots     *snapshot.Builder
	Boarding      *boarding.Service
	Orchestrator  *verify.Orchestrator
	URLs          *urlcache.Cache
	Issuer        *auth.Issuer
	AllowedQueues []string
	MaxCrops      int
	Logger        *slog.Logger
}

func New(d Deps) *Server {
	return &Server{
		store:         d.Store,
		objects:       d.Objects,
		kiosks:        d.Kiosks,
		snapshots:     d.Snapshots,
		boarding:      d.Boarding,
		orchestrator:  d.Orchestrator,
		urls:          d.URLs,
		issuer:        d.Issuer,
		allowedQueues: d.AllowedQueues,
		maxCrops:      d.MaxCrops,
		logger:        d.Logger.With("component", "http"),
	}
}

// Router builds the versioned route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Logging(s.logger))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Unauthenticated: activation and refresh mint the bearers everything
	// else requires.
	api.HandleFunc("/kiosks/activate/", s.handleActivate).Methods(http.MethodPost)
	api.HandleFunc("/auth/token/refresh/", s.handleRefresh).Methods(http.MethodPost)

	// Admin audit view. Registered before the queue subrouter so the
	// narrower prefix wins.
	admin := api.PathPrefix("/face-verification/events").Subrouter()
	admin.Use(middleware.AdminAuth(s.issuer))
	admin.HandleFunc("/{event_id}/", s.handleVerificationAudit).Methods(http.MethodGet)

	// Queue callback: Cloud Tasks identity headers instead of a bearer.
	queue := api.PathPrefix("/face-verification").Subrouter()
	queue.Use(middleware.QueueAuth(s.allowedQueues, s.logger))
	queue.HandleFunc("/verify/", s.handleVerifyCallback).Methods(http.MethodPost)

	// Kiosk bearer required below.
	ks := api.NewRoute().Subrouter()
	ks.Use(middleware.KioskAuth(s.issuer))
	ks.HandleFunc("/boarding-events/", s.handleCreateEvent).Methods(http.MethodPost)
	ks.HandleFunc("/boarding-events/bulk/", s.handleCreateEventsBulk).Methods(http.MethodPost)
	ks.HandleFunc("/{kiosk_id}/check-updates/", s.handleCheckUpdates).Methods(http.MethodGet)
	ks.HandleFunc("/{kiosk_id}/snapshot/", s.handleSnapshot).Methods(http.MethodGet)
	ks.HandleFunc("/{kiosk_id}/heartbeat/", s.handleHeartbeat).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "ok"
	if err := s.store.Ping(ctx); err != nil {
		dbStatus = "error"
	}
	objStatus := "ok"
	if _, err := s.objects.Exists(ctx, "healthz"); err != nil {
		objStatus = "error"
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":       "healthy",
		"service":      "saferide-api",
		"database":     dbStatus,
		"object_store": objStatus,
	})
}

// subjectKiosk authorizes a kiosk route: the bearer's subject must equal
// the path's kiosk id.
func (s *Server) subjectKiosk(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		s.respondError(w, apperr.New(apperr.KindAuthentication, "missing bearer"))
		return "", false
	}
	if pathID, ok := mux.Vars(r)["kiosk_id"]; ok && pathID != claims.Subject {
		s.respondError(w, apperr.New(apperr.KindAuthorization, "bearer subject does not match kiosk"))
		return "", false
	}
	return claims.Subject, true
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Error("response encode failed", "error", err)
		}
	}
}

// errorBody is the structured 4xx/5xx payload. Details hold per-field
// validation messages when present.
type errorBody struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	body := errorBody{Error: "internal error"}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		body.Error = ae.Message
		body.Details = ae.Fields
	}
	if status >= 500 {
		// Rich detail goes to logs, not to kiosks.
		s.logger.Error("request failed", "error", err)
		body.Error = "internal error"
		body.Details = nil
	}
	s.respondJSON(w, status, body)
}
