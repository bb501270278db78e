package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"log/slog"
	"time"

	"github.com/saferide/backend/internal/apperr"
	"github.com/saferide/backend/internal/ensemble"
	"github.com/saferide/backend/internal/objectstore"
	"github.com/saferide/backend/internal/registry"
	"github.com/saferide/backend/internal/store"
)

// Failure reasons persisted in consensus_data when no ensemble ran.
const (
	ReasonNoConfirmationFaces = "no_confirmation_faces"
	ReasonNoEmbeddings        = "no_embeddings"
	ReasonDeadline            = "deadline"
)

// ConsensusData is the audit blob persisted on the event row.
type ConsensusData struct {
	ModelResults    []ModelResult  `json:"model_results,omitempty"`
	VotingDetails   *VotingDetails `json:"voting_details,omitempty"`
	ConfidenceScore float64        `json:"confidence_score"`
	Reason          string         `json:"reason,omitempty"`
}

// Orchestrator drives one re-verification run end to end: load event,
// fetch crops, run the aggregator, persist the verdict.
type Orchestrator struct {
	store    *store.Store
	objects  objectstore.Store
	registry *registry.Registry
	engine   *Engine
	deadline time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewOrchestrator(st *store.Store, objects objectstore.Store, reg *registry.Registry, engine *Engine, deadline time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    st,
		objects:  objects,
		registry: reg,
		engine:   engine,
		deadline: deadline,
		logger:   logger.With("component", "verify"),
		now:      time.Now,
	}
}

// Run verifies one event. Errors that the queue should redeliver are
// returned; everything else is resolved into a persisted verdict.
func (o *Orchestrator) Run(ctx context.Context, eventID string) error {
	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	event, err := o.store.GetEvent(ctx, eventID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			o.logger.Error("verification for unknown event", "event_id", eventID)
			return nil
		}
		return err
	}

	crops := o.downloadCrops(ctx, event)
	if err := ctx.Err(); err != nil {
		return o.failEvent(context.WithoutCancel(ctx), event, ReasonDeadline)
	}
	if len(crops) == 0 {
		return o.failEvent(ctx, event, ReasonNoConfirmationFaces)
	}

	pop, err := o.registry.Load(ctx)
	if err != nil {
		return fmt.Errorf("load embedding registry: %w", err)
	}
	if pop.Empty() {
		return o.failEvent(ctx, event, ReasonNoEmbeddings)
	}

	result := o.engine.Aggregate(ctx, crops, pop)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return o.failEvent(context.WithoutCancel(ctx), event, ReasonDeadline)
	}

	return o.persist(ctx, event, result)
}

// downloadCrops fetches every non-blank crop path and decodes it as RGB.
// Partial failures proceed with whatever was retrieved.
func (o *Orchestrator) downloadCrops(ctx context.Context, event *store.BoardingEvent) []ensemble.Image {
	var crops []ensemble.Image
	for i, path := range event.CropPaths {
		if path == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		data, err := o.objects.Download(ctx, path)
		if err != nil {
			o.logger.Warn("crop download failed", "event_id", event.ID, "crop", i+1, "path", path, "error", err)
			continue
		}
		img, err := decodeRGB(data)
		if err != nil {
			o.logger.Warn("crop decode failed", "event_id", event.ID, "crop", i+1, "error", err)
			continue
		}
		crops = append(crops, img)
	}
	return crops
}

func (o *Orchestrator) persist(ctx context.Context, event *store.BoardingEvent, result AggregateResult) error {
	data := ConsensusData{
		ModelResults:    result.ModelResults,
		VotingDetails:   &result.VotingDetails,
		ConfidenceScore: result.ConfidenceScore,
	}
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal consensus data: %w", err)
	}

	var backendStudent *string
	if result.Student != "" {
		s := result.Student
		backendStudent = &s
	}

	update := store.VerificationUpdate{
		Status:        result.Status,
		Confidence:    result.ConfidenceLevel,
		StudentID:     backendStudent,
		ConsensusData: blob,
		ConfigVersion: result.ConfigVersion,
		VerifiedAt:    o.now().UTC(),
	}
	if err := o.store.UpdateVerification(ctx, event.ID, update); err != nil {
		return err
	}

	kioskClaim := ""
	if event.StudentID != nil {
		kioskClaim = *event.StudentID
	}
	if kioskClaim != result.Student {
		o.logger.Warn("MISMATCH between kiosk prediction and backend verdict",
			"event_id", event.ID,
			"kiosk_id", event.KioskID,
			"kiosk_student", kioskClaim,
			"backend_student", result.Student,
			"status", result.Status)
	}

	o.logger.Info("verification complete",
		"event_id", event.ID,
		"status", result.Status,
		"confidence", result.ConfidenceLevel,
		"consensus_count", result.ConsensusCount,
		"crops", result.VotingDetails.TotalCrops)
	return nil
}

// failEvent records a terminal failed verdict with a structured reason.
func (o *Orchestrator) failEvent(ctx context.Context, event *store.BoardingEvent, reason string) error {
	blob, err := json.Marshal(ConsensusData{Reason: reason})
	if err != nil {
		return fmt.Errorf("marshal failure reason: %w", err)
	}
	update := store.VerificationUpdate{
		Status:        store.VerificationFailed,
		Confidence:    store.ConfidenceLow,
		ConsensusData: blob,
		ConfigVersion: o.engine.params.ConfigVersion,
		VerifiedAt:    o.now().UTC(),
	}
	if err := o.store.UpdateVerification(ctx, event.ID, update); err != nil {
		return err
	}
	o.logger.Warn("verification failed without ensemble", "event_id", event.ID, "reason", reason)
	return nil
}

// decodeRGB decodes JPEG (or any registered format) bytes into the
// interleaved RGB layout the adapters expect.
func decodeRGB(data []byte) (ensemble.Image, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return ensemble.Image{}, fmt.Errorf("decode crop image: %w", err)
	}
	b := src.Bounds()
	out := ensemble.Image{
		W:   b.Dx(),
		H:   b.Dy(),
		Pix: make([]uint8, 0, b.Dx()*b.Dy()*3),
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := src.At(x, y).RGBA()
			out.Pix = append(out.Pix, uint8(r>>8), uint8(g>>8), uint8(bl>>8))
		}
	}
	return out, nil
}
