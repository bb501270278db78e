// Package dispatch schedules re-verification work. The production path
// enqueues a durable Cloud Tasks HTTP task that calls back into the
// verify endpoint; local and degraded deployments run the verification
// inline. Failing to schedule never fails event creation.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/saferide/backend/internal/store"
)

// Dispatcher schedules the re-verification of one event.
type Dispatcher interface {
	EnqueueVerification(ctx context.Context, eventID string) error
}

// Runner executes a verification; satisfied by verify.Orchestrator.
type Runner interface {
	Run(ctx context.Context, eventID string) error
}

// Scheduler is the post-commit hook behind the attach-crops write. It
// guards idempotence: an event that already carries a terminal verdict is
// never re-enqueued. (A status guard, not an outbox: the enqueue runs
// after the attach commit, so the task always observes the crops; a crash
// between commit and enqueue loses at most one scheduling, recoverable by
// an explicit re-run.)
type Scheduler struct {
	store      *store.Store
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewScheduler(st *store.Store, d Dispatcher, logger *slog.Logger) *Scheduler {
	return &Scheduler{store: st, dispatcher: d, logger: logger.With("component", "dispatch")}
}

// Schedule enqueues verification for an event unless it is already
// decided. Errors are logged, never propagated to the create path.
func (s *Scheduler) Schedule(ctx context.Context, eventID string) {
	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		s.logger.Error("schedule lookup failed", "event_id", eventID, "error", err)
		return
	}
	if event.Terminal() {
		s.logger.Info("skipping enqueue for decided event", "event_id", eventID, "status", event.BackendStatus)
		return
	}
	if err := s.dispatcher.EnqueueVerification(ctx, eventID); err != nil {
		s.logger.Error("verification enqueue failed", "event_id", eventID, "error", err)
	}
}
