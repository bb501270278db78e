package dispatch

import (
	"context"
	"log/slog"
	"time"
)

// Inline runs verifications in-process. This is the whole queue story in
// local development and the fallback when Cloud Tasks is unreachable.
type Inline struct {
	runner   Runner
	deadline time.Duration
	logger   *slog.Logger
}

func NewInline(runner Runner, deadline time.Duration, logger *slog.Logger) *Inline {
	return &Inline{runner: runner, deadline: deadline, logger: logger.With("component", "inline-dispatch")}
}

// EnqueueVerification runs the verification on a fresh goroutine with its
// own deadline, detached from the request that scheduled it.
func (i *Inline) EnqueueVerification(_ context.Context, eventID string) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), i.deadline)
		defer cancel()
		if err := i.runner.Run(ctx, eventID); err != nil {
			i.logger.Error("inline verification failed", "event_id", eventID, "error", err)
		}
	}()
	return nil
}
