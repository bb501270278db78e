package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/protobuf/types/known/durationpb"
)

// CloudTasks enqueues verification jobs onto a Cloud Tasks queue. The
// queue POSTs {"event_id": …} to the verify callback; retries,
// dead-lettering, and rate limits are queue-level configuration.
//
// If the queue is unreachable, the job falls back to the inline runner so
// a broken queue degrades verification latency, not event ingestion.
type CloudTasks struct {
	client      *cloudtasks.Client
	queuePath   string
	callbackURL string
	deadline    time.Duration
	fallback    Dispatcher
	logger      *slog.Logger
}

// NewCloudTasks connects to the queue at projects/{p}/locations/{l}/queues/{q}.
// fallback may be nil to drop jobs on enqueue failure.
func NewCloudTasks(ctx context.Context, projectID, locationID, queueID, callbackURL string, deadline time.Duration, fallback Dispatcher, logger *slog.Logger) (*CloudTasks, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	return &CloudTasks{
		client:      client,
		queuePath:   fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		callbackURL: callbackURL,
		deadline:    deadline,
		fallback:    fallback,
		logger:      logger.With("component", "cloudtasks"),
	}, nil
}

type verifyPayload struct {
	EventID string `json:"event_id"`
}

func (c *CloudTasks) EnqueueVerification(ctx context.Context, eventID string) error {
	body, err := json.Marshal(verifyPayload{EventID: eventID})
	if err != nil {
		return fmt.Errorf("marshal verify payload: %w", err)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: c.queuePath,
		Task: &taskspb.Task{
			DispatchDeadline: durationpb.New(c.deadline),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        c.callbackURL,
					Headers:    map[string]string{"Content-Type": "application/json"},
					Body:       body,
				},
			},
		},
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	task, err := c.client.CreateTask(enqueueCtx, req)
	if err != nil {
		c.logger.Error("cloud task enqueue failed", "event_id", eventID, "error", err)
		if c.fallback != nil {
			c.logger.Warn("falling back to inline verification", "event_id", eventID)
			return c.fallback.EnqueueVerification(ctx, eventID)
		}
		return fmt.Errorf("create task: %w", err)
	}

	c.logger.Info("verification enqueued", "event_id", eventID, "task", task.GetName())
	return nil
}

// Close releases the Cloud Tasks client.
func (c *CloudTasks) Close() error { return c.client.Close() }
