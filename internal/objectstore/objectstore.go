// Package objectstore adapts the private media bucket holding boarding
// confirmation crops and model weights. Callers see a single Store
// interface; errors carry the transient/permanent split so the retry
// policy lives in one place.
package objectstore

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/saferide/backend/internal/apperr"
)

// Store is the object-store contract. Upload is idempotent by path and
// overwrites; Delete is a no-op on absent paths.
type Store interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	Download(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	// SignRead produces a URL granting GET access to path for ttl.
	SignRead(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// CropPath is the bucket path for confirmation face crop i (1-based) of an
// event.
func CropPath(eventID string, i int) string {
	return fmt.Sprintf("boarding_events/%s/face_%d.jpg", eventID, i)
}

// ModelWeightPath is the bucket path for a model weight blob.
func ModelWeightPath(name, version string) string {
	return fmt.Sprintf("models/%s/%s", name, version)
}

const (
	retryAttempts = 3
	retryInitial  = 200 * time.Millisecond
)

// withRetry runs op, retrying transient storage faults with bounded,
// jittered exponential backoff (3 attempts, 200 ms initial, x2).
func withRetry(ctx context.Context, op func() error) error {
	var err error
	delay := retryInitial
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)))
			select {
			case <-time.After(jittered):
			case <-ctx.Done():
				return apperr.Wrap(apperr.KindDeadlineExceeded, "storage retry interrupted", ctx.Err())
			}
			delay *= 2
		}
		err = op()
		if err == nil || !apperr.Retryable(err) {
			return err
		}
	}
	return err
}
