package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	storage_go "github.com/supabase-community/storage-go"

	"github.com/saferide/backend/internal/apperr"
)

// Supabase stores objects in a single private Supabase Storage bucket.
// All calls go through a circuit breaker; transient faults inside a
// closed breaker are retried with bounded backoff.
type Supabase struct {
	client  *storage_go.Client
	bucket  string
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewSupabase creates a bucket-scoped adapter. url is the project storage
// endpoint (…/storage/v1) and key the service-role key.
func NewSupabase(url, key, bucket string, logger *slog.Logger) *Supabase {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "objectstore",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Missing objects are answers, not faults.
			return err == nil || apperr.KindOf(err) == apperr.KindNotFound
		},
	})
	return &Supabase{
		client:  storage_go.NewClient(url, key, nil),
		bucket:  bucket,
		breaker: cb,
		logger:  logger.With("component", "objectstore"),
	}
}

func (s *Supabase) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	return withRetry(ctx, func() error {
		_, err := s.breaker.Execute(func() (interface{}, error) {
			upsert := true
			_, err := s.client.UploadFile(s.bucket, path, bytes.NewReader(data), storage_go.FileOptions{
				ContentType: &contentType,
				Upsert:      &upsert,
			})
			return nil, classify("upload", path, err)
		})
		return err
	})
}

func (s *Supabase) Download(ctx context.Context, path string) ([]byte, error) {
	var out []byte
	err := withRetry(ctx, func() error {
		res, err := s.breaker.Execute(func() (interface{}, error) {
			data, err := s.client.DownloadFile(s.bucket, path)
			return data, classify("download", path, err)
		})
		if err != nil {
			return err
		}
		out = res.([]byte)
		return nil
	})
	return out, err
}

func (s *Supabase) Exists(ctx context.Context, path string) (bool, error) {
	dir, name := splitPath(path)
	var found bool
	err := withRetry(ctx, func() error {
		res, err := s.breaker.Execute(func() (interface{}, error) {
			objects, err := s.client.ListFiles(s.bucket, dir, storage_go.FileSearchOptions{})
			return objects, classify("list", dir, err)
		})
		if err != nil {
			return err
		}
		for _, obj := range res.([]storage_go.FileObject) {
			if obj.Name == name {
				found = true
				break
			}
		}
		return nil
	})
	return found, err
}

func (s *Supabase) Delete(ctx context.Context, path string) error {
	err := withRetry(ctx, func() error {
		_, err := s.breaker.Execute(func() (interface{}, error) {
			_, err := s.client.RemoveFile(s.bucket, []string{path})
			return nil, classify("delete", path, err)
		})
		return err
	})
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil
	}
	return err
}

func (s *Supabase) SignRead(ctx context.Context, path string, ttl time.Duration) (string, error) {
	var url string
	err := withRetry(ctx, func() error {
		res, err := s.breaker.Execute(func() (interface{}, error) {
			signed, err := s.client.CreateSignedUrl(s.bucket, path, int(ttl.Seconds()))
			if err != nil {
				return nil, classify("sign", path, err)
			}
			return signed.SignedURL, nil
		})
		if err != nil {
			return err
		}
		url = res.(string)
		return nil
	})
	return url, err
}

// classify folds storage-go errors into the taxonomy. The client surfaces
// HTTP failures as flat errors, so missing objects are detected by message.
func classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not found") || strings.Contains(msg, "not_found") || strings.Contains(msg, "404") {
		return apperr.Wrap(apperr.KindNotFound, fmt.Sprintf("%s %s", op, path), err)
	}
	return apperr.Wrap(apperr.KindStorageTransient, fmt.Sprintf("%s %s", op, path), err)
}

func splitPath(path string) (dir, name string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}
