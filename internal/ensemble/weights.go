package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/saferide/backend/internal/objectstore"
)

// WeightLoader fetches model weight blobs from the object store. Weights
// are immutable per (name, version): the first touch in a process loads
// them once (single-flight) and every later call hits the cache.
type WeightLoader struct {
	store  objectstore.Store
	logger *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string][]byte
}

func NewWeightLoader(store objectstore.Store, logger *slog.Logger) *WeightLoader {
	return &WeightLoader{
		store:  store,
		logger: logger.With("component", "weights"),
		cache:  make(map[string][]byte),
	}
}

// Load returns the weight blob for a model version.
func (w *WeightLoader) Load(ctx context.Context, name, version string) ([]byte, error) {
	key := name + "/" + version

	w.mu.RLock()
	blob, ok := w.cache[key]
	w.mu.RUnlock()
	if ok {
		return blob, nil
	}

	v, err, _ := w.group.Do(key, func() (interface{}, error) {
		path := objectstore.ModelWeightPath(name, version)
		blob, err := w.store.Download(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("load weights %s: %w", path, err)
		}
		w.mu.Lock()
		w.cache[key] = blob
		w.mu.Unlock()
		w.logger.Info("model weights loaded", "model", name, "version", version, "bytes", len(blob))
		return blob, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
