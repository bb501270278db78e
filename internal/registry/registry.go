// Package registry loads per-student reference embeddings for the
// verification ensemble. The view is read-mostly: loads are cached per
// population version and invalidated when embeddings mutate.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/saferide/backend/internal/store"
	"github.com/saferide/backend/internal/vector"
)

// Reference is one model's reference vector for a student.
type Reference struct {
	Model   string
	Vector  []float32
	Quality float64
	PhotoID string
}

// Population maps student id to that student's references across models.
type Population map[string][]Reference

// Empty reports whether no usable references were loaded.
func (p Population) Empty() bool { return len(p) == 0 }

// ForModel returns, per student, only the references of one model.
func (p Population) ForModel(model string) map[string][]Reference {
	out := make(map[string][]Reference)
	for student, refs := range p {
		for _, r := range refs {
			if r.Model == model {
				out[student] = append(out[student], r)
			}
		}
	}
	return out
}

// Registry loads and caches the reference population.
type Registry struct {
	store  *store.Store
	logger *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex

	cachedVersion string
	cached        Population
}

func New(st *store.Store, logger *slog.Logger) *Registry {
	return &Registry{store: st, logger: logger.With("component", "registry")}
}

// Load returns the current population, reusing the cache while the
// population version is unchanged. Malformed rows are skipped with a
// warning; they must never fail a verification run.
func (r *Registry) Load(ctx context.Context) (Population, error) {
	version, err := r.store.PopulationVersion(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	if r.cached != nil && r.cachedVersion == version {
		pop := r.cached
		r.mu.RUnlock()
		return pop, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do(version, func() (interface{}, error) {
		rows, err := r.store.ActiveEmbeddings(ctx)
		if err != nil {
			return nil, err
		}
		pop := make(Population)
		skipped := 0
		for _, row := range rows {
			vec, err := vector.Coerce(row.Embedding)
			if err != nil {
				skipped++
				r.logger.Warn("skipping malformed reference embedding",
					"embedding_id", row.ID, "student_id", row.StudentID, "model", row.ModelName, "error", err)
				continue
			}
			pop[row.StudentID] = append(pop[row.StudentID], Reference{
				Model:   row.ModelName,
				Vector:  vec,
				Quality: row.QualityScore,
				PhotoID: row.PhotoID,
			})
		}
		if skipped > 0 {
			r.logger.Warn("registry load skipped rows", "skipped", skipped, "loaded", len(rows)-skipped)
		}

		r.mu.Lock()
		r.cachedVersion = version
		r.cached = pop
		r.mu.Unlock()
		return pop, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Population), nil
}

// Invalidate drops the cache; call after any embedding mutation.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.cachedVersion = ""
	r.cached = nil
	r.mu.Unlock()
}
