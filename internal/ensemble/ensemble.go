// Package ensemble hosts the face-recognition model adapters behind a
// uniform embedding interface. Adapters are selected by name from a
// startup-time registry; configuration never names Go types.
package ensemble

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Image is a decoded RGB face crop, height×width×3 interleaved.
type Image struct {
	W, H int
	Pix  []uint8
}

// Adapter embeds a face crop into the model's vector space.
type Adapter interface {
	Name() string
	Dim() int
	Embed(ctx context.Context, img Image) ([]float32, error)
}

// Config is one model's runtime configuration.
type Config struct {
	Name      string
	Enabled   bool
	Threshold float64
	Weight    float64
	Adapter   string
	Endpoint  string
	Dim       int
	Version   string
}

// Constructor builds an adapter from its configuration.
type Constructor func(cfg Config) (Adapter, error)

var (
	regMu        sync.RWMutex
	constructors = map[string]Constructor{}
)

// Register binds an adapter kind to a constructor. Call from init or
// during startup wiring; duplicate names panic to surface wiring bugs
// immediately.
func Register(kind string, c Constructor) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := constructors[kind]; dup {
		panic(fmt.Sprintf("ensemble: adapter kind %q registered twice", kind))
	}
	constructors[kind] = c
}

// Model pairs a built adapter with its voting configuration.
type Model struct {
	Adapter   Adapter
	Threshold float64
	Weight    float64
}

// BuildModels constructs adapters for every enabled config entry, in the
// given order.
func BuildModels(cfgs []Config) ([]Model, error) {
	var models []Model
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		regMu.RLock()
		ctor, ok := constructors[cfg.Adapter]
		regMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("unknown adapter kind %q for model %q (registered: %v)", cfg.Adapter, cfg.Name, registered())
		}
		a, err := ctor(cfg)
		if err != nil {
			return nil, fmt.Errorf("build adapter for model %q: %w", cfg.Name, err)
		}
		models = append(models, Model{Adapter: a, Threshold: cfg.Threshold, Weight: cfg.Weight})
	}
	return models, nil
}

func registered() []string {
	names := make([]string, 0, len(constructors))
	for k := range constructors {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Cosine returns the cosine similarity of two vectors, 0 for degenerate
// inputs.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
