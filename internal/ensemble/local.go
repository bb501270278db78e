package ensemble

import (
	"context"
	"fmt"
	"sync"

	"github.com/saferide/backend/internal/apperr"
	"github.com/saferide/backend/internal/vector"
)

// localGrid is the pooling grid of the local adapter's feature extractor:
// the crop is mean-pooled into localGrid x localGrid RGB cells.
const localGrid = 8

// localFeatDim is the feature vector length the projection matrix
// multiplies (localGrid * localGrid * 3 channels).
const localFeatDim = localGrid * localGrid * 3

// RegisterLocal binds the "local" adapter kind: an in-process model whose
// projection weights live in the object store under
// models/{name}/{version}. Call once during startup wiring, after the
// object store is built.
func RegisterLocal(weights *WeightLoader) {
	Register("local", func(cfg Config) (Adapter, error) {
		if cfg.Dim <= 0 {
			return nil, fmt.Errorf("local adapter %q requires a positive dim", cfg.Name)
		}
		if cfg.Version == "" {
			return nil, fmt.Errorf("local adapter %q requires a weights version", cfg.Name)
		}
		return newLocal(cfg, weights), nil
	})
}

// Local embeds crops on-CPU: mean-pooled RGB features projected through a
// weight matrix fetched from the object store on first use. The matrix is
// packed little-endian float32, dim x localFeatDim row-major.
type Local struct {
	name    string
	version string
	dim     int
	weights *WeightLoader

	mu     sync.Mutex
	matrix []float32 // nil until the first successful load
}

func newLocal(cfg Config, weights *WeightLoader) *Local {
	return &Local{
		name:    cfg.Name,
		version: cfg.Version,
		dim:     cfg.Dim,
		weights: weights,
	}
}

func (l *Local) Name() string { return l.name }
func (l *Local) Dim() int     { return l.dim }

func (l *Local) Embed(ctx context.Context, img Image) ([]float32, error) {
	matrix, err := l.loadMatrix(ctx)
	if err != nil {
		return nil, err
	}

	feats := poolFeatures(img)
	out := make([]float32, l.dim)
	for row := 0; row < l.dim; row++ {
		var sum float64
		base := row * localFeatDim
		for col := 0; col < localFeatDim; col++ {
			sum += float64(matrix[base+col]) * float64(feats[col])
		}
		out[row] = float32(sum)
	}
	return out, nil
}

// loadMatrix fetches and validates the projection matrix on first use.
// A failed fetch is not sticky: the next embed retries, and the loader
// single-flights concurrent first touches.
func (l *Local) loadMatrix(ctx context.Context) ([]float32, error) {
	l.mu.Lock()
	matrix := l.matrix
	l.mu.Unlock()
	if matrix != nil {
		return matrix, nil
	}

	blob, err := l.weights.Load(ctx, l.name, l.version)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindModelFailure,
			fmt.Sprintf("model %s weights unavailable", l.name), err)
	}
	matrix, err = vector.Coerce(blob)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindModelFailure,
			fmt.Sprintf("model %s weights malformed", l.name), err)
	}
	if want := l.dim * localFeatDim; len(matrix) != want {
		return nil, apperr.Newf(apperr.KindModelFailure,
			"model %s weights hold %d values, want %d", l.name, len(matrix), want)
	}

	l.mu.Lock()
	l.matrix = matrix
	l.mu.Unlock()
	return matrix, nil
}

// poolFeatures mean-pools the crop into the fixed localGrid cells,
// normalizing channel values to [0, 1]. Cells that map to no pixels on a
// tiny crop stay zero.
func poolFeatures(img Image) []float32 {
	feats := make([]float32, localFeatDim)
	if img.W <= 0 || img.H <= 0 || len(img.Pix) < img.W*img.H*3 {
		return feats
	}
	for cy := 0; cy < localGrid; cy++ {
		y0, y1 := cy*img.H/localGrid, (cy+1)*img.H/localGrid
		for cx := 0; cx < localGrid; cx++ {
			x0, x1 := cx*img.W/localGrid, (cx+1)*img.W/localGrid
			var r, g, b, n float64
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					i := (y*img.W + x) * 3
					r += float64(img.Pix[i])
					g += float64(img.Pix[i+1])
					b += float64(img.Pix[i+2])
					n++
				}
			}
			if n == 0 {
				continue
			}
			base := (cy*localGrid + cx) * 3
			feats[base] = float32(r / n / 255)
			feats[base+1] = float32(g / n / 255)
			feats[base+2] = float32(b / n / 255)
		}
	}
	return feats
}
