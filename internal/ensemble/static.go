package ensemble

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
)

func init() {
	Register("static", func(cfg Config) (Adapter, error) {
		dim := cfg.Dim
		if dim <= 0 {
			dim = 128
		}
		return &Static{name: cfg.Name, dim: dim}, nil
	})
}

// Static derives a deterministic pseudo-embedding from the image bytes.
// Identical crops embed identically, so reference photos and their own
// confirmation crops match perfectly. Used for local development and
// end-to-end tests; it carries no recognition power.
type Static struct {
	name string
	dim  int
}

func (s *Static) Name() string { return s.name }
func (s *Static) Dim() int     { return s.dim }

func (s *Static) Embed(_ context.Context, img Image) ([]float32, error) {
	seed := sha256.Sum256(img.Pix)
	vec := make([]float32, s.dim)
	state := seed
	for i := 0; i < s.dim; i += 8 {
		state = sha256.Sum256(state[:])
		for j := 0; j < 8 && i+j < s.dim; j++ {
			bits := binary.LittleEndian.Uint32(state[4*j:])
			// Map to [-1, 1).
			vec[i+j] = float32(int32(bits)) / float32(1<<31)
		}
	}
	return vec, nil
}
