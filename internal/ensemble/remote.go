package ensemble

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/saferide/backend/internal/apperr"
)

func init() {
	Register("remote", func(cfg Config) (Adapter, error) {
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("remote adapter %q requires an endpoint", cfg.Name)
		}
		if cfg.Dim <= 0 {
			return nil, fmt.Errorf("remote adapter %q requires a positive dim", cfg.Name)
		}
		return &Remote{
			name:     cfg.Name,
			dim:      cfg.Dim,
			endpoint: cfg.Endpoint,
			client:   &http.Client{Timeout: 15 * time.Second},
		}, nil
	})
}

// Remote delegates embedding to an HTTP inference sidecar: the crop is
// POSTed as raw RGB with dimensions in headers, the response is a JSON
// float array.
type Remote struct {
	name     string
	dim      int
	endpoint string
	client   *http.Client
}

func (r *Remote) Name() string { return r.name }
func (r *Remote) Dim() int     { return r.dim }

type remoteResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (r *Remote) Embed(ctx context.Context, img Image) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(img.Pix))
	if err != nil {
		return nil, fmt.Errorf("build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Image-Width", fmt.Sprint(img.W))
	req.Header.Set("X-Image-Height", fmt.Sprint(img.H))

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindModelFailure, fmt.Sprintf("model %s inference call", r.name), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperr.Newf(apperr.KindModelFailure, "model %s returned %d: %s", r.name, resp.StatusCode, body)
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(apperr.KindModelFailure, fmt.Sprintf("model %s response decode", r.name), err)
	}
	if len(out.Embedding) != r.dim {
		return nil, apperr.Newf(apperr.KindModelFailure, "model %s returned %d dims, want %d", r.name, len(out.Embedding), r.dim)
	}
	return out.Embedding, nil
}
