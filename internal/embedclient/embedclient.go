// Package embedclient wraps the Ollama embeddings API behind the
// fixed-dimension contract the rest of the pipeline expects.
package embedclient

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/cgorski03/magic-folder-sub000/internal/core"
)

// Client requests VectorDim-length embeddings from an Ollama server.
type Client struct {
	api   *api.Client
	model string
}

// New builds a Client. baseURL must be an absolute URL with a scheme
// and host (a bare "host:port" is rejected); model is the embedding
// model name (e.g. "mxbai-embed-large").
func New(baseURL, model string) (*Client, error) {
	parsed, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("embedclient: %w", err)
	}
	return &Client{
		api:   api.NewClient(parsed, nil),
		model: model,
	}, nil
}

// GetEmbedding returns the VectorDim-length embedding for text.
// Empty or wrong-length responses are rejected as errors rather than
// silently truncated or padded.
func (c *Client) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.api.Embed(ctx, &api.EmbedRequest{
		Model: c.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("embedclient: embed request: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("embedclient: empty embedding response")
	}
	raw := resp.Embeddings[0]
	if len(raw) != core.VectorDim {
		return nil, fmt.Errorf("embedclient: got %d-dim vector, want %d", len(raw), core.VectorDim)
	}
	vec := make([]float32, core.VectorDim)
	for i, f := range raw {
		vec[i] = float32(f)
	}
	return vec, nil
}

func parseBaseURL(baseURL string) (*url.URL, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama_url %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ollama_url %q must include scheme and host", baseURL)
	}
	return u, nil
}

// IsServerAvailable is a short-timeout health probe, used so a down
// Ollama server fails fast instead of hanging the caller on the first
// real embed request.
func (c *Client) IsServerAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := c.api.List(ctx)
	return err == nil
}
