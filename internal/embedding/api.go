package embedding

import (
	"context"
	"fmt"

	"github.com/samber/lo"
)

// APIProvider calls an OpenAI-compatible /embeddings endpoint, sending
// inputs in batches of at most BatchSize.
type APIProvider struct {
	endpoint
	batchSize int
}

func NewAPIProvider(cfg Config) *APIProvider {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 64
	}
	return &APIProvider{endpoint: newEndpoint(cfg), batchSize: batch}
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiEmbeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type apiResponse struct {
	Data []apiEmbeddingData `json:"data"`
}

// Embed returns one vector per input text, in input order.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for n, batch := range lo.Chunk(texts, p.batchSize) {
		var resp apiResponse
		if err := p.post(ctx, "/embeddings", apiRequest{Model: p.model, Input: batch}, &resp); err != nil {
			return nil, fmt.Errorf("embedding: batch %d: %w", n, err)
		}
		vecs, err := ordered(resp.Data, len(batch))
		if err != nil {
			return nil, fmt.Errorf("embedding: batch %d: %w", n, err)
		}
		out = append(out, vecs...)
	}
	p.remember(out)
	return out, nil
}

// ordered places vectors by their reported index. Servers that omit or
// repeat indexes get positional order instead.
func ordered(data []apiEmbeddingData, want int) ([][]float32, error) {
	if len(data) != want {
		return nil, fmt.Errorf("got %d vectors for %d inputs", len(data), want)
	}
	vecs := make([][]float32, want)
	for i, d := range data {
		at := d.Index
		if at < 0 || at >= want || vecs[at] != nil {
			at = i
		}
		vecs[at] = d.Embedding
	}
	return vecs, nil
}
