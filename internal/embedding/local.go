package embedding

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// LocalProvider calls an Ollama-style /api/embeddings endpoint. That API
// takes one prompt per request, so texts are sent concurrently, at most
// BatchSize in flight.
type LocalProvider struct {
	endpoint
	parallel int
}

func NewLocalProvider(cfg Config) *LocalProvider {
	parallel := cfg.BatchSize
	if parallel <= 0 {
		parallel = 4
	}
	return &LocalProvider{endpoint: newEndpoint(cfg), parallel: parallel}
}

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallel)
	for i, text := range texts {
		g.Go(func() error {
			var resp localResponse
			if err := p.post(gctx, "/api/embeddings", localRequest{Model: p.model, Prompt: text}, &resp); err != nil {
				return fmt.Errorf("embedding: text %d: %w", i, err)
			}
			out[i] = resp.Embedding
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	p.remember(out)
	return out, nil
}
