// Package embedding turns document chunks and queries into vectors for the
// knowledge base.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config selects and configures an embedding provider.
type Config struct {
	Provider  string        `json:"provider" yaml:"provider"` // "api" or "local"
	Endpoint  string        `json:"endpoint" yaml:"endpoint"`
	Model     string        `json:"model" yaml:"model"`
	APIKey    string        `json:"api_key" yaml:"api_key"`
	Dimension int           `json:"dimension" yaml:"dimension"`
	BatchSize int           `json:"batch_size" yaml:"batch_size"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
}

// Enabled reports whether an embedding endpoint is configured.
func (c Config) Enabled() bool { return c.Endpoint != "" }

// New builds the provider named by cfg.Provider.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "api", "":
		return NewAPIProvider(cfg), nil
	case "local":
		return NewLocalProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// endpoint is the HTTP plumbing shared by both providers. It also remembers
// the vector size of the first successful answer.
type endpoint struct {
	base   string
	model  string
	apiKey string
	dim    int
	client *http.Client

	learned atomic.Int64
}

func newEndpoint(cfg Config) endpoint {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return endpoint{
		base:   cfg.Endpoint,
		model:  cfg.Model,
		apiKey: cfg.APIKey,
		dim:    cfg.Dimension,
		client: &http.Client{Timeout: timeout},
	}
}

func (e *endpoint) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", path, err)
	}
	return nil
}

func (e *endpoint) remember(vecs [][]float32) {
	if len(vecs) > 0 && len(vecs[0]) > 0 {
		e.learned.CompareAndSwap(0, int64(len(vecs[0])))
	}
}

// Dimension is the size learned from the first response, or the configured
// value before any call succeeded.
func (e *endpoint) Dimension() int {
	if d := e.learned.Load(); d > 0 {
		return int(d)
	}
	return e.dim
}
