package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/deep-research/internal/metrics"
)

// ErrNoProvider is returned when neither a binding nor a default provider exists.
var ErrNoProvider = errors.New("no provider available")

// Router routes model calls by key (a worker role or "planner") to a bound
// provider, falling back along a configured chain when the primary fails.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string   // key -> providerID
	fallbacks map[string][]string // key -> fallback chain
	defaults  string
	mu        sync.RWMutex
	logger    *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds a provider. The first one registered becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Bind routes calls made under key to providerID.
func (r *Router) Bind(key, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[key] = providerID
}

func (r *Router) SetFallbacks(key string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[key] = providerIDs
}

// Route sends req through the provider bound to key, then through its fallbacks.
func (r *Router) Route(ctx context.Context, key string, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	primary := r.lookup(key)
	chain := append([]string(nil), r.fallbacks[key]...)
	r.mu.RUnlock()

	if primary == nil {
		return nil, fmt.Errorf("route %s: %w", key, ErrNoProvider)
	}

	resp, err := r.call(ctx, key, primary, req)
	if err == nil {
		return resp, nil
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("key", key), zap.String("provider", primary.ID()), zap.Error(err))

	for _, id := range chain {
		if id == primary.ID() {
			continue
		}
		fb, ok := r.GetProvider(id)
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		resp, err = r.call(ctx, key, fb, req)
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", id), zap.Error(err))
	}

	return nil, fmt.Errorf("all providers failed for %s: %w", key, err)
}

func (r *Router) call(ctx context.Context, key string, p Provider, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	resp, err := p.Chat(ctx, req)
	metrics.ProviderLatency.WithLabelValues(p.ID()).Observe(time.Since(start).Seconds())
	metrics.ProviderCalls.WithLabelValues(key, p.ID(), outcome(err)).Inc()
	return resp, err
}

func outcome(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &apiErr) && apiErr.Temporary():
		return "unavailable"
	case errors.As(err, &apiErr):
		return "rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// Complete is the plain text call: messages in, assistant text out.
func (r *Router) Complete(ctx context.Context, key string, messages []Message) (string, error) {
	resp, err := r.Route(ctx, key, &ChatRequest{Messages: messages})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func (r *Router) lookup(key string) Provider {
	if pid, ok := r.bindings[key]; ok {
		if p, ok := r.providers[pid]; ok {
			return p
		}
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p
	}
	return nil
}

func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}

// FromConfig builds a provider for a config entry.
func FromConfig(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "openai", "":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
