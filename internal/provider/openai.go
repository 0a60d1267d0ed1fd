package provider

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

const (
	openAIEndpoint = "https://api.openai.com/v1"
	openAIModel    = "gpt-4o-mini"
)

// OpenAIProvider talks to OpenAI-compatible chat completion APIs, which
// covers most hosted gateways and local servers as well.
type OpenAIProvider struct {
	config ProviderConfig
	client *http.Client
	logger *zap.Logger
}

func NewOpenAIProvider(cfg ProviderConfig, logger *zap.Logger) *OpenAIProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = openAIEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = openAIModel
	}
	return &OpenAIProvider{
		config: cfg,
		client: newHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("provider", cfg.ID)),
	}
}

func (p *OpenAIProvider) ID() string   { return p.config.ID }
func (p *OpenAIProvider) Name() string { return p.config.Name }

func (p *OpenAIProvider) auth() http.Header {
	h := http.Header{}
	if p.config.APIKey != "" {
		h.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	return h
}

// completionsURL puts the model in the path when Extra["path_model"] is
// "true", which some hosted gateways require.
func (p *OpenAIProvider) completionsURL(model string) string {
	if p.config.Extra["path_model"] == "true" && model != "" {
		return p.config.Endpoint + "/" + model + "/chat/completions"
	}
	return p.config.Endpoint + "/chat/completions"
}

func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	call := *req
	if call.Model == "" {
		call.Model = p.config.Model
	}
	if len(call.Tools) > 0 && call.ToolChoice == "" {
		call.ToolChoice = "auto"
	}

	var completion struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Message      Message `json:"message"`
			FinishReason string  `json:"finish_reason"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
	}
	err := doJSON(ctx, p.client, p.config.ID, http.MethodPost,
		p.completionsURL(call.Model), p.auth(), &call, &completion)
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("provider %s: completion has no choices", p.config.ID)
	}

	first := completion.Choices[0]
	p.logger.Debug("chat completed",
		zap.String("model", completion.Model),
		zap.String("finish", first.FinishReason),
		zap.Int("tool_calls", len(first.Message.ToolCalls)),
		zap.Int("tokens", completion.Usage.TotalTokens))

	return &ChatResponse{
		ID:           completion.ID,
		Model:        completion.Model,
		Content:      first.Message.Content,
		ToolCalls:    first.Message.ToolCalls,
		FinishReason: first.FinishReason,
		Usage:        completion.Usage,
	}, nil
}

// ListModels asks the endpoint's /models listing.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]Model, error) {
	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err := doJSON(ctx, p.client, p.config.ID, http.MethodGet,
		p.config.Endpoint+"/models", p.auth(), nil, &listing)
	if err != nil {
		return nil, err
	}

	models := make([]Model, 0, len(listing.Data))
	for _, m := range listing.Data {
		models = append(models, Model{ID: m.ID, Name: m.ID, Provider: p.config.ID})
	}
	return models, nil
}

func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	_, err := p.ListModels(ctx)
	return err
}
