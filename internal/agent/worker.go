package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/nidhogg/deep-research/internal/metrics"
	"github.com/nidhogg/deep-research/internal/provider"
)

// Role names a specialised worker. It is also the provider routing key.
type Role string

const (
	RoleResearcher Role = "researcher"
	RoleAnalyst    Role = "analyst"
	RoleWriter     Role = "writer"
)

// DefaultMaxToolRounds bounds model round trips per invocation.
const DefaultMaxToolRounds = 8

// ChatRouter is the model invocation collaborator.
type ChatRouter interface {
	Route(ctx context.Context, key string, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// Worker is one LLM-driven agent: a role preamble, a fixed tool set and a
// bounded tool-calling loop.
type Worker struct {
	role      Role
	preamble  string
	model     string
	maxTokens int
	maxRounds int
	tools     *ToolRegistry
	router    ChatRouter
	logger    *zap.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

func WithModel(model string) WorkerOption       { return func(w *Worker) { w.model = model } }
func WithMaxToolRounds(n int) WorkerOption      { return func(w *Worker) { w.maxRounds = n } }
func WithPreamble(preamble string) WorkerOption { return func(w *Worker) { w.preamble = preamble } }

// WithMaxTokens caps completion length; n <= 0 keeps the default.
func WithMaxTokens(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxTokens = n
		}
	}
}

func NewWorker(role Role, router ChatRouter, tools *ToolRegistry, logger *zap.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		role:      role,
		preamble:  DefaultPreamble(role),
		maxTokens: 4096,
		maxRounds: DefaultMaxToolRounds,
		tools:     tools,
		router:    router,
		logger:    logger.With(zap.String("role", string(role))),
	}
	for _, o := range opts {
		o(w)
	}
	if w.tools == nil {
		w.tools = NewToolRegistry()
	}
	if w.maxRounds <= 0 {
		w.maxRounds = DefaultMaxToolRounds
	}
	return w
}

func (w *Worker) Role() Role           { return w.role }
func (w *Worker) Tools() *ToolRegistry { return w.tools }
func (w *Worker) Preamble() string     { return w.preamble }

// Invoke runs the worker on one instruction. The returned Invocation is
// never nil; on error it holds whatever the worker produced before failing.
func (w *Worker) Invoke(ctx context.Context, instruction string) (*Invocation, error) {
	inv := &Invocation{
		ID:        uuid.New().String(),
		Role:      w.role,
		StartedAt: time.Now(),
	}
	defer func() { inv.Duration = time.Since(inv.StartedAt) }()

	req := &provider.ChatRequest{
		Model: w.model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: w.preamble},
			{Role: provider.RoleUser, Content: instruction},
		},
		MaxTokens: w.maxTokens,
		Tools:     w.tools.Definitions(),
	}

	for round := 0; round < w.maxRounds; round++ {
		inv.Rounds = round + 1
		inv.step(StepRequest, fmt.Sprintf("round %d", round+1), 0)

		resp, err := w.router.Route(ctx, string(w.role), req)
		if err != nil {
			metrics.WorkerInvocations.WithLabelValues(string(w.role), "error").Inc()
			return inv, fmt.Errorf("%s worker round %d: %w", w.role, round+1, err)
		}
		inv.Usage.Add(resp.Usage)
		metrics.WorkerTokens.WithLabelValues(string(w.role)).Add(float64(resp.Usage.TotalTokens))

		if text := strings.TrimSpace(resp.Content); text != "" {
			inv.RawOutputs = append(inv.RawOutputs, text)
			inv.step(StepResponse, text, resp.Usage.TotalTokens)
		}
		if len(resp.ToolCalls) == 0 {
			metrics.WorkerInvocations.WithLabelValues(string(w.role), "ok").Inc()
			return inv, nil
		}

		req.Messages = append(req.Messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			req.Messages = append(req.Messages, w.runTool(ctx, inv, tc))
		}

		w.logger.Debug("tool round complete",
			zap.Int("round", round+1),
			zap.Int("tool_calls", len(resp.ToolCalls)))
	}

	inv.step(StepLimit, fmt.Sprintf("stopped after %d rounds", w.maxRounds), 0)
	w.logger.Warn("tool round limit reached", zap.Int("rounds", w.maxRounds))
	metrics.WorkerInvocations.WithLabelValues(string(w.role), "round_limit").Inc()
	return inv, nil
}

func (w *Worker) runTool(ctx context.Context, inv *Invocation, tc provider.ToolCall) provider.Message {
	name, args := tc.Function.Name, tc.Function.Arguments
	inv.step(StepToolCall, name, 0)

	// Text the model wanted written is output too, even if the write fails.
	if content := gjson.Get(args, "content"); content.Type == gjson.String {
		if text := strings.TrimSpace(content.String()); text != "" {
			inv.RawOutputs = append(inv.RawOutputs, text)
		}
	}

	result, err := w.tools.Execute(ctx, name, args)
	metrics.RecordToolCall(string(w.role), name, err)
	entry := ToolCallLog{Name: name, Args: truncate(args, 500)}
	if err != nil {
		entry.Error = err.Error()
		b, _ := json.Marshal(map[string]string{"error": err.Error()})
		result = string(b)
		w.logger.Warn("tool failed", zap.String("tool", name), zap.Error(err))
	}
	inv.ToolCalls = append(inv.ToolCalls, entry)
	inv.step(StepToolResult, fmt.Sprintf("%s → %s", name, truncate(result, 200)), 0)

	return provider.Message{
		Role:       provider.RoleTool,
		Content:    result,
		ToolCallID: tc.ID,
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "..."
}
