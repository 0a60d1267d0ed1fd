package agent

import (
	"time"

	"github.com/nidhogg/deep-research/internal/provider"
)

// StepType identifies the kind of trace step.
type StepType string

const (
	StepRequest    StepType = "request"
	StepToolCall   StepType = "tool_call"
	StepToolResult StepType = "tool_result"
	StepResponse   StepType = "response"
	StepLimit      StepType = "round_limit"
)

// Invocation is everything observable about one worker call. RawOutputs
// holds, in order, every non-empty text the model produced: assistant
// messages and the content it asked to be written to files.
type Invocation struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	RawOutputs []string       `json:"raw_outputs"`
	Steps      []Step         `json:"steps"`
	ToolCalls  []ToolCallLog  `json:"tool_calls"`
	Usage      provider.Usage `json:"usage"`
	Rounds     int            `json:"rounds"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration"`
}

// Step is a single entry in the invocation trace.
type Step struct {
	Type       StepType  `json:"type"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	TokensUsed int       `json:"tokens_used,omitempty"`
}

// ToolCallLog records one tool execution of an invocation.
type ToolCallLog struct {
	Name  string `json:"name"`
	Args  string `json:"args"`
	Error string `json:"error,omitempty"`
}

// Final returns the last raw output, or "".
func (inv *Invocation) Final() string {
	if inv == nil || len(inv.RawOutputs) == 0 {
		return ""
	}
	return inv.RawOutputs[len(inv.RawOutputs)-1]
}

// Called reports whether the worker called the named tool at least once
// without error.
func (inv *Invocation) Called(tool string) bool {
	if inv == nil {
		return false
	}
	for _, c := range inv.ToolCalls {
		if c.Name == tool && c.Error == "" {
			return true
		}
	}
	return false
}

func (inv *Invocation) step(t StepType, content string, tokens int) {
	inv.Steps = append(inv.Steps, Step{Type: t, Content: content, Timestamp: time.Now(), TokensUsed: tokens})
}
