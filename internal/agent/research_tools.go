package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nidhogg/deep-research/internal/rag"
	"github.com/nidhogg/deep-research/internal/search"
)

const (
	ToolWebSearch     = "web_search"
	ToolKnowledgeBase = "knowledge_base"
)

// Searcher is the external web search capability.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]search.Result, error)
}

// Retriever is the document retrieval capability.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]rag.Passage, error)
}

// RegisterWebSearch adds the web_search tool backed by s.
func RegisterWebSearch(r *ToolRegistry, s Searcher, defaultMax int) {
	if defaultMax <= 0 {
		defaultMax = 5
	}
	r.Register(functionTool(ToolWebSearch,
		"Search the web. Returns titles, URLs and content snippets of the top results.",
		map[string]interface{}{
			"query":       stringProp("Search query"),
			"max_results": map[string]string{"type": "integer", "description": "Number of results, default 5"},
		}, "query"),
		func(ctx context.Context, args string) (string, error) {
			var p struct {
				Query      string `json:"query"`
				MaxResults int    `json:"max_results"`
			}
			if err := json.Unmarshal([]byte(args), &p); err != nil {
				return "", fmt.Errorf("parse args: %w", err)
			}
			if p.Query == "" {
				return "", errors.New("query is required")
			}
			if p.MaxResults <= 0 || p.MaxResults > 20 {
				p.MaxResults = defaultMax
			}
			results, err := s.Search(ctx, p.Query, p.MaxResults)
			if err != nil {
				return "", err
			}
			return search.Format(p.Query, results), nil
		})
}

// RegisterKnowledgeBase adds the knowledge_base tool backed by ret.
func RegisterKnowledgeBase(r *ToolRegistry, ret Retriever, defaultTopK int) {
	if defaultTopK <= 0 {
		defaultTopK = 5
	}
	r.Register(functionTool(ToolKnowledgeBase,
		"Retrieve passages from the local document knowledge base relevant to a query.",
		map[string]interface{}{
			"query": stringProp("What to look for"),
			"top_k": map[string]string{"type": "integer", "description": "Number of passages, default 5"},
		}, "query"),
		func(ctx context.Context, args string) (string, error) {
			var p struct {
				Query string `json:"query"`
				TopK  int    `json:"top_k"`
			}
			if err := json.Unmarshal([]byte(args), &p); err != nil {
				return "", fmt.Errorf("parse args: %w", err)
			}
			if p.Query == "" {
				return "", errors.New("query is required")
			}
			if p.TopK <= 0 || p.TopK > 50 {
				p.TopK = defaultTopK
			}
			passages, err := ret.Retrieve(ctx, p.Query, p.TopK)
			if err != nil {
				return "", err
			}
			if len(passages) == 0 {
				return "No relevant documents found.", nil
			}
			return rag.FormatPassages(passages), nil
		})
}
