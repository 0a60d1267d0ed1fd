package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/deep-research/internal/workspace"
)

// PoolConfig bounds the workers built by NewPool.
type PoolConfig struct {
	MaxToolRounds int
	MaxTokens     int
	PromptsDir    string
	SearchResults int
	RetrievalTopK int
	Models        map[Role]string
}

// Pool holds the three workers. Each has a fixed tool set:
//
//	researcher: web_search, write/read
//	analyst:    knowledge_base, write/read
//	writer:     write/read/list/search
//
// web_search and knowledge_base are only present when the capability was
// supplied.
type Pool struct {
	workers      map[Role]*Worker
	hasSearch    bool
	hasRetrieval bool
	logger       *zap.Logger
}

// NewPool wires the workers. searcher and retriever may be nil.
func NewPool(router ChatRouter, reg *workspace.Registry, searcher Searcher, retriever Retriever, cfg PoolConfig, logger *zap.Logger) *Pool {
	files := NewWorkspaceTools(reg)
	p := &Pool{
		workers:      make(map[Role]*Worker, 3),
		hasSearch:    searcher != nil,
		hasRetrieval: retriever != nil,
		logger:       logger,
	}

	researcher := NewToolRegistry()
	if searcher != nil {
		RegisterWebSearch(researcher, searcher, cfg.SearchResults)
	} else {
		logger.Warn("no web search capability, researcher runs without web_search")
	}
	files.Register(researcher, ToolWriteFile, ToolReadFile)

	analyst := NewToolRegistry()
	if retriever != nil {
		RegisterKnowledgeBase(analyst, retriever, cfg.RetrievalTopK)
	}
	files.Register(analyst, ToolWriteFile, ToolReadFile)

	writer := NewToolRegistry()
	files.Register(writer, ToolWriteFile, ToolReadFile, ToolListFiles, ToolSearchFile)

	for role, tools := range map[Role]*ToolRegistry{
		RoleResearcher: researcher,
		RoleAnalyst:    analyst,
		RoleWriter:     writer,
	} {
		p.workers[role] = NewWorker(role, router, tools, logger,
			WithModel(cfg.Models[role]),
			WithMaxTokens(cfg.MaxTokens),
			WithMaxToolRounds(cfg.MaxToolRounds),
			WithPreamble(LoadPreamble(cfg.PromptsDir, role)),
		)
	}
	return p
}

// Worker returns the worker for role, or nil.
func (p *Pool) Worker(role Role) *Worker { return p.workers[role] }

// Invoke runs the worker for role.
func (p *Pool) Invoke(ctx context.Context, role Role, instruction string) (*Invocation, error) {
	w, ok := p.workers[role]
	if !ok {
		return &Invocation{Role: role}, fmt.Errorf("no worker for role %q", role)
	}
	return w.Invoke(ctx, instruction)
}

func (p *Pool) HasSearch() bool    { return p.hasSearch }
func (p *Pool) HasRetrieval() bool { return p.hasRetrieval }
