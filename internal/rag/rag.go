// Package rag is the document retrieval capability behind the analyst's
// knowledge_base tool: it chunks and indexes documents into Qdrant and
// answers similarity queries.
package rag

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/deep-research/internal/embedding"
	"github.com/nidhogg/deep-research/internal/vectorstore"
)

// DefaultCollection holds indexed documents.
const DefaultCollection = "documents"

// DefaultChunkSize is the target chunk length in runes.
const DefaultChunkSize = 1200

// Passage is one retrieved chunk.
type Passage struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Chunk   int     `json:"chunk"`
	Score   float32 `json:"score"`
}

// VectorStore is the part of vectorstore.Client the retriever uses.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	Upsert(ctx context.Context, collection string, pts []vectorstore.Point) error
	DeleteByField(ctx context.Context, collection, key, value string) error
	Search(ctx context.Context, collection string, vector []float32, topK uint64) ([]*vectorstore.SearchResult, error)
}

// Retriever indexes documents into Qdrant and answers similarity queries.
type Retriever struct {
	embedder   embedding.Provider
	store      VectorStore
	collection string
	chunkSize  int
	logger     *zap.Logger
}

func NewRetriever(embedder embedding.Provider, store VectorStore, collection string, logger *zap.Logger) *Retriever {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Retriever{
		embedder:   embedder,
		store:      store,
		collection: collection,
		chunkSize:  DefaultChunkSize,
		logger:     logger,
	}
}

// Init ensures the collection exists.
func (r *Retriever) Init(ctx context.Context) error {
	dim := uint64(r.embedder.Dimension())
	if dim == 0 {
		dim = 1024
	}
	return r.store.EnsureCollection(ctx, r.collection, dim)
}

// Retrieve embeds query and returns the topK closest passages, best first.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]Passage, error) {
	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	hits, err := r.store.Search(ctx, r.collection, vectors[0], uint64(topK))
	if err != nil {
		return nil, err
	}
	out := make([]Passage, 0, len(hits))
	for _, h := range hits {
		chunk, _ := strconv.Atoi(h.Payload["chunk"])
		out = append(out, Passage{
			Content: h.Payload["content"],
			Source:  h.Payload["source"],
			Chunk:   chunk,
			Score:   h.Score,
		})
	}
	r.logger.Debug("retrieved passages", zap.String("query", query), zap.Int("hits", len(out)))
	return out, nil
}

// Index replaces everything stored for source with the chunks of text and
// returns the number of chunks written.
func (r *Retriever) Index(ctx context.Context, source, text string) (int, error) {
	chunks := Chunk(text, r.chunkSize)
	if len(chunks) == 0 {
		return 0, nil
	}
	vectors, err := r.embedder.Embed(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embed %s: %w", source, err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embed %s: got %d vectors for %d chunks", source, len(vectors), len(chunks))
	}
	if err := r.store.DeleteByField(ctx, r.collection, "source", source); err != nil {
		r.logger.Warn("clearing previous chunks failed", zap.String("source", source), zap.Error(err))
	}

	now := time.Now().UTC().Format(time.RFC3339)
	pts := make([]vectorstore.Point, len(chunks))
	for i, c := range chunks {
		pts[i] = vectorstore.Point{
			ID:     uuid.NewSHA1(uuid.NameSpaceURL, []byte(source+"#"+strconv.Itoa(i))).String(),
			Vector: vectors[i],
			Payload: map[string]string{
				"content":    c,
				"source":     source,
				"chunk":      strconv.Itoa(i),
				"indexed_at": now,
			},
		}
	}
	if err := r.store.Upsert(ctx, r.collection, pts); err != nil {
		return 0, err
	}
	r.logger.Info("document indexed", zap.String("source", source), zap.Int("chunks", len(pts)))
	return len(pts), nil
}

// Chunk splits text on blank lines and packs paragraphs into chunks of at
// most size runes. A paragraph longer than size is split on rune boundaries.
func Chunk(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var chunks []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for utf8.RuneCountInString(para) > size {
			flush()
			runes := []rune(para)
			chunks = append(chunks, string(runes[:size]))
			para = strings.TrimSpace(string(runes[size:]))
		}
		if utf8.RuneCountInString(cur.String())+utf8.RuneCountInString(para)+2 > size {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return chunks
}

// FormatPassages renders passages for the model, with sources to cite.
func FormatPassages(passages []Passage) string {
	var b strings.Builder
	b.WriteString("## Retrieved documents\n\n")
	for i, p := range passages {
		fmt.Fprintf(&b, "%d. [%s#%d] (score: %.2f)\n%s\n\n", i+1, p.Source, p.Chunk, p.Score, p.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
