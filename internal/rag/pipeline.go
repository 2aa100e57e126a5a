// Package rag answers questions from a tenant's indexed documents.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/nikhilbhutani/groundedqa/internal/tenant"
	"github.com/nikhilbhutani/groundedqa/internal/vectorstore"
	"github.com/nikhilbhutani/groundedqa/pkg/chunker"
	"github.com/nikhilbhutani/groundedqa/pkg/textclean"
)

const DefaultTopK = 8

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrGenerationFailure = errors.New("answer generation failed")
)

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
}

// Index is the partition store the pipeline reads and writes.
type Index interface {
	View(ctx context.Context, tenantID string) (*vectorstore.Index, int64, error)
	Append(ctx context.Context, tenantID string, vectors [][]float32, chunks []vectorstore.Chunk) (int64, error)
	Replace(ctx context.Context, tenantID string, vectors [][]float32, chunks []vectorstore.Chunk) (int64, error)
}

// AnswerCache stores answers by key. Implementations must tolerate
// their backend being down; a miss is always acceptable.
type AnswerCache interface {
	Get(ctx context.Context, key string) (*Answer, bool)
	Set(ctx context.Context, key string, answer *Answer)
}

// Document is one source text to index.
type Document struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

type Options struct {
	Chunking chunker.Options
	TopK     int
	Reranker Reranker
	Cache    AnswerCache
}

type Pipeline struct {
	embedder Embedder
	index    Index
	composer *Composer
	reranker Reranker
	cache    AnswerCache
	chunking chunker.Options
	topK     int
}

func NewPipeline(embedder Embedder, index Index, composer *Composer, opts Options) (*Pipeline, error) {
	if opts.Chunking == (chunker.Options{}) {
		opts.Chunking = chunker.DefaultOptions()
	}
	if err := opts.Chunking.Validate(); err != nil {
		return nil, err
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.Reranker == nil {
		opts.Reranker = NewLexicalReranker()
	}
	return &Pipeline{
		embedder: embedder,
		index:    index,
		composer: composer,
		reranker: opts.Reranker,
		cache:    opts.Cache,
		chunking: opts.Chunking,
		topK:     opts.TopK,
	}, nil
}

// Ingest cleans, chunks and embeds rawText and appends it to the tenant's
// partition. It returns the number of chunks added. Nothing is written
// unless every chunk was embedded.
func (p *Pipeline) Ingest(ctx context.Context, tenantID, source, rawText string) (int, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	vectors, chunks, err := p.prepare(ctx, Document{Source: source, Text: rawText})
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	gen, err := p.index.Append(ctx, tenantID, vectors, chunks)
	if err != nil {
		return 0, fmt.Errorf("store chunks: %w", err)
	}

	slog.Info("document ingested", "tenant_id", tenantID, "source", source, "chunks", len(chunks), "generation", gen)
	return len(chunks), nil
}

// Rebuild replaces the tenant's partition with docs. Every document is
// chunked and embedded before the partition is touched, so a failure
// leaves the previous contents in place.
func (p *Pipeline) Rebuild(ctx context.Context, tenantID string, docs []Document) (int, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	var vectors [][]float32
	var chunks []vectorstore.Chunk
	for _, doc := range docs {
		v, c, err := p.prepare(ctx, doc)
		if err != nil {
			return 0, fmt.Errorf("prepare %s: %w", doc.Source, err)
		}
		vectors = append(vectors, v...)
		chunks = append(chunks, c...)
	}

	gen, err := p.index.Replace(ctx, tenantID, vectors, chunks)
	if err != nil {
		return 0, fmt.Errorf("replace partition: %w", err)
	}

	slog.Info("partition rebuilt", "tenant_id", tenantID, "documents", len(docs), "chunks", len(chunks), "generation", gen)
	return len(chunks), nil
}

func (p *Pipeline) prepare(ctx context.Context, doc Document) ([][]float32, []vectorstore.Chunk, error) {
	text := textclean.Normalize(doc.Text)
	pieces, err := chunker.Chunk(text, doc.Source, p.chunking)
	if err != nil {
		return nil, nil, err
	}
	if len(pieces) == 0 {
		return nil, nil, nil
	}

	texts := make([]string, len(pieces))
	for i, c := range pieces {
		texts[i] = c.Content
	}

	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, nil, fmt.Errorf("embed chunks: %w", err)
	}

	chunks := make([]vectorstore.Chunk, len(pieces))
	for i, c := range pieces {
		chunks[i] = vectorstore.Chunk{
			ID:         uuid.NewString(),
			Source:     c.Source,
			Position:   c.Index,
			Text:       c.Content,
			TokenCount: c.TokenCount,
		}
	}
	return vectors, chunks, nil
}

// Ask answers question from the tenant's partition. Only invalid input
// produces an error; retrieval and generation failures are reported as a
// degraded answer.
func (p *Pipeline) Ask(ctx context.Context, tenantID, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is empty", ErrInvalidRequest)
	}
	if err := tenant.Validate(tenantID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	idx, gen, err := p.index.View(ctx, tenantID)
	if err != nil {
		slog.Error("failed to open partition", "tenant_id", tenantID, "error", err)
		a := degraded(fmt.Errorf("index unavailable: %w", err))
		return &a, nil
	}
	if idx.Len() == 0 {
		a := notFound()
		return &a, nil
	}

	key := cacheKey(tenantID, gen, p.topK, question)
	if p.cache != nil {
		if cached, ok := p.cache.Get(ctx, key); ok {
			cached.Cached = true
			return cached, nil
		}
	}

	passages, err := p.retrieve(ctx, idx, question, p.topK)
	if err != nil {
		slog.Warn("retrieval failed", "tenant_id", tenantID, "error", err)
		a := degraded(err)
		return &a, nil
	}

	a := p.composer.Compose(ctx, question, passages)
	if p.cache != nil && !a.Degraded {
		p.cache.Set(ctx, key, &a)
	}
	return &a, nil
}

// Search returns the reranked passages Ask would ground an answer on.
func (p *Pipeline) Search(ctx context.Context, tenantID, query string, topK int) ([]vectorstore.Chunk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is empty", ErrInvalidRequest)
	}
	if err := tenant.Validate(tenantID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if topK <= 0 {
		topK = p.topK
	}

	idx, _, err := p.index.View(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("open partition: %w", err)
	}
	if idx.Len() == 0 {
		return []vectorstore.Chunk{}, nil
	}
	return p.retrieve(ctx, idx, query, topK)
}

func (p *Pipeline) retrieve(ctx context.Context, idx *vectorstore.Index, query string, topK int) ([]vectorstore.Chunk, error) {
	qv, err := p.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	candidates, err := idx.Search(qv, topK)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	ranked, err := p.reranker.Rerank(ctx, query, candidates)
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}
	return ranked, nil
}

// cacheKey changes whenever the partition is rewritten, so cached answers
// never outlive the passages they were grounded on.
func cacheKey(tenantID string, generation int64, topK int, question string) string {
	h := xxhash.Sum64String(fmt.Sprintf("%d\x00%s", topK, strings.ToLower(question)))
	return fmt.Sprintf("%s:%d:%016x", tenantID, generation, h)
}
