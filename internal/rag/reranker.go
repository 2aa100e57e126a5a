package rag

import (
	"context"
	"slices"

	"github.com/nikhilbhutani/groundedqa/internal/vectorstore"
	"github.com/nikhilbhutani/groundedqa/pkg/tokenizer"
)

// Reranker reorders retrieved chunks. It never adds or drops candidates.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []vectorstore.Chunk) ([]vectorstore.Chunk, error)
}

// LexicalReranker orders candidates by the number of distinct query words
// they contain, case-insensitively. Equal scores keep retrieval order.
type LexicalReranker struct{}

func NewLexicalReranker() *LexicalReranker {
	return &LexicalReranker{}
}

func (LexicalReranker) Rerank(_ context.Context, query string, candidates []vectorstore.Chunk) ([]vectorstore.Chunk, error) {
	if len(candidates) == 0 {
		return []vectorstore.Chunk{}, nil
	}

	queryTerms := tokenizer.Terms(query)
	type scored struct {
		chunk vectorstore.Chunk
		score int
	}
	ranked := make([]scored, len(candidates))
	for i, c := range candidates {
		ranked[i] = scored{chunk: c, score: tokenizer.Overlap(queryTerms, tokenizer.Terms(c.Text))}
	}

	slices.SortStableFunc(ranked, func(a, b scored) int {
		return b.score - a.score
	})

	out := make([]vectorstore.Chunk, len(ranked))
	for i, r := range ranked {
		out[i] = r.chunk
	}
	return out, nil
}
