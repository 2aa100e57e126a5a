package rag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/groundedqa/internal/embedding"
	"github.com/nikhilbhutani/groundedqa/internal/llm"
	"github.com/nikhilbhutani/groundedqa/internal/storage"
	"github.com/nikhilbhutani/groundedqa/internal/vectorstore"
)

type stubGateway struct {
	mu       sync.Mutex
	requests []llm.ChatRequest
	chat     func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

func (g *stubGateway) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if g.chat != nil {
		return g.chat(ctx, req)
	}
	return &llm.ChatResponse{Provider: "stub", Model: "stub-1", Content: "  grounded answer \n", InputTokens: 10, OutputTokens: 3}, nil
}

func (g *stubGateway) Embed(context.Context, llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	return nil, errors.New("not used")
}

func (g *stubGateway) Provider(name string) (llm.Provider, error) {
	return nil, fmt.Errorf("%w: %s", llm.ErrProviderNotConfigured, name)
}

func (g *stubGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

// switchEmbedder wraps the hash embedding service and fails on demand.
type switchEmbedder struct {
	inner *embedding.Service
	fail  atomic.Bool
	calls atomic.Int32
}

func (e *switchEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	if e.fail.Load() {
		return nil, fmt.Errorf("%w: backend offline", embedding.ErrEmbeddingUnavailable)
	}
	return e.inner.Embed(ctx, texts)
}

func (e *switchEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.fail.Load() {
		return nil, fmt.Errorf("%w: backend offline", embedding.ErrEmbeddingUnavailable)
	}
	return e.inner.EmbedSingle(ctx, text)
}

type memCache struct {
	mu      sync.Mutex
	answers map[string]Answer
}

func (c *memCache) Get(_ context.Context, key string) (*Answer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.answers[key]
	if !ok {
		return nil, false
	}
	return &a, true
}

func (c *memCache) Set(_ context.Context, key string, a *Answer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers[key] = *a
}

type fixture struct {
	pipeline *Pipeline
	gateway  *stubGateway
	embedder *switchEmbedder
	manager  *vectorstore.Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	svc, err := embedding.NewService(context.Background(), embedding.Config{Backend: embedding.BackendHash, Dimensions: 64}, nil)
	require.NoError(t, err)

	gw := &stubGateway{}
	emb := &switchEmbedder{inner: svc}
	mgr := vectorstore.NewManager(vectorstore.NewBlobStore(storage.NewLocalStorage(t.TempDir()), "indexes"))

	p, err := NewPipeline(emb, mgr, NewComposer(gw, ComposerConfig{Temperature: 0.1}), opts)
	require.NoError(t, err)
	return &fixture{pipeline: p, gateway: gw, embedder: emb, manager: mgr}
}
