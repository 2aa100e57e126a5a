// Package app assembles the QA pipeline from configuration. The API, the
// worker and qactl all build their components here.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/groundedqa/internal/cache"
	"github.com/nikhilbhutani/groundedqa/internal/config"
	"github.com/nikhilbhutani/groundedqa/internal/database"
	"github.com/nikhilbhutani/groundedqa/internal/embedding"
	"github.com/nikhilbhutani/groundedqa/internal/llm"
	"github.com/nikhilbhutani/groundedqa/internal/queue"
	"github.com/nikhilbhutani/groundedqa/internal/rag"
	"github.com/nikhilbhutani/groundedqa/internal/storage"
	"github.com/nikhilbhutani/groundedqa/internal/vectorstore"
	"github.com/nikhilbhutani/groundedqa/pkg/chunker"
)

type App struct {
	Config   *config.Config
	Gateway  llm.Gateway
	Embedder *embedding.Service
	Objects  storage.Storage
	Index    *vectorstore.Manager
	Pipeline *rag.Pipeline
	Stager   *queue.Stager
	DB       *pgxpool.Pool // nil unless the postgres backend is used
}

// Option adjusts how the app is built.
type Option func(*options)

type options struct {
	gateway llm.Gateway
	redis   redis.Cmdable
}

// WithGateway replaces the gateway built from the LLM config.
func WithGateway(gw llm.Gateway) Option {
	return func(o *options) { o.gateway = gw }
}

// WithAnswerCache caches answers in Redis for Retrieval.CacheTTL.
func WithAnswerCache(client redis.Cmdable) Option {
	return func(o *options) { o.redis = client }
}

func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	gw := o.gateway
	if gw == nil {
		gw = llm.NewGateway(cfg.LLM)
	}

	emb, err := embedding.NewService(ctx, embedding.Config{
		Backend:    cfg.Embedding.Backend,
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		Device:     cfg.Embedding.Device,
		Precision:  cfg.Embedding.Precision,
		Dimensions: cfg.Embedding.Dimensions,
		BatchSize:  cfg.Embedding.BatchSize,
		Lazy:       cfg.Embedding.Lazy,
	}, gw)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}

	a := &App{Config: cfg, Gateway: gw, Embedder: emb, Objects: objectStorage(cfg)}

	var store vectorstore.Store
	switch cfg.Index.Backend {
	case "postgres":
		pool, err := database.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.DB = pool
		store = vectorstore.NewPgStore(pool)
	default:
		store = vectorstore.NewBlobStore(a.Objects, cfg.Storage.Bucket)
	}

	a.Index = vectorstore.NewManager(store)
	a.Stager = queue.NewStager(a.Objects, cfg.Storage.UploadBucket)

	composer := rag.NewComposer(gw, rag.ComposerConfig{
		Provider:    cfg.LLM.DefaultProvider,
		Model:       cfg.LLM.DefaultModel,
		Temperature: cfg.Retrieval.Temperature,
		Timeout:     cfg.Retrieval.GenerationTimeout,
		MaxPassages: cfg.Retrieval.TopK,
	})

	pipeOpts := rag.Options{
		Chunking: chunker.Options{
			Size:      cfg.Chunking.Size,
			Overlap:   cfg.Chunking.Overlap,
			MinLength: cfg.Chunking.MinLength,
		},
		TopK: cfg.Retrieval.TopK,
	}
	if o.redis != nil && cfg.Retrieval.CacheTTL > 0 {
		pipeOpts.Cache = cache.NewAnswerCache(cache.NewCache(o.redis), cfg.Retrieval.CacheTTL)
	}

	a.Pipeline, err = rag.NewPipeline(emb, a.Index, composer, pipeOpts)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init pipeline: %w", err)
	}
	return a, nil
}

// objectStorage picks Supabase when it is configured and the local
// filesystem under Index.Dir otherwise. Index artifacts and staged uploads
// share it under separate buckets.
func objectStorage(cfg *config.Config) storage.Storage {
	if cfg.Index.Backend == "supabase" || (cfg.Storage.SupabaseURL != "" && cfg.Storage.SupabaseKey != "") {
		return storage.NewSupabaseStorage(cfg.Storage.SupabaseURL, cfg.Storage.SupabaseKey)
	}
	return storage.NewLocalStorage(cfg.Index.Dir)
}

func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
	}
}
