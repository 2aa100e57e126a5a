package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nikhilbhutani/groundedqa/internal/llm"
)

// ErrEmbeddingUnavailable wraps every failure to produce embeddings: the
// backend could not be initialized, could not be reached, or answered with
// a malformed result.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

const (
	BackendGateway = "gateway"
	BackendHash    = "hash"

	PrecisionFloat32 = "float32"
	PrecisionInt8    = "int8"
)

const initTimeout = time.Minute

// Backend turns a batch of texts into vectors, one per text, in order.
type Backend interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Factory builds the backend. It runs once per Service unless it fails.
type Factory func(ctx context.Context) (Backend, error)

type Config struct {
	Backend    string
	Provider   string
	Model      string
	Device     string
	Precision  string
	Dimensions int
	BatchSize  int
	Lazy       bool
}

type Service struct {
	cfg     Config
	factory Factory

	init    singleflight.Group
	mu      sync.RWMutex
	backend Backend
	dim     int
}

// NewService selects the backend described by cfg. With cfg.Lazy the
// backend is built on first use; otherwise it is built and probed now.
func NewService(ctx context.Context, cfg Config, gw llm.Gateway) (*Service, error) {
	var factory Factory
	switch cfg.Backend {
	case BackendHash:
		factory = func(context.Context) (Backend, error) {
			return NewHashEmbedder(cfg.Dimensions), nil
		}
	case BackendGateway, "":
		if gw == nil {
			return nil, fmt.Errorf("%w: gateway backend needs an llm gateway", ErrEmbeddingUnavailable)
		}
		factory = func(context.Context) (Backend, error) {
			return &gatewayBackend{gateway: gw, provider: cfg.Provider, model: cfg.Model}, nil
		}
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", cfg.Backend)
	}
	return NewServiceWithFactory(ctx, cfg, factory)
}

func NewServiceWithFactory(ctx context.Context, cfg Config, factory Factory) (*Service, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Precision == "" {
		cfg.Precision = PrecisionFloat32
	}

	s := &Service{cfg: cfg, factory: factory}
	if !cfg.Lazy {
		if _, err := s.ensureBackend(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Dimensions reports the vector size, or 0 before the first successful call.
func (s *Service) Dimensions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

func (s *Service) ModelName() string {
	if s.cfg.Backend == BackendHash {
		return fmt.Sprintf("hash-%d", NewHashEmbedder(s.cfg.Dimensions).Dimensions())
	}
	return s.cfg.Model
}

// Warmup forces initialization.
func (s *Service) Warmup(ctx context.Context) error {
	_, err := s.ensureBackend(ctx)
	return err
}

func (s *Service) ensureBackend(ctx context.Context) (Backend, error) {
	s.mu.RLock()
	b := s.backend
	s.mu.RUnlock()
	if b != nil {
		return b, nil
	}

	// The shared init outlives any one caller's deadline; each caller
	// waits on its own context.
	ch := s.init.DoChan("init", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), initTimeout)
		defer cancel()

		s.mu.RLock()
		existing := s.backend
		s.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		backend, err := s.factory(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: init %s backend: %v", ErrEmbeddingUnavailable, s.cfg.Backend, err)
		}

		// Probe once so the dimension is known before any write depends on it.
		probe, err := backend.Embed(ctx, []string{"dimension probe"})
		if err != nil {
			return nil, fmt.Errorf("%w: probe %s backend: %v", ErrEmbeddingUnavailable, s.cfg.Backend, err)
		}
		if len(probe) != 1 || len(probe[0]) == 0 {
			return nil, fmt.Errorf("%w: probe returned no vector", ErrEmbeddingUnavailable)
		}

		s.mu.Lock()
		s.backend = backend
		s.dim = len(probe[0])
		s.mu.Unlock()

		slog.Info("embedding backend ready",
			"backend", s.cfg.Backend,
			"model", s.ModelName(),
			"device", s.cfg.Device,
			"precision", s.cfg.Precision,
			"dimensions", len(probe[0]),
		)
		return backend, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Backend), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, ctx.Err())
	}
}

func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	backend, err := s.ensureBackend(ctx)
	if err != nil {
		return nil, err
	}
	dim := s.Dimensions()

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for start := 0; start < len(texts); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(texts))
		g.Go(func() error {
			vecs, err := backend.Embed(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("%w: embed batch %d: %v", ErrEmbeddingUnavailable, start/s.cfg.BatchSize, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("%w: batch %d returned %d vectors for %d texts",
					ErrEmbeddingUnavailable, start/s.cfg.BatchSize, len(vecs), end-start)
			}
			for i, v := range vecs {
				if len(v) != dim {
					return fmt.Errorf("%w: vector %d has dimension %d, want %d",
						ErrEmbeddingUnavailable, start+i, len(v), dim)
				}
				out[start+i] = s.applyPrecision(v)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embedding returned", ErrEmbeddingUnavailable)
	}
	return embeddings[0], nil
}

func (s *Service) applyPrecision(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	if s.cfg.Precision == PrecisionInt8 {
		quantizeInt8(out)
	}
	return out
}

type gatewayBackend struct {
	gateway  llm.Gateway
	provider string
	model    string
}

func (b *gatewayBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := b.gateway.Embed(ctx, llm.EmbeddingRequest{
		Provider: b.provider,
		Model:    b.model,
		Input:    texts,
	})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}
