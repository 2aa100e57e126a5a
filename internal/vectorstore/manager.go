package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nikhilbhutani/groundedqa/internal/tenant"
)

// Stats describes a partition as seen by this process.
type Stats struct {
	TenantID   string `json:"tenant_id"`
	Chunks     int    `json:"chunks"`
	Dimension  int    `json:"dimension"`
	Generation int64  `json:"generation"`
}

type partition struct {
	mu         sync.Mutex // serializes loads and writes
	index      atomic.Pointer[Index]
	generation int64
	loaded     bool
}

// Manager owns the in-memory partitions of every tenant. Partitions load
// lazily and reload when the store reports a generation this process has
// not seen. Writes build a new index next to the live one and swap it in
// only after the store accepted it, so a failed save changes nothing.
type Manager struct {
	store Store

	mu    sync.Mutex
	parts map[string]*partition
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, parts: make(map[string]*partition)}
}

func (m *Manager) partition(tenantID string) *partition {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parts[tenantID]
	if !ok {
		p = &partition{}
		p.index.Store(NewIndex())
		m.parts[tenantID] = p
	}
	return p
}

// View returns the current index of a partition and the generation it
// reflects. The returned index must be treated as read-only.
func (m *Manager) View(ctx context.Context, tenantID string) (*Index, int64, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, 0, err
	}
	p := m.partition(tenantID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := m.refresh(ctx, tenantID, p); err != nil {
		return nil, 0, err
	}
	return p.index.Load(), p.generation, nil
}

func (m *Manager) Search(ctx context.Context, tenantID string, query []float32, topK int) ([]Hit, error) {
	idx, _, err := m.View(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return idx.Nearest(query, topK)
}

func (m *Manager) Stats(ctx context.Context, tenantID string) (Stats, error) {
	idx, gen, err := m.View(ctx, tenantID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{TenantID: tenantID, Chunks: idx.Len(), Dimension: idx.Dimension(), Generation: gen}, nil
}

// Append adds vectors and chunks to the partition and persists the result.
func (m *Manager) Append(ctx context.Context, tenantID string, vectors [][]float32, chunks []Chunk) (int64, error) {
	return m.write(ctx, tenantID, func(current *Index) (*Index, error) {
		next, err := FromSnapshot(current.Snapshot())
		if err != nil {
			return nil, err
		}
		if err := next.Upsert(vectors, chunks); err != nil {
			return nil, err
		}
		return next, nil
	})
}

// Replace swaps the whole partition for the given contents. An empty
// input clears it.
func (m *Manager) Replace(ctx context.Context, tenantID string, vectors [][]float32, chunks []Chunk) (int64, error) {
	return m.write(ctx, tenantID, func(*Index) (*Index, error) {
		next := NewIndex()
		if err := next.Upsert(vectors, chunks); err != nil {
			return nil, err
		}
		return next, nil
	})
}

func (m *Manager) Clear(ctx context.Context, tenantID string) (int64, error) {
	return m.Replace(ctx, tenantID, nil, nil)
}

func (m *Manager) write(ctx context.Context, tenantID string, build func(current *Index) (*Index, error)) (int64, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return 0, err
	}
	p := m.partition(tenantID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := m.refresh(ctx, tenantID, p); err != nil {
		return 0, err
	}

	next, err := build(p.index.Load())
	if err != nil {
		return 0, err
	}

	snap := next.Snapshot()
	gen, err := m.store.Save(ctx, tenantID, snap)
	if err != nil {
		return 0, fmt.Errorf("persist partition: %w", err)
	}

	p.index.Store(next)
	p.generation = gen
	p.loaded = true
	slog.Debug("partition saved", "tenant_id", tenantID, "generation", gen, "chunks", snap.Len())
	return gen, nil
}

// refresh must be called with p.mu held.
func (m *Manager) refresh(ctx context.Context, tenantID string, p *partition) error {
	gen, err := m.store.Generation(ctx, tenantID)
	if err != nil && !errors.Is(err, ErrIndexCorrupt) {
		return fmt.Errorf("read partition generation: %w", err)
	}
	if p.loaded && gen == p.generation {
		return nil
	}

	snap, err := m.store.Load(ctx, tenantID)
	switch {
	case errors.Is(err, ErrIndexCorrupt):
		slog.Error("index partition corrupt, serving it as empty", "tenant_id", tenantID, "generation", snap.Generation, "error", err)
		p.index.Store(NewIndex())
		p.generation = snap.Generation
		p.loaded = true
		return nil
	case err != nil:
		return fmt.Errorf("load partition: %w", err)
	}

	idx, err := FromSnapshot(snap)
	if err != nil {
		slog.Error("index partition corrupt, serving it as empty", "tenant_id", tenantID, "generation", snap.Generation, "error", err)
		idx = NewIndex()
	}
	p.index.Store(idx)
	p.generation = snap.Generation
	p.loaded = true
	slog.Info("partition loaded", "tenant_id", tenantID, "generation", snap.Generation, "chunks", idx.Len())
	return nil
}
