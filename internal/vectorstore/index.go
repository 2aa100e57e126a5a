// Package vectorstore holds per-tenant nearest-neighbour partitions in
// memory and persists them through a Store.
package vectorstore

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrArityMismatch     = errors.New("vectors and chunks differ in length")
	ErrIndexCorrupt      = errors.New("index artifacts corrupt")
)

// Chunk is the payload stored alongside each vector.
type Chunk struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	Position   int    `json:"position"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
}

// Hit is a search result with its squared Euclidean distance to the query.
type Hit struct {
	Chunk    Chunk   `json:"chunk"`
	Distance float32 `json:"distance"`
}

// Index is an exact flat index over one partition. Entries keep their
// insertion order, which also breaks distance ties.
type Index struct {
	mu      sync.RWMutex
	dim     int
	vectors [][]float32
	chunks  []Chunk
}

func NewIndex() *Index {
	return &Index{}
}

// Upsert appends vectors and chunks in lockstep. Either every pair is
// appended or none is.
func (x *Index) Upsert(vectors [][]float32, chunks []Chunk) error {
	if len(vectors) != len(chunks) {
		return fmt.Errorf("%w: %d vectors, %d chunks", ErrArityMismatch, len(vectors), len(chunks))
	}
	if len(vectors) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	dim := x.dim
	if dim == 0 {
		dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) != dim || dim == 0 {
			return fmt.Errorf("%w: vector %d has %d dimensions, index has %d", ErrDimensionMismatch, i, len(v), dim)
		}
	}

	for i, v := range vectors {
		x.vectors = append(x.vectors, slices.Clone(v))
		x.chunks = append(x.chunks, chunks[i])
	}
	x.dim = dim
	return nil
}

// Search returns up to topK chunks nearest to query.
func (x *Index) Search(query []float32, topK int) ([]Chunk, error) {
	hits, err := x.Nearest(query, topK)
	if err != nil {
		return nil, err
	}
	out := make([]Chunk, len(hits))
	for i, h := range hits {
		out[i] = h.Chunk
	}
	return out, nil
}

// Nearest is Search with distances.
func (x *Index) Nearest(query []float32, topK int) ([]Hit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(x.vectors) == 0 || topK <= 0 {
		return []Hit{}, nil
	}
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(query), x.dim)
	}

	type scored struct {
		pos  int
		dist float32
	}
	all := make([]scored, len(x.vectors))
	for i, v := range x.vectors {
		all[i] = scored{pos: i, dist: squaredL2(query, v)}
	}
	// Stable sort keeps insertion order among equal distances.
	slices.SortStableFunc(all, func(a, b scored) int {
		return cmp.Compare(a.dist, b.dist)
	})

	k := min(topK, len(all))
	hits := make([]Hit, k)
	for i := range k {
		hits[i] = Hit{Chunk: x.chunks[all[i].pos], Distance: all[i].dist}
	}
	return hits, nil
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vectors)
}

// Dimension is 0 until the first vector is stored.
func (x *Index) Dimension() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dim
}

// Snapshot copies the partition contents.
func (x *Index) Snapshot() Snapshot {
	x.mu.RLock()
	defer x.mu.RUnlock()

	s := Snapshot{
		Dimension: x.dim,
		Vectors:   make([][]float32, len(x.vectors)),
		Chunks:    slices.Clone(x.chunks),
	}
	for i, v := range x.vectors {
		s.Vectors[i] = slices.Clone(v)
	}
	return s
}

// Reset empties the index and forgets its dimension.
func (x *Index) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.dim = 0
	x.vectors = nil
	x.chunks = nil
}

// FromSnapshot builds an index holding the snapshot contents.
func FromSnapshot(s Snapshot) (*Index, error) {
	x := NewIndex()
	if err := x.Upsert(s.Vectors, s.Chunks); err != nil {
		return nil, err
	}
	if len(s.Vectors) > 0 && s.Dimension != 0 && s.Dimension != x.dim {
		return nil, fmt.Errorf("%w: snapshot declares %d dimensions, vectors have %d", ErrDimensionMismatch, s.Dimension, x.dim)
	}
	return x, nil
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
