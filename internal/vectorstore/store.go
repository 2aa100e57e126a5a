package vectorstore

import "context"

// Snapshot is a point-in-time copy of a partition.
type Snapshot struct {
	Generation int64
	Dimension  int
	Vectors    [][]float32
	Chunks     []Chunk
}

func (s Snapshot) Len() int { return len(s.Vectors) }

// Store persists partitions. Save replaces the whole partition and returns
// the new generation; generations only grow, including across Clear.
//
// Load on a partition that was never saved returns an empty snapshot at
// generation 0. Artifacts that cannot be decoded produce ErrIndexCorrupt
// together with the generation they were read at.
type Store interface {
	Load(ctx context.Context, tenantID string) (Snapshot, error)
	Save(ctx context.Context, tenantID string, snap Snapshot) (int64, error)
	Clear(ctx context.Context, tenantID string) (int64, error)
	Generation(ctx context.Context, tenantID string) (int64, error)
}
