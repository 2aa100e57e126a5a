package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/nikhilbhutani/groundedqa/internal/storage"
)

const currentObject = "CURRENT"

// manifest is the content of the CURRENT pointer. Swapping it is the commit
// point of a save: the artifacts it names are written beforehand.
type manifest struct {
	Generation int64  `json:"generation"`
	Vectors    string `json:"vectors"`
	Chunks     string `json:"chunks"`
	Count      int    `json:"count"`
	Dimension  int    `json:"dimension"`
}

// BlobStore keeps each partition as a pair of generation-numbered objects
// under <tenant>/ plus a CURRENT pointer naming the live pair.
type BlobStore struct {
	objects storage.Storage
	bucket  string
}

func NewBlobStore(objects storage.Storage, bucket string) *BlobStore {
	return &BlobStore{objects: objects, bucket: bucket}
}

// loadAttempts bounds how often Load follows a CURRENT pointer that moved
// while it was reading.
const loadAttempts = 3

// errArtifactGone marks an artifact named by CURRENT that no longer exists.
var errArtifactGone = errors.New("artifact missing")

func (s *BlobStore) Load(ctx context.Context, tenantID string) (Snapshot, error) {
	m, err := s.manifest(ctx, tenantID)
	if err != nil {
		return Snapshot{}, err
	}

	for attempt := 1; ; attempt++ {
		if m == nil {
			return Snapshot{}, nil
		}
		snap, err := s.load(ctx, tenantID, m)
		if !errors.Is(err, errArtifactGone) || attempt == loadAttempts {
			return snap, err
		}

		// A concurrent Save removes the previous generation right after
		// swapping CURRENT. Follow the pointer if it moved.
		next, merr := s.manifest(ctx, tenantID)
		if merr != nil {
			return snap, merr
		}
		if next != nil && next.Generation == m.Generation {
			return snap, err
		}
		m = next
	}
}

func (s *BlobStore) load(ctx context.Context, tenantID string, m *manifest) (Snapshot, error) {
	snap := Snapshot{Generation: m.Generation}

	vr, err := s.objects.Download(ctx, s.bucket, path.Join(tenantID, m.Vectors))
	if err != nil {
		return snap, s.missingArtifact(err, m.Vectors)
	}
	dim, vectors, err := decodeVectors(vr)
	vr.Close()
	if err != nil {
		return snap, err
	}

	cr, err := s.objects.Download(ctx, s.bucket, path.Join(tenantID, m.Chunks))
	if err != nil {
		return snap, s.missingArtifact(err, m.Chunks)
	}
	var chunks []Chunk
	err = json.NewDecoder(cr).Decode(&chunks)
	cr.Close()
	if err != nil {
		return snap, fmt.Errorf("%w: decode chunks: %v", ErrIndexCorrupt, err)
	}

	if len(vectors) != len(chunks) || len(vectors) != m.Count || (m.Count > 0 && dim != m.Dimension) {
		return snap, fmt.Errorf("%w: manifest says %d x %d, found %d vectors x %d and %d chunks",
			ErrIndexCorrupt, m.Count, m.Dimension, len(vectors), dim, len(chunks))
	}

	snap.Dimension = dim
	snap.Vectors = vectors
	snap.Chunks = chunks
	return snap, nil
}

func (s *BlobStore) Save(ctx context.Context, tenantID string, snap Snapshot) (int64, error) {
	if len(snap.Vectors) != len(snap.Chunks) {
		return 0, fmt.Errorf("%w: %d vectors, %d chunks", ErrArityMismatch, len(snap.Vectors), len(snap.Chunks))
	}

	prev, err := s.manifest(ctx, tenantID)
	if err != nil && !errors.Is(err, ErrIndexCorrupt) {
		return 0, err
	}
	var gen int64 = 1
	if prev != nil {
		gen = prev.Generation + 1
	}

	m := manifest{
		Generation: gen,
		Vectors:    fmt.Sprintf("vectors-%06d.bin", gen),
		Chunks:     fmt.Sprintf("chunks-%06d.json", gen),
		Count:      len(snap.Vectors),
		Dimension:  snap.Dimension,
	}

	var vbuf bytes.Buffer
	if err := encodeVectors(&vbuf, snap.Dimension, snap.Vectors); err != nil {
		return 0, fmt.Errorf("encode vectors: %w", err)
	}
	if err := s.put(ctx, tenantID, m.Vectors, &vbuf, "application/octet-stream"); err != nil {
		return 0, err
	}

	chunks := snap.Chunks
	if chunks == nil {
		chunks = []Chunk{}
	}
	cdata, err := json.Marshal(chunks)
	if err != nil {
		return 0, fmt.Errorf("encode chunks: %w", err)
	}
	if err := s.put(ctx, tenantID, m.Chunks, bytes.NewReader(cdata), "application/json"); err != nil {
		return 0, err
	}

	mdata, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("encode manifest: %w", err)
	}
	if err := s.put(ctx, tenantID, currentObject, bytes.NewReader(mdata), "application/json"); err != nil {
		return 0, err
	}

	if prev != nil {
		s.removeArtifacts(ctx, tenantID, prev)
	}
	return gen, nil
}

// Clear commits an empty generation so readers holding the old one reload.
func (s *BlobStore) Clear(ctx context.Context, tenantID string) (int64, error) {
	return s.Save(ctx, tenantID, Snapshot{})
}

func (s *BlobStore) Generation(ctx context.Context, tenantID string) (int64, error) {
	m, err := s.manifest(ctx, tenantID)
	if err != nil || m == nil {
		return 0, err
	}
	return m.Generation, nil
}

// manifest returns nil, nil when the partition has never been saved.
func (s *BlobStore) manifest(ctx context.Context, tenantID string) (*manifest, error) {
	r, err := s.objects.Download(ctx, s.bucket, path.Join(tenantID, currentObject))
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s pointer: %w", currentObject, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s pointer: %w", currentObject, err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil || m.Generation <= 0 || m.Vectors == "" || m.Chunks == "" {
		return nil, fmt.Errorf("%w: unreadable %s pointer", ErrIndexCorrupt, currentObject)
	}
	return &m, nil
}

func (s *BlobStore) put(ctx context.Context, tenantID, name string, r io.Reader, contentType string) error {
	if err := s.objects.Upload(ctx, s.bucket, path.Join(tenantID, name), r, contentType); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (s *BlobStore) missingArtifact(err error, name string) error {
	if errors.Is(err, storage.ErrObjectNotFound) {
		return fmt.Errorf("%w: %s %w", ErrIndexCorrupt, name, errArtifactGone)
	}
	return fmt.Errorf("read %s: %w", name, err)
}

func (s *BlobStore) removeArtifacts(ctx context.Context, tenantID string, m *manifest) {
	for _, name := range []string{m.Vectors, m.Chunks} {
		if err := s.objects.Delete(ctx, s.bucket, path.Join(tenantID, name)); err != nil {
			slog.Warn("failed to remove stale index artifact", "tenant_id", tenantID, "object", name, "error", err)
		}
	}
}
