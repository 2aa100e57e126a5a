package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// DB is the subset of *pgxpool.Pool used by PgStore.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore keeps partitions in the index_partitions and index_chunks tables.
// A save replaces the rows of one partition and bumps its generation in a
// single transaction.
type PgStore struct {
	db DB
}

func NewPgStore(db DB) *PgStore {
	return &PgStore{db: db}
}

func (s *PgStore) Load(ctx context.Context, tenantID string) (Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var snap Snapshot
	var count int
	err = tx.QueryRow(ctx,
		`SELECT generation, dimension, chunk_count FROM index_partitions WHERE tenant_id = $1`,
		tenantID,
	).Scan(&snap.Generation, &snap.Dimension, &count)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load partition: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT chunk_id, source, position, content, token_count, embedding
		 FROM index_chunks
		 WHERE tenant_id = $1
		 ORDER BY seq`,
		tenantID,
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load chunks: %w", err)
	}
	defer rows.Close()

	snap.Vectors = make([][]float32, 0, count)
	snap.Chunks = make([]Chunk, 0, count)
	for rows.Next() {
		var c Chunk
		var v pgvector.Vector
		if err := rows.Scan(&c.ID, &c.Source, &c.Position, &c.Text, &c.TokenCount, &v); err != nil {
			return Snapshot{Generation: snap.Generation}, fmt.Errorf("%w: scan chunk: %v", ErrIndexCorrupt, err)
		}
		vec := v.Slice()
		if len(vec) != snap.Dimension {
			return Snapshot{Generation: snap.Generation}, fmt.Errorf("%w: chunk %s has %d dimensions, partition has %d",
				ErrIndexCorrupt, c.ID, len(vec), snap.Dimension)
		}
		snap.Vectors = append(snap.Vectors, vec)
		snap.Chunks = append(snap.Chunks, c)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("load chunks: %w", err)
	}
	if len(snap.Chunks) != count {
		return Snapshot{Generation: snap.Generation}, fmt.Errorf("%w: partition lists %d chunks, found %d",
			ErrIndexCorrupt, count, len(snap.Chunks))
	}
	return snap, nil
}

func (s *PgStore) Save(ctx context.Context, tenantID string, snap Snapshot) (int64, error) {
	if len(snap.Vectors) != len(snap.Chunks) {
		return 0, fmt.Errorf("%w: %d vectors, %d chunks", ErrArityMismatch, len(snap.Vectors), len(snap.Chunks))
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// The upsert takes the partition row lock, so concurrent writers to the
	// same tenant queue up behind it.
	var gen int64
	err = tx.QueryRow(ctx,
		`INSERT INTO index_partitions (tenant_id, generation, dimension, chunk_count, updated_at)
		 VALUES ($1, 1, $2, $3, now())
		 ON CONFLICT (tenant_id) DO UPDATE
		 SET generation = index_partitions.generation + 1,
		     dimension = EXCLUDED.dimension,
		     chunk_count = EXCLUDED.chunk_count,
		     updated_at = now()
		 RETURNING generation`,
		tenantID, snap.Dimension, len(snap.Chunks),
	).Scan(&gen)
	if err != nil {
		return 0, fmt.Errorf("bump generation: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM index_chunks WHERE tenant_id = $1`, tenantID); err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}

	if len(snap.Chunks) > 0 {
		batch := &pgx.Batch{}
		for i, c := range snap.Chunks {
			if len(snap.Vectors[i]) != snap.Dimension {
				return 0, fmt.Errorf("%w: vector %d has %d dimensions, want %d",
					ErrDimensionMismatch, i, len(snap.Vectors[i]), snap.Dimension)
			}
			batch.Queue(
				`INSERT INTO index_chunks (tenant_id, seq, chunk_id, source, position, content, token_count, embedding)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				tenantID, i, c.ID, c.Source, c.Position, c.Text, c.TokenCount, pgvector.NewVector(snap.Vectors[i]),
			)
		}
		br := tx.SendBatch(ctx, batch)
		for i := range snap.Chunks {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return 0, fmt.Errorf("insert chunk %d: %w", i, err)
			}
		}
		if err := br.Close(); err != nil {
			return 0, fmt.Errorf("insert chunks: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit partition: %w", err)
	}
	return gen, nil
}

func (s *PgStore) Clear(ctx context.Context, tenantID string) (int64, error) {
	return s.Save(ctx, tenantID, Snapshot{})
}

func (s *PgStore) Generation(ctx context.Context, tenantID string) (int64, error) {
	var gen int64
	err := s.db.QueryRow(ctx, `SELECT generation FROM index_partitions WHERE tenant_id = $1`, tenantID).Scan(&gen)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read generation: %w", err)
	}
	return gen, nil
}
