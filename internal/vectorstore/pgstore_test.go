package vectorstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pgChunkRow struct {
	chunk Chunk
	vec   pgvector.Vector
}

type pgPartition struct {
	generation int64
	dimension  int
	count      int
	rows       []pgChunkRow
}

// fakePg keeps the two partition tables in memory. Transactions work on a
// copy that replaces the tables on commit.
type fakePg struct {
	mu         sync.Mutex
	parts      map[string]pgPartition
	failInsert bool
	commits    int
}

func newFakePg() *fakePg {
	return &fakePg{parts: make(map[string]pgPartition)}
}

func (f *fakePg) Begin(ctx context.Context) (pgx.Tx, error) {
	return f.BeginTx(ctx, pgx.TxOptions{})
}

func (f *fakePg) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	work := make(map[string]pgPartition, len(f.parts))
	for k, v := range f.parts {
		work[k] = v
	}
	return &fakeTx{db: f, work: work}, nil
}

func (f *fakePg) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	p, ok := f.parts[args[0].(string)]
	f.mu.Unlock()
	return rowFunc(func(dest ...any) error {
		if !ok {
			return pgx.ErrNoRows
		}
		*dest[0].(*int64) = p.generation
		return nil
	})
}

type rowFunc func(dest ...any) error

func (r rowFunc) Scan(dest ...any) error { return r(dest...) }

type fakeTx struct {
	pgx.Tx
	db     *fakePg
	work   map[string]pgPartition
	closed bool
}

func (tx *fakeTx) Commit(context.Context) error {
	if tx.closed {
		return pgx.ErrTxClosed
	}
	tx.closed = true
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	tx.db.parts = tx.work
	tx.db.commits++
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	if tx.closed {
		return pgx.ErrTxClosed
	}
	tx.closed = true
	return nil
}

func (tx *fakeTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	tenantID := args[0].(string)
	p, ok := tx.work[tenantID]

	switch {
	case strings.Contains(sql, "INSERT INTO index_partitions"):
		if ok {
			p.generation++
		} else {
			p.generation = 1
		}
		p.dimension = args[1].(int)
		p.count = args[2].(int)
		tx.work[tenantID] = p
		return rowFunc(func(dest ...any) error {
			*dest[0].(*int64) = p.generation
			return nil
		})
	case strings.Contains(sql, "FROM index_partitions"):
		return rowFunc(func(dest ...any) error {
			if !ok {
				return pgx.ErrNoRows
			}
			*dest[0].(*int64) = p.generation
			*dest[1].(*int) = p.dimension
			*dest[2].(*int) = p.count
			return nil
		})
	}
	return rowFunc(func(...any) error { return errors.New("unexpected query: " + sql) })
}

func (tx *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if !strings.HasPrefix(sql, "DELETE FROM index_chunks") {
		return pgconn.CommandTag{}, errors.New("unexpected exec: " + sql)
	}
	tenantID := args[0].(string)
	p := tx.work[tenantID]
	p.rows = nil
	tx.work[tenantID] = p
	return pgconn.NewCommandTag("DELETE"), nil
}

func (tx *fakeTx) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	res := &fakeBatch{}
	for _, q := range b.QueuedQueries {
		if tx.db.failInsert {
			res.errs = append(res.errs, errors.New("insert failed"))
			continue
		}
		a := q.Arguments
		tenantID := a[0].(string)
		p := tx.work[tenantID]
		p.rows = append(append([]pgChunkRow(nil), p.rows...), pgChunkRow{
			chunk: Chunk{
				ID:         a[2].(string),
				Source:     a[3].(string),
				Position:   a[4].(int),
				Text:       a[5].(string),
				TokenCount: a[6].(int),
			},
			vec: a[7].(pgvector.Vector),
		})
		tx.work[tenantID] = p
		res.errs = append(res.errs, nil)
	}
	return res
}

func (tx *fakeTx) Query(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
	return &fakeRows{rows: tx.work[args[0].(string)].rows, pos: -1}, nil
}

type fakeBatch struct {
	pgx.BatchResults
	errs []error
	next int
}

func (b *fakeBatch) Exec() (pgconn.CommandTag, error) {
	err := b.errs[b.next]
	b.next++
	return pgconn.NewCommandTag("INSERT 0 1"), err
}

func (b *fakeBatch) Close() error { return nil }

type fakeRows struct {
	pgx.Rows
	rows []pgChunkRow
	pos  int
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos < len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos]
	*dest[0].(*string) = row.chunk.ID
	*dest[1].(*string) = row.chunk.Source
	*dest[2].(*int) = row.chunk.Position
	*dest[3].(*string) = row.chunk.Text
	*dest[4].(*int) = row.chunk.TokenCount
	*dest[5].(*pgvector.Vector) = row.vec
	return nil
}

func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}

func TestPgStore_MissingPartitionIsEmpty(t *testing.T) {
	s := NewPgStore(newFakePg())
	ctx := context.Background()

	snap, err := s.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())

	gen, err := s.Generation(ctx, "acme")
	require.NoError(t, err)
	assert.Zero(t, gen)
}

func TestPgStore_RoundTrip(t *testing.T) {
	db := newFakePg()
	s := NewPgStore(db)
	ctx := context.Background()

	in := Snapshot{
		Dimension: 3,
		Vectors:   [][]float32{{0.1, -0.2, 0.3}, {1, 2, 3}},
		Chunks:    chunksFor("alpha", "beta"),
	}
	gen, err := s.Save(ctx, "acme", in)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)

	out, err := s.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Generation)
	assert.Equal(t, in.Dimension, out.Dimension)
	assert.Equal(t, in.Vectors, out.Vectors)
	assert.Equal(t, in.Chunks, out.Chunks)

	gen, err = s.Save(ctx, "acme", Snapshot{Dimension: 3, Vectors: in.Vectors[:1], Chunks: in.Chunks[:1]})
	require.NoError(t, err)
	assert.Equal(t, int64(2), gen)

	out, err = s.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, texts(out.Chunks))

	gen, err = s.Generation(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(2), gen)
	assert.Equal(t, 2, db.commits)
}

func TestPgStore_ClearBumpsGeneration(t *testing.T) {
	s := NewPgStore(newFakePg())
	ctx := context.Background()

	_, err := s.Save(ctx, "acme", Snapshot{Dimension: 1, Vectors: [][]float32{{1}}, Chunks: chunksFor("a")})
	require.NoError(t, err)

	gen, err := s.Clear(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(2), gen)

	snap, err := s.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())
	assert.Equal(t, int64(2), snap.Generation)
}

func TestPgStore_FailedInsertKeepsPreviousGeneration(t *testing.T) {
	db := newFakePg()
	s := NewPgStore(db)
	ctx := context.Background()

	_, err := s.Save(ctx, "acme", Snapshot{Dimension: 1, Vectors: [][]float32{{1}}, Chunks: chunksFor("kept")})
	require.NoError(t, err)

	db.failInsert = true
	_, err = s.Save(ctx, "acme", Snapshot{Dimension: 1, Vectors: [][]float32{{2}}, Chunks: chunksFor("lost")})
	require.Error(t, err)

	snap, err := s.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Generation)
	assert.Equal(t, []string{"kept"}, texts(snap.Chunks))
}

func TestPgStore_SaveRejectsBadSnapshots(t *testing.T) {
	s := NewPgStore(newFakePg())
	ctx := context.Background()

	_, err := s.Save(ctx, "acme", Snapshot{Dimension: 1, Vectors: [][]float32{{1}}, Chunks: chunksFor("a", "b")})
	assert.ErrorIs(t, err, ErrArityMismatch)

	_, err = s.Save(ctx, "acme", Snapshot{Dimension: 2, Vectors: [][]float32{{1, 2}, {3}}, Chunks: chunksFor("a", "b")})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	gen, err := s.Generation(ctx, "acme")
	require.NoError(t, err)
	assert.Zero(t, gen)
}

func TestPgStore_Corruption(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(p *pgPartition)
	}{
		{"chunk count mismatch", func(p *pgPartition) { p.count = 3 }},
		{"dimension mismatch", func(p *pgPartition) { p.rows[1].vec = pgvector.NewVector([]float32{1}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newFakePg()
			s := NewPgStore(db)
			ctx := context.Background()
			_, err := s.Save(ctx, "acme", Snapshot{
				Dimension: 2,
				Vectors:   [][]float32{{1, 2}, {3, 4}},
				Chunks:    chunksFor("a", "b"),
			})
			require.NoError(t, err)

			p := db.parts["acme"]
			p.rows = append([]pgChunkRow(nil), p.rows...)
			tt.corrupt(&p)
			db.parts["acme"] = p

			snap, err := s.Load(ctx, "acme")
			assert.ErrorIs(t, err, ErrIndexCorrupt)
			assert.Equal(t, int64(1), snap.Generation)
		})
	}
}

func TestPgStore_BacksManager(t *testing.T) {
	m := NewManager(NewPgStore(newFakePg()))
	ctx := context.Background()

	_, err := m.Append(ctx, "acme", [][]float32{{0, 0}, {3, 4}}, chunksFor("zero", "five"))
	require.NoError(t, err)

	hits, err := m.Search(ctx, "acme", []float32{3, 3}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "five", hits[0].Chunk.Text)
}
