// Package vectorstore provides durable storage and nearest-neighbor retrieval
// of per-sector embedding vectors, filterable by tenant and sector.
//
// Retrieval is an exact linear scan over the tenant's working set for the
// requested sector. A Roaring bitmap posting cache (tenant × sector → row
// set) narrows the scan to relevant rows without a full table walk; the cache
// is invalidated on writes and rebuilt lazily on the next search.
package vectorstore

import (
	"container/heap"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/lucivskvn/openmemory/compress"
	"github.com/lucivskvn/openmemory/distance"
	"github.com/lucivskvn/openmemory/store"
)

// ErrInvalidK is returned when k is not positive.
var ErrInvalidK = errors.New("k must be positive")

// ErrDimensionMismatch indicates a vector/sector dimensionality mismatch.
type ErrDimensionMismatch struct {
	Sector   string
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch for sector %q: expected %d, got %d", e.Sector, e.Expected, e.Actual)
}

// ErrUnknownSector indicates a sector with no configured model dimension.
type ErrUnknownSector struct {
	Sector string
}

func (e *ErrUnknownSector) Error() string {
	return fmt.Sprintf("unknown sector %q", e.Sector)
}

// Filters restricts a search to matching rows. UserID is mandatory: a search
// never crosses tenant boundaries.
type Filters struct {
	UserID string
}

// Result is a single search candidate.
type Result struct {
	MemoryID   string
	Sector     string
	Similarity float32
	LastSeenAt time.Time
}

// SectorStats summarizes one tenant's rows in a sector.
type SectorStats struct {
	Sector    string
	Count     int
	Dimension int
}

// Store persists sector vectors in the embedded database.
type Store struct {
	db      *store.DB
	sectors map[string]int // sector name -> configured model dimension
	codec   *compress.Codec
	metric  distance.Metric
	// score compares a query vector with a stored one; higher always
	// means closer, whatever the metric.
	score distance.Func

	mu       sync.Mutex
	postings map[postingKey]*roaring64.Bitmap
}

type postingKey struct {
	userID string
	sector string
}

// Option configures a Store.
type Option func(*Store)

// WithMetric selects the comparison metric for searches. The default
// is cosine similarity.
func WithMetric(m distance.Metric) Option {
	return func(s *Store) { s.metric = m }
}

// New creates a sector vector store. sectors maps each configured sector to
// its model dimension; codec (optional) produces compact summaries stored
// alongside the full vector.
func New(db *store.DB, sectors map[string]int, codec *compress.Codec, opts ...Option) (*Store, error) {
	s := &Store{
		db:       db,
		sectors:  sectors,
		codec:    codec,
		metric:   distance.MetricCosine,
		postings: make(map[postingKey]*roaring64.Bitmap),
	}
	for _, opt := range opts {
		opt(s)
	}
	fn, err := distance.Provider(s.metric)
	if err != nil {
		return nil, err
	}
	if s.metric == distance.MetricL2 {
		// SquaredL2 is a distance; negate so the heap ordering still
		// treats higher scores as closer.
		l2 := fn
		fn = func(a, b []float32) float32 { return -l2(a, b) }
	}
	s.score = fn
	return s, nil
}

func (s *Store) checkDimension(sector string, vec []float32, dim int) error {
	if len(vec) != dim {
		return &ErrDimensionMismatch{Sector: sector, Expected: dim, Actual: len(vec)}
	}
	configured, ok := s.sectors[sector]
	if !ok {
		return &ErrUnknownSector{Sector: sector}
	}
	if dim != configured {
		return &ErrDimensionMismatch{Sector: sector, Expected: configured, Actual: dim}
	}
	return nil
}

// StoreVector upserts the vector for (id, sector) in its own transaction.
func (s *Store) StoreVector(ctx context.Context, id, sector string, vec []float32, dim int, userID string) error {
	if err := s.checkDimension(sector, vec, dim); err != nil {
		return err
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.StoreVectorTx(ctx, tx, id, sector, vec, dim, userID)
	})
}

// StoreVectorTx upserts the vector for (id, sector) inside the caller's
// transaction, so ingestion can write the memory row and its vectors
// atomically. Any existing row for the pair is replaced.
func (s *Store) StoreVectorTx(ctx context.Context, tx *sql.Tx, id, sector string, vec []float32, dim int, userID string) error {
	if err := s.checkDimension(sector, vec, dim); err != nil {
		return err
	}

	var summary []byte
	if s.codec != nil {
		summary = s.codec.Encode(s.codec.Summarize(vec))
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO vectors (memory_id, sector, user_id, dim, vec, summary)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(memory_id, sector) DO UPDATE SET
			user_id = excluded.user_id,
			dim     = excluded.dim,
			vec     = excluded.vec,
			summary = excluded.summary`,
		id, sector, userID, dim, EncodeVector(vec), summary,
	)
	if err != nil {
		return fmt.Errorf("store vector (%s, %s): %w", id, sector, err)
	}

	s.invalidate(userID, sector)
	return nil
}

// DeleteVectors removes all sector rows for the given memory ids. Deleting a
// non-existent id is not an error; the operation is idempotent.
func (s *Store) DeleteVectors(ctx context.Context, ids ...string) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.DeleteVectorsTx(ctx, tx, ids...)
	})
}

// DeleteVectorsTx is DeleteVectors inside the caller's transaction.
func (s *Store) DeleteVectorsTx(ctx context.Context, tx *sql.Tx, ids ...string) error {
	for _, id := range ids {
		rows, err := tx.QueryContext(ctx,
			`DELETE FROM vectors WHERE memory_id = ? RETURNING user_id, sector`, id)
		if err != nil {
			return fmt.Errorf("delete vectors for %s: %w", id, err)
		}
		type affected struct{ user, sector string }
		var touched []affected
		for rows.Next() {
			var a affected
			if err := rows.Scan(&a.user, &a.sector); err != nil {
				rows.Close()
				return err
			}
			touched = append(touched, a)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		for _, a := range touched {
			s.invalidate(a.user, a.sector)
		}
	}
	return nil
}

// Search returns up to k candidates for query in the given sector, restricted
// to the filter's tenant, ordered by descending similarity under the
// configured metric with ties broken by most recent last_seen_at.
func (s *Store) Search(ctx context.Context, query []float32, sector string, k int, f Filters) ([]Result, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	configured, ok := s.sectors[sector]
	if !ok {
		return nil, &ErrUnknownSector{Sector: sector}
	}
	if len(query) != configured {
		return nil, &ErrDimensionMismatch{Sector: sector, Expected: configured, Actual: len(query)}
	}
	if f.UserID == "" {
		return nil, errors.New("search requires a tenant filter")
	}

	bm, err := s.posting(ctx, f.UserID, sector)
	if err != nil {
		return nil, err
	}

	// Summaries estimate cosine similarity, so the pre-filter only
	// applies under that metric.
	var querySummary []byte
	if s.metric == distance.MetricCosine && s.codec != nil && s.codec.TargetDim > 0 {
		querySummary = s.codec.Encode(s.codec.Summarize(query))
	}

	h := &resultHeap{}
	heap.Init(h)

	const batchSize = 256
	batch := make([]uint64, 0, batchSize)
	it := bm.Iterator()
	for {
		batch = batch[:0]
		for it.HasNext() && len(batch) < batchSize {
			batch = append(batch, it.Next())
		}
		if len(batch) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.scanBatch(ctx, batch, query, querySummary, sector, f.UserID, k, h); err != nil {
			return nil, err
		}
	}

	// Drain the min-heap into descending order.
	out := make([]Result, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Result)
	}
	return out, nil
}

// summarySlack absorbs the distortion of fold-and-quantize summaries.
// The coarse estimate only prunes rows that trail the current heap floor
// by more than this margin, so borderline candidates always reach the
// exact cosine.
const summarySlack = 0.25

func (s *Store) scanBatch(ctx context.Context, rowids []uint64, query []float32, querySummary []byte, sector, userID string, k int, h *resultHeap) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(rowids)), ",")
	args := make([]any, 0, len(rowids)+2)
	for _, rid := range rowids {
		args = append(args, int64(rid))
	}
	args = append(args, userID, sector)

	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT v.memory_id, v.vec, v.summary, m.last_seen_at
		FROM vectors v
		JOIN memories m ON m.id = v.memory_id
		WHERE v.rowid IN (`+placeholders+`) AND v.user_id = ? AND v.sector = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("scan vectors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			memoryID string
			blob     []byte
			summary  []byte
			lastSeen int64
		)
		if err := rows.Scan(&memoryID, &blob, &summary, &lastSeen); err != nil {
			return err
		}
		if h.Len() == k && len(querySummary) > 0 && len(summary) > 0 {
			approx := s.codec.ApproxSimilarity(querySummary, summary)
			if approx+summarySlack < (*h)[0].Similarity {
				continue
			}
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			return fmt.Errorf("decode vector for %s: %w", memoryID, err)
		}
		if len(vec) != len(query) {
			// Row written under a different model dimension; skip rather
			// than poison the whole query.
			continue
		}
		res := Result{
			MemoryID:   memoryID,
			Sector:     sector,
			Similarity: s.score(query, vec),
			LastSeenAt: time.UnixMicro(lastSeen),
		}
		if h.Len() < k {
			heap.Push(h, res)
		} else if resultLess((*h)[0], res) {
			(*h)[0] = res
			heap.Fix(h, 0)
		}
	}
	return rows.Err()
}

// SectorStats returns per-sector row counts and dimensions for a tenant.
func (s *Store) SectorStats(ctx context.Context, userID string) ([]SectorStats, error) {
	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT sector, COUNT(*), MAX(dim)
		FROM vectors WHERE user_id = ?
		GROUP BY sector ORDER BY sector`, userID)
	if err != nil {
		return nil, fmt.Errorf("sector stats: %w", err)
	}
	defer rows.Close()

	var out []SectorStats
	for rows.Next() {
		var st SectorStats
		if err := rows.Scan(&st.Sector, &st.Count, &st.Dimension); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// posting returns the cached row-set bitmap for (userID, sector), building it
// from the database when absent.
func (s *Store) posting(ctx context.Context, userID, sector string) (*roaring64.Bitmap, error) {
	key := postingKey{userID: userID, sector: sector}

	s.mu.Lock()
	if bm, ok := s.postings[key]; ok {
		// Clone so the scan can proceed without holding the lock.
		clone := bm.Clone()
		s.mu.Unlock()
		return clone, nil
	}
	s.mu.Unlock()

	bm := roaring64.New()
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT rowid FROM vectors WHERE user_id = ? AND sector = ?`, userID, sector)
	if err != nil {
		return nil, fmt.Errorf("build posting list: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rid int64
		if err := rows.Scan(&rid); err != nil {
			return nil, err
		}
		bm.Add(uint64(rid))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.postings[key] = bm
	clone := bm.Clone()
	s.mu.Unlock()
	return clone, nil
}

func (s *Store) invalidate(userID, sector string) {
	s.mu.Lock()
	delete(s.postings, postingKey{userID: userID, sector: sector})
	s.mu.Unlock()
}

// resultLess orders results ascending for the min-heap: lower similarity
// first, older last_seen_at first on ties.
func resultLess(a, b Result) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity < b.Similarity
	}
	return a.LastSeenAt.Before(b.LastSeenAt)
}

type resultHeap []Result

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return resultLess(h[i], h[j]) }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)        { *h = append(*h, x.(Result)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
