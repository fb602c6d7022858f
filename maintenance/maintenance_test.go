package maintenance

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucivskvn/openmemory/rank"
	"github.com/lucivskvn/openmemory/store"
)

func openTestRunner(t *testing.T) (*Runner, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRunner(db, rank.DefaultConfig(), nil), db
}

func exec(t *testing.T, db *store.DB, query string, args ...any) {
	t.Helper()
	ctx := context.Background()
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
	require.NoError(t, err)
}

func addMemory(t *testing.T, db *store.DB, id, user string, lastSeen time.Time) {
	t.Helper()
	now := time.Now().UnixMicro()
	exec(t, db, `
		INSERT INTO memories (id, user_id, content, primary_sector, created_at, updated_at, last_seen_at)
		VALUES (?, ?, X'00', 'semantic', ?, ?, ?)`,
		id, user, now, now, lastSeen.UnixMicro())
}

func count(t *testing.T, db *store.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

func TestCleanupOrphanVectors(t *testing.T) {
	r, db := openTestRunner(t)
	ctx := context.Background()

	addMemory(t, db, "kept", "alice", time.Now())
	exec(t, db, `INSERT INTO vectors (memory_id, sector, user_id, dim, vec) VALUES ('kept', 'semantic', 'alice', 1, X'0000803F')`)
	exec(t, db, `INSERT INTO vectors (memory_id, sector, user_id, dim, vec) VALUES ('gone', 'semantic', 'alice', 1, X'0000803F')`)

	report, err := r.CleanupOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, report.Status())
	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, 1, count(t, db, "vectors"))
}

func TestCleanupOrphanWaypoints(t *testing.T) {
	r, db := openTestRunner(t)
	ctx := context.Background()

	addMemory(t, db, "a", "alice", time.Now())
	addMemory(t, db, "b", "alice", time.Now())
	exec(t, db, `INSERT INTO waypoints (src_id, dst_id, user_id, weight, created_at, updated_at) VALUES ('a', 'b', 'alice', 0.5, 0, 0)`)
	exec(t, db, `INSERT INTO waypoints (src_id, dst_id, user_id, weight, created_at, updated_at) VALUES ('a', 'missing', 'alice', 0.5, 0, 0)`)

	_, err := r.CleanupOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, db, "waypoints"))
}

func TestCleanupOrphanTemporalEdges(t *testing.T) {
	r, db := openTestRunner(t)
	ctx := context.Background()

	exec(t, db, `INSERT INTO temporal_facts (id, user_id, subject, predicate, object, valid_from, confidence, last_updated) VALUES ('f1', 'alice', 'e1', 'p', 'o', 0, 1, 0)`)
	exec(t, db, `INSERT INTO temporal_facts (id, user_id, subject, predicate, object, valid_from, confidence, last_updated) VALUES ('f2', 'alice', 'e2', 'p', 'o', 0, 1, 0)`)
	exec(t, db, `INSERT INTO temporal_edges (id, user_id, source_id, target_id, relation_type, valid_from, weight) VALUES ('ok', 'alice', 'e1', 'e2', 'rel', 0, 0.5)`)
	exec(t, db, `INSERT INTO temporal_edges (id, user_id, source_id, target_id, relation_type, valid_from, weight) VALUES ('orphan', 'alice', 'e1', 'phantom', 'rel', 0, 0.5)`)

	_, err := r.CleanupOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, db, "temporal_edges"))
}

func TestCleanupOrphansIdempotent(t *testing.T) {
	r, db := openTestRunner(t)
	ctx := context.Background()

	exec(t, db, `INSERT INTO vectors (memory_id, sector, user_id, dim, vec) VALUES ('gone', 'semantic', 'alice', 1, X'0000803F')`)

	first, err := r.CleanupOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Removed)

	second, err := r.CleanupOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Removed, "second run finds nothing to do")
	assert.Equal(t, StatusSuccess, second.Status())
	assert.Zero(t, count(t, db, "vectors"))
}

func TestCleanupWritesAuditLog(t *testing.T) {
	r, _ := openTestRunner(t)
	ctx := context.Background()

	_, err := r.CleanupOrphans(ctx)
	require.NoError(t, err)

	entries, err := r.Status(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, JobCleanupOrphans, entries[0].Type)
	assert.Equal(t, StatusSuccess, entries[0].Status)
	assert.Contains(t, entries[0].Details, `"type"`)
}

func TestRetrainAllDecaysStaleEdges(t *testing.T) {
	r, db := openTestRunner(t)
	ctx := context.Background()

	now := time.Now()
	addMemory(t, db, "fresh1", "alice", now)
	addMemory(t, db, "fresh2", "alice", now)
	addMemory(t, db, "stale1", "alice", now.Add(-90*24*time.Hour))
	addMemory(t, db, "stale2", "alice", now.Add(-90*24*time.Hour))
	exec(t, db, `INSERT INTO waypoints (src_id, dst_id, user_id, weight, created_at, updated_at) VALUES ('fresh1', 'fresh2', 'alice', 0.5, 0, 0)`)
	exec(t, db, `INSERT INTO waypoints (src_id, dst_id, user_id, weight, created_at, updated_at) VALUES ('stale1', 'stale2', 'alice', 0.5, 0, 0)`)

	report, err := r.RetrainAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, report.Status())
	assert.Equal(t, 1, report.Processed)

	var freshW, staleW float64
	require.NoError(t, db.SQL().QueryRow(`SELECT weight FROM waypoints WHERE src_id = 'fresh1'`).Scan(&freshW))
	require.NoError(t, db.SQL().QueryRow(`SELECT weight FROM waypoints WHERE src_id = 'stale1'`).Scan(&staleW))

	assert.Greater(t, freshW, staleW, "recently co-seen edges keep more weight")
	assert.LessOrEqual(t, freshW, 1.0)
	assert.GreaterOrEqual(t, staleW, 0.0)
}

func TestRetrainAllMultiTenant(t *testing.T) {
	r, db := openTestRunner(t)
	ctx := context.Background()

	addMemory(t, db, "a1", "alice", time.Now())
	addMemory(t, db, "a2", "alice", time.Now())
	addMemory(t, db, "b1", "bob", time.Now())
	addMemory(t, db, "b2", "bob", time.Now())
	exec(t, db, `INSERT INTO waypoints (src_id, dst_id, user_id, weight, created_at, updated_at) VALUES ('a1', 'a2', 'alice', 0.5, 0, 0)`)
	exec(t, db, `INSERT INTO waypoints (src_id, dst_id, user_id, weight, created_at, updated_at) VALUES ('b1', 'b2', 'bob', 0.5, 0, 0)`)

	report, err := r.RetrainAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Zero(t, report.Failed)
}

func TestLogNeverFailsCaller(t *testing.T) {
	r, db := openTestRunner(t)
	ctx := context.Background()

	// Close the database underneath the runner: Log must swallow the error.
	require.NoError(t, db.Close())
	r.Log(ctx, "cleanup_orphans", StatusSuccess, Report{})
}

func TestStatusNewestFirst(t *testing.T) {
	r, _ := openTestRunner(t)
	ctx := context.Background()

	r.Log(ctx, "first", StatusSuccess, Report{})
	r.Log(ctx, "second", StatusFailure, Report{Failed: 1})

	entries, err := r.Status(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Type)
	assert.Equal(t, "first", entries[1].Type)
}

func TestSchedulerRunOnceAndStop(t *testing.T) {
	r, _ := openTestRunner(t)
	s := NewScheduler(r, time.Hour, nil)

	ctx := context.Background()
	s.RunOnce(ctx)

	entries, err := r.Status(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "one log row per job")

	s.Start(ctx)
	s.Start(ctx) // second Start is a no-op
	s.Stop()
	s.Stop() // second Stop is a no-op
}
