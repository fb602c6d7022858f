// Package maintenance provides the background jobs that keep derived
// structures correct: orphan cleanup, waypoint retraining and the append-only
// audit log of every run.
//
// Jobs are idempotent and safe to run concurrently with ingestion: they work
// on snapshots of candidate ids in small batches, each batch in its own short
// transaction, paced by a rate limiter so cleanup never starves foreground
// writes.
package maintenance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lucivskvn/openmemory/rank"
	"github.com/lucivskvn/openmemory/store"
)

// Status of a maintenance run.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Job type names recorded in the audit log.
const (
	JobCleanupOrphans = "cleanup_orphans"
	JobRetrainAll     = "retrain_all"
)

// Report summarizes one job run.
type Report struct {
	Type      string   `json:"type"`
	Processed int      `json:"processed"`
	Removed   int      `json:"removed,omitempty"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// Status returns the aggregate status: success only with zero item failures.
func (r Report) Status() string {
	if r.Failed > 0 {
		return StatusFailure
	}
	return StatusSuccess
}

// LogEntry is one row of the append-only audit trail.
type LogEntry struct {
	ID        int64
	Type      string
	Status    string
	Details   string
	Timestamp time.Time
}

// Runner executes maintenance jobs against the embedded store.
type Runner struct {
	db      *store.DB
	rankCfg rank.Config
	logger  *slog.Logger
	limiter *rate.Limiter
	now     func() time.Time

	// batchSize bounds rows touched per transaction.
	batchSize int
}

// NewRunner creates a maintenance runner. rankCfg supplies the decay model
// used when retraining waypoint weights. A nil logger discards output.
func NewRunner(db *store.DB, rankCfg rank.Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		db:      db,
		rankCfg: rankCfg,
		logger:  logger,
		// 20 batches/s steady state keeps background churn negligible.
		limiter:   rate.NewLimiter(rate.Limit(20), 5),
		now:       time.Now,
		batchSize: 256,
	}
}

// CleanupOrphans removes sector vectors and waypoint/temporal edges whose
// referenced memory or fact no longer exists. Running it twice produces the
// same end state as running it once.
func (r *Runner) CleanupOrphans(ctx context.Context) (Report, error) {
	report := Report{Type: JobCleanupOrphans}

	steps := []struct {
		name string
		fn   func(context.Context) (int, error)
	}{
		{"vectors", r.cleanupOrphanVectors},
		{"waypoints", r.cleanupOrphanWaypoints},
		{"temporal_edges", r.cleanupOrphanTemporalEdges},
	}
	for _, step := range steps {
		removed, err := step.fn(ctx)
		report.Processed++
		report.Removed += removed
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", step.name, err))
			r.logger.ErrorContext(ctx, "orphan cleanup step failed", "step", step.name, "error", err)
			continue
		}
		if removed > 0 {
			r.logger.InfoContext(ctx, "orphans removed", "step", step.name, "count", removed)
		}
	}

	r.Log(ctx, JobCleanupOrphans, report.Status(), report)
	return report, nil
}

// cleanupOrphanVectors deletes vector rows whose owning memory is gone.
func (r *Runner) cleanupOrphanVectors(ctx context.Context) (int, error) {
	return r.batchedDelete(ctx, `
		SELECT v.rowid FROM vectors v
		LEFT JOIN memories m ON m.id = v.memory_id
		WHERE m.id IS NULL
		LIMIT ?`, "vectors")
}

// cleanupOrphanWaypoints deletes edges whose src or dst memory is gone.
func (r *Runner) cleanupOrphanWaypoints(ctx context.Context) (int, error) {
	return r.batchedDelete(ctx, `
		SELECT w.rowid FROM waypoints w
		LEFT JOIN memories ms ON ms.id = w.src_id
		LEFT JOIN memories md ON md.id = w.dst_id
		WHERE ms.id IS NULL OR md.id IS NULL
		LIMIT ?`, "waypoints")
}

// cleanupOrphanTemporalEdges deletes edge versions referencing entities that
// no longer appear as the subject of any fact version for the tenant.
func (r *Runner) cleanupOrphanTemporalEdges(ctx context.Context) (int, error) {
	return r.batchedDelete(ctx, `
		SELECT e.rowid FROM temporal_edges e
		WHERE NOT EXISTS (
			SELECT 1 FROM temporal_facts f
			WHERE f.user_id = e.user_id AND f.subject = e.source_id
		) OR NOT EXISTS (
			SELECT 1 FROM temporal_facts f
			WHERE f.user_id = e.user_id AND f.subject = e.target_id
		)
		LIMIT ?`, "temporal_edges")
}

// batchedDelete snapshots candidate rowids and deletes them in short
// transactions until no candidates remain.
func (r *Runner) batchedDelete(ctx context.Context, candidateQuery, table string) (int, error) {
	total := 0
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return total, err
		}

		rows, err := r.db.SQL().QueryContext(ctx, candidateQuery, r.batchSize)
		if err != nil {
			return total, fmt.Errorf("snapshot %s orphans: %w", table, err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return total, err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return total, err
		}
		rows.Close()

		if len(ids) == 0 {
			return total, nil
		}

		err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
			args := make([]any, len(ids))
			for i, id := range ids {
				args[i] = id
			}
			_, err := tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE rowid IN (`+placeholders+`)`, args...)
			return err
		})
		if err != nil {
			return total, fmt.Errorf("delete %s orphans: %w", table, err)
		}
		total += len(ids)

		if len(ids) < r.batchSize {
			return total, nil
		}
	}
}

// RetrainAll recomputes waypoint weights from co-access recency. Tenants are
// processed in parallel workers; an individual tenant's failure is recorded
// and does not stop the others. One audit row covers the whole run, with
// status success only when zero tenants failed.
func (r *Runner) RetrainAll(ctx context.Context) (Report, error) {
	report := Report{Type: JobRetrainAll}

	rows, err := r.db.SQL().QueryContext(ctx, `SELECT DISTINCT user_id FROM waypoints`)
	if err != nil {
		return report, fmt.Errorf("list tenants: %w", err)
	}
	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return report, err
		}
		tenants = append(tenants, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return report, err
	}
	rows.Close()

	type outcome struct {
		tenant string
		err    error
	}
	results := make([]outcome, len(tenants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, tenant := range tenants {
		g.Go(func() error {
			// Per-tenant failures are collected, not propagated: one bad
			// tenant must not abort the run.
			results[i] = outcome{tenant: tenant, err: r.retrainTenant(gctx, tenant)}
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		report.Processed++
		if res.err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("tenant %s: %v", res.tenant, res.err))
			r.logger.ErrorContext(ctx, "waypoint retrain failed", "tenant", res.tenant, "error", res.err)
		}
	}

	r.Log(ctx, JobRetrainAll, report.Status(), report)
	return report, nil
}

// retrainTenant ages every edge of one tenant toward the co-access recency of
// its endpoints: recently co-seen pairs keep their weight, stale pairs decay.
func (r *Runner) retrainTenant(ctx context.Context, tenant string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	type edgeRow struct {
		src, dst string
		weight   float64
		lastSeen int64 // most recent last_seen_at of the two endpoints
	}

	rows, err := r.db.SQL().QueryContext(ctx, `
		SELECT w.src_id, w.dst_id, w.weight,
			MAX(COALESCE(ms.last_seen_at, 0), COALESCE(md.last_seen_at, 0))
		FROM waypoints w
		LEFT JOIN memories ms ON ms.id = w.src_id
		LEFT JOIN memories md ON md.id = w.dst_id
		WHERE w.user_id = ?`, tenant)
	if err != nil {
		return fmt.Errorf("load edges: %w", err)
	}
	var edges []edgeRow
	for rows.Next() {
		var e edgeRow
		if err := rows.Scan(&e.src, &e.dst, &e.weight, &e.lastSeen); err != nil {
			rows.Close()
			return err
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	now := r.now()
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		ts := now.UnixMicro()
		for _, e := range edges {
			recency := rank.Decay(time.UnixMicro(e.lastSeen), now, r.rankCfg.HalfLife)
			weight := 0.9*e.weight + 0.1*recency
			if weight > 1 {
				weight = 1
			} else if weight < 0 {
				weight = 0
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE waypoints SET weight = ?, updated_at = ?
				WHERE src_id = ? AND dst_id = ? AND user_id = ?`,
				weight, ts, e.src, e.dst, tenant,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// Log appends one audit row. It never fails the calling job: a logging error
// is reported on the runner's logger and swallowed.
func (r *Runner) Log(ctx context.Context, typ, status string, details any) {
	blob, err := json.Marshal(details)
	if err != nil {
		blob = []byte(fmt.Sprintf("%q", fmt.Sprintf("%v", details)))
	}
	_, err = r.db.SQL().ExecContext(ctx,
		`INSERT INTO maint_logs (type, status, details, ts) VALUES (?, ?, ?, ?)`,
		typ, status, string(blob), r.now().UnixMicro(),
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "maintenance log write failed", "type", typ, "error", err)
	}
}

// Status returns the most recent audit rows, newest first.
func (r *Runner) Status(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.SQL().QueryContext(ctx, `
		SELECT id, type, status, details, ts FROM maint_logs
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("read maintenance log: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e  LogEntry
			ts int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Status, &e.Details, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMicro(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
