// Package waypoint maintains the per-tenant weighted graph of associative
// links between memories and expands retrieval seed sets across it.
package waypoint

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lucivskvn/openmemory/store"
)

// ErrInvalidWeight indicates an edge weight outside [0, 1].
type ErrInvalidWeight struct {
	Weight float64
}

func (e *ErrInvalidWeight) Error() string {
	return fmt.Sprintf("waypoint weight %g is outside [0, 1]", e.Weight)
}

// Edge is a directed, tenant-scoped association between two memories.
type Edge struct {
	SrcID     string
	DstID     string
	UserID    string
	Weight    float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists waypoint edges.
type Store struct {
	db *store.DB
}

// NewStore creates a waypoint store over db.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// Upsert creates or replaces the edge (src, dst, user). Re-upserting the same
// pair replaces the weight and bumps updated_at; created_at is preserved.
func (s *Store) Upsert(ctx context.Context, src, dst, userID string, weight float64) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.UpsertTx(ctx, tx, src, dst, userID, weight)
	})
}

// UpsertTx is Upsert inside the caller's transaction.
func (s *Store) UpsertTx(ctx context.Context, tx *sql.Tx, src, dst, userID string, weight float64) error {
	if weight < 0 || weight > 1 {
		return &ErrInvalidWeight{Weight: weight}
	}
	now := time.Now().UnixMicro()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO waypoints (src_id, dst_id, user_id, weight, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(src_id, dst_id, user_id) DO UPDATE SET
			weight = excluded.weight,
			updated_at = excluded.updated_at`,
		src, dst, userID, weight, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert waypoint %s->%s: %w", src, dst, err)
	}
	return nil
}

// Get returns the edge (src, dst, user), or sql.ErrNoRows if absent.
func (s *Store) Get(ctx context.Context, src, dst, userID string) (Edge, error) {
	var (
		e       Edge
		created int64
		updated int64
	)
	err := s.db.SQL().QueryRowContext(ctx, `
		SELECT src_id, dst_id, user_id, weight, created_at, updated_at
		FROM waypoints WHERE src_id = ? AND dst_id = ? AND user_id = ?`,
		src, dst, userID,
	).Scan(&e.SrcID, &e.DstID, &e.UserID, &e.Weight, &created, &updated)
	if err != nil {
		return Edge{}, err
	}
	e.CreatedAt = time.UnixMicro(created)
	e.UpdatedAt = time.UnixMicro(updated)
	return e, nil
}

// Neighbors returns all out-edges of the given source nodes for one tenant.
func (s *Store) Neighbors(ctx context.Context, srcIDs []string, userID string) ([]Edge, error) {
	if len(srcIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(srcIDs)), ",")
	args := make([]any, 0, len(srcIDs)+1)
	args = append(args, userID)
	for _, id := range srcIDs {
		args = append(args, id)
	}

	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT src_id, dst_id, user_id, weight, created_at, updated_at
		FROM waypoints WHERE user_id = ? AND src_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("load waypoint neighbors: %w", err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var (
			e       Edge
			created int64
			updated int64
		)
		if err := rows.Scan(&e.SrcID, &e.DstID, &e.UserID, &e.Weight, &created, &updated); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMicro(created)
		e.UpdatedAt = time.UnixMicro(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}
