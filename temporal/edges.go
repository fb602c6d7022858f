package temporal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lucivskvn/openmemory/metadata"
	"github.com/lucivskvn/openmemory/store"
)

// InsertEdge records a new edge version with the same single-current-version
// discipline as facts, keyed on (user, source, target, relation type): the
// prior current version is closed at the new version's valid_from inside the
// same transaction.
func (s *Store) InsertEdge(ctx context.Context, in EdgeInput) (Edge, error) {
	if err := in.validate(); err != nil {
		return Edge{}, err
	}
	userID := normalizeUser(in.UserID)

	var out Edge
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.EnsureUser(ctx, tx, userID); err != nil {
			return err
		}

		var priorFrom sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT valid_from FROM temporal_edges
			WHERE user_id = ? AND source_id = ? AND target_id = ? AND relation_type = ? AND valid_to IS NULL`,
			userID, in.SourceID, in.TargetID, in.RelationType,
		).Scan(&priorFrom)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("locate current edge: %w", err)
		}
		// Compare at stored microsecond precision, as for facts.
		ts := s.now().UTC().UnixMicro()
		if priorFrom.Valid && ts <= priorFrom.Int64 {
			ts = priorFrom.Int64 + 1
		}

		if priorFrom.Valid {
			res, err := tx.ExecContext(ctx, `
				UPDATE temporal_edges SET valid_to = ?
				WHERE user_id = ? AND source_id = ? AND target_id = ? AND relation_type = ? AND valid_to IS NULL`,
				ts, userID, in.SourceID, in.TargetID, in.RelationType,
			)
			if err != nil {
				return fmt.Errorf("close current edge: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n != 1 {
				return &ErrChainViolation{
					Key:    fmt.Sprintf("edge (%s, %s, %s)", in.SourceID, in.TargetID, in.RelationType),
					Closed: int(n),
				}
			}
		}

		metaBlob, err := in.Metadata.Encode()
		if err != nil {
			return fmt.Errorf("encode edge metadata: %w", err)
		}

		out = Edge{
			ID:           uuid.NewString(),
			UserID:       userID,
			SourceID:     in.SourceID,
			TargetID:     in.TargetID,
			RelationType: in.RelationType,
			ValidFrom:    time.UnixMicro(ts),
			Weight:       in.Weight,
			Metadata:     in.Metadata,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO temporal_edges
				(id, user_id, source_id, target_id, relation_type, valid_from, valid_to, weight, metadata)
			VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
			out.ID, userID, in.SourceID, in.TargetID, in.RelationType, ts, in.Weight, metaBlob,
		)
		if err != nil {
			return fmt.Errorf("insert edge version: %w", err)
		}
		return nil
	})
	if err != nil {
		return Edge{}, err
	}
	return out, nil
}

// InvalidateEdge closes the identified edge version without replacement.
// Closing an already-closed version is a no-op; an unknown id returns
// ErrNotFound.
func (s *Store) InvalidateEdge(ctx context.Context, id, userID string) error {
	userID = normalizeUser(userID)
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		ts := s.now().UTC().UnixMicro()
		res, err := tx.ExecContext(ctx, `
			UPDATE temporal_edges SET valid_to = ?
			WHERE id = ? AND user_id = ? AND valid_to IS NULL`,
			ts, id, userID,
		)
		if err != nil {
			return fmt.Errorf("invalidate edge %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM temporal_edges WHERE id = ? AND user_id = ?`, id, userID,
			).Scan(&exists)
			if err == sql.ErrNoRows {
				return fmt.Errorf("edge %s: %w", id, ErrNotFound)
			}
			return err
		}
		return nil
	})
}

// QueryEdgesAt returns every edge version valid at instant at, matching
// whichever of source/target/relation the query supplies, tenant-scoped.
func (s *Store) QueryEdgesAt(ctx context.Context, q EdgeQuery, at time.Time) ([]Edge, error) {
	where := `user_id = ? AND valid_from <= ? AND (valid_to IS NULL OR ? < valid_to)`
	ts := at.UTC().UnixMicro()
	args := []any{normalizeUser(q.UserID), ts, ts}

	if q.SourceID != "" {
		where += ` AND source_id = ?`
		args = append(args, q.SourceID)
	}
	if q.TargetID != "" {
		where += ` AND target_id = ?`
		args = append(args, q.TargetID)
	}
	if q.RelationType != "" {
		where += ` AND relation_type = ?`
		args = append(args, q.RelationType)
	}

	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT id, user_id, source_id, target_id, relation_type, valid_from, valid_to, weight, metadata
		FROM temporal_edges WHERE `+where+`
		ORDER BY source_id, target_id, relation_type, valid_from`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query edges at time: %w", err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var (
			e        Edge
			from     int64
			to       sql.NullInt64
			metaBlob []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.SourceID, &e.TargetID, &e.RelationType,
			&from, &to, &e.Weight, &metaBlob); err != nil {
			return nil, err
		}
		e.ValidFrom = time.UnixMicro(from)
		if to.Valid {
			t := time.UnixMicro(to.Int64)
			e.ValidTo = &t
		}
		doc, err := metadata.Decode(metaBlob)
		if err != nil {
			return nil, fmt.Errorf("decode edge metadata: %w", err)
		}
		e.Metadata = doc
		out = append(out, e)
	}
	return out, rows.Err()
}
