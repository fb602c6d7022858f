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

// Store persists the bitemporal ledger in the embedded database.
type Store struct {
	db  *store.DB
	now func() time.Time
}

// NewStore creates a temporal store over db.
func NewStore(db *store.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock overrides the store's clock. Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// InsertFact records a new fact version. Within one atomic transaction it
// closes the key's prior current version (if any) at the new version's
// valid_from and inserts the replacement with valid_to = NULL. If the
// transaction fails partway, every statement rolls back: no timestamp exists
// at which zero or two current versions can be observed for the key.
func (s *Store) InsertFact(ctx context.Context, in FactInput) (Fact, error) {
	if err := in.validate(); err != nil {
		return Fact{}, err
	}
	userID := normalizeUser(in.UserID)

	var out Fact
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.EnsureUser(ctx, tx, userID); err != nil {
			return err
		}

		// The new valid_from must fall strictly after the prior version's,
		// so intervals never overlap even within one clock tick. Stored
		// timestamps are microseconds; the comparison has to happen at that
		// precision or sub-microsecond wall-clock nanos defeat the bump.
		var priorFrom sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT valid_from FROM temporal_facts
			WHERE user_id = ? AND subject = ? AND predicate = ? AND valid_to IS NULL`,
			userID, in.Subject, in.Predicate,
		).Scan(&priorFrom)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("locate current fact: %w", err)
		}
		ts := s.now().UTC().UnixMicro()
		if priorFrom.Valid && ts <= priorFrom.Int64 {
			ts = priorFrom.Int64 + 1
		}

		if priorFrom.Valid {
			res, err := tx.ExecContext(ctx, `
				UPDATE temporal_facts SET valid_to = ?, last_updated = ?
				WHERE user_id = ? AND subject = ? AND predicate = ? AND valid_to IS NULL`,
				ts, ts, userID, in.Subject, in.Predicate,
			)
			if err != nil {
				return fmt.Errorf("close current fact: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n != 1 {
				return &ErrChainViolation{
					Key:    fmt.Sprintf("(%s, %s)", in.Subject, in.Predicate),
					Closed: int(n),
				}
			}
		}

		metaBlob, err := in.Metadata.Encode()
		if err != nil {
			return fmt.Errorf("encode fact metadata: %w", err)
		}

		out = Fact{
			ID:          uuid.NewString(),
			UserID:      userID,
			Subject:     in.Subject,
			Predicate:   in.Predicate,
			Object:      in.Object,
			ValidFrom:   time.UnixMicro(ts),
			Confidence:  in.Confidence,
			LastUpdated: time.UnixMicro(ts),
			Metadata:    in.Metadata,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO temporal_facts
				(id, user_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata)
			VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
			out.ID, userID, in.Subject, in.Predicate, in.Object, ts, in.Confidence, ts, metaBlob,
		)
		if err != nil {
			return fmt.Errorf("insert fact version: %w", err)
		}
		return nil
	})
	if err != nil {
		return Fact{}, err
	}
	return out, nil
}

// InvalidateFact closes the identified version without inserting a
// replacement, ending the key's lineage until a new insert reopens it.
// Invalidating an already-closed version is a no-op; an unknown id returns
// ErrNotFound.
func (s *Store) InvalidateFact(ctx context.Context, id, userID string) error {
	userID = normalizeUser(userID)
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		ts := s.now().UTC().UnixMicro()
		res, err := tx.ExecContext(ctx, `
			UPDATE temporal_facts SET valid_to = ?, last_updated = ?
			WHERE id = ? AND user_id = ? AND valid_to IS NULL`,
			ts, ts, id, userID,
		)
		if err != nil {
			return fmt.Errorf("invalidate fact %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM temporal_facts WHERE id = ? AND user_id = ?`, id, userID,
			).Scan(&exists)
			if err == sql.ErrNoRows {
				return fmt.Errorf("fact %s: %w", id, ErrNotFound)
			}
			return err
		}
		return nil
	})
}

// QueryAt returns every fact version valid at instant at, matching whichever
// of subject/predicate/object the query supplies, scoped to the tenant.
// The interval test is half-open: valid_from <= at < valid_to.
func (s *Store) QueryAt(ctx context.Context, q Query, at time.Time) ([]Fact, error) {
	where := `user_id = ? AND valid_from <= ? AND (valid_to IS NULL OR ? < valid_to)`
	ts := at.UTC().UnixMicro()
	args := []any{normalizeUser(q.UserID), ts, ts}

	if q.Subject != "" {
		where += ` AND subject = ?`
		args = append(args, q.Subject)
	}
	if q.Predicate != "" {
		where += ` AND predicate = ?`
		args = append(args, q.Predicate)
	}
	if q.Object != "" {
		where += ` AND object = ?`
		args = append(args, q.Object)
	}

	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT id, user_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata
		FROM temporal_facts WHERE `+where+`
		ORDER BY subject, predicate, valid_from`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query facts at time: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// CurrentFact returns the single current version for (subject, predicate),
// or ErrNotFound when the key has no current version. It reads the open
// row directly rather than probing an instant: a version written inside
// the current clock tick has a bumped valid_from that can sit just after
// now, yet it is still the current one.
func (s *Store) CurrentFact(ctx context.Context, subject, predicate, userID string) (Fact, error) {
	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT id, user_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata
		FROM temporal_facts
		WHERE user_id = ? AND subject = ? AND predicate = ? AND valid_to IS NULL`,
		normalizeUser(userID), subject, predicate,
	)
	if err != nil {
		return Fact{}, fmt.Errorf("current fact: %w", err)
	}
	defer rows.Close()
	facts, err := scanFacts(rows)
	if err != nil {
		return Fact{}, err
	}
	if len(facts) == 0 {
		return Fact{}, fmt.Errorf("current fact (%s, %s): %w", subject, predicate, ErrNotFound)
	}
	return facts[0], nil
}

// History returns the full version chain for (subject, predicate) ordered by
// valid_from ascending.
func (s *Store) History(ctx context.Context, subject, predicate, userID string) ([]Fact, error) {
	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT id, user_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata
		FROM temporal_facts
		WHERE user_id = ? AND subject = ? AND predicate = ?
		ORDER BY valid_from`,
		normalizeUser(userID), subject, predicate,
	)
	if err != nil {
		return nil, fmt.Errorf("fact history: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func scanFacts(rows *sql.Rows) ([]Fact, error) {
	var out []Fact
	for rows.Next() {
		var (
			f        Fact
			from     int64
			to       sql.NullInt64
			updated  int64
			metaBlob []byte
		)
		if err := rows.Scan(&f.ID, &f.UserID, &f.Subject, &f.Predicate, &f.Object,
			&from, &to, &f.Confidence, &updated, &metaBlob); err != nil {
			return nil, err
		}
		f.ValidFrom = time.UnixMicro(from)
		if to.Valid {
			t := time.UnixMicro(to.Int64)
			f.ValidTo = &t
		}
		f.LastUpdated = time.UnixMicro(updated)
		doc, err := metadata.Decode(metaBlob)
		if err != nil {
			return nil, fmt.Errorf("decode fact metadata: %w", err)
		}
		f.Metadata = doc
		out = append(out, f)
	}
	return out, rows.Err()
}

func normalizeUser(userID string) string {
	if userID == "" {
		return "anonymous"
	}
	return userID
}
