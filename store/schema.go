package store

import (
	"context"
	"fmt"
)

// migrations is the ordered list of schema versions. The version stored in
// PRAGMA user_version is the index of the last applied migration + 1.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS memories (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL DEFAULT 'anonymous',
	content        BLOB NOT NULL,
	primary_sector TEXT NOT NULL,
	sectors        TEXT NOT NULL DEFAULT '[]',
	tags           TEXT NOT NULL DEFAULT '[]',
	metadata       BLOB,
	salience       REAL NOT NULL DEFAULT 0,
	simhash        INTEGER NOT NULL DEFAULT 0,
	mean_dim       INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	last_seen_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id);
CREATE INDEX IF NOT EXISTS idx_memories_simhash ON memories(user_id, simhash);

CREATE TABLE IF NOT EXISTS vectors (
	memory_id TEXT NOT NULL,
	sector    TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	dim       INTEGER NOT NULL,
	vec       BLOB NOT NULL,
	summary   BLOB,
	PRIMARY KEY (memory_id, sector)
);
CREATE INDEX IF NOT EXISTS idx_vectors_user_sector ON vectors(user_id, sector);

CREATE TABLE IF NOT EXISTS waypoints (
	src_id     TEXT NOT NULL,
	dst_id     TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	weight     REAL NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (src_id, dst_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_waypoints_user_src ON waypoints(user_id, src_id);

CREATE TABLE IF NOT EXISTS temporal_facts (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	subject      TEXT NOT NULL,
	predicate    TEXT NOT NULL,
	object       TEXT NOT NULL,
	valid_from   INTEGER NOT NULL,
	valid_to     INTEGER,
	confidence   REAL NOT NULL,
	last_updated INTEGER NOT NULL,
	metadata     BLOB
);
CREATE INDEX IF NOT EXISTS idx_facts_key
	ON temporal_facts(user_id, subject, predicate, valid_to);
CREATE INDEX IF NOT EXISTS idx_facts_subject
	ON temporal_facts(user_id, subject, valid_from);

CREATE TABLE IF NOT EXISTS temporal_edges (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	source_id     TEXT NOT NULL,
	target_id     TEXT NOT NULL,
	relation_type TEXT NOT NULL,
	valid_from    INTEGER NOT NULL,
	valid_to      INTEGER,
	weight        REAL NOT NULL,
	metadata      BLOB
);
CREATE INDEX IF NOT EXISTS idx_edges_key
	ON temporal_edges(user_id, source_id, target_id, relation_type, valid_to);

CREATE TABLE IF NOT EXISTS maint_logs (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	type    TEXT NOT NULL,
	status  TEXT NOT NULL,
	details TEXT NOT NULL,
	ts      INTEGER NOT NULL
);
`,
}

func (db *DB) migrate(ctx context.Context) error {
	var version int
	if err := db.sql.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.sql.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		// PRAGMA cannot be parameterized.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("bump schema version to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
