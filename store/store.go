// Package store owns the single embedded SQLite database backing the memory
// engine: schema, migrations, transaction discipline and at-rest encoding of
// content blobs.
//
// The database is opened in WAL journal mode, which gives the
// single-writer/multiple-reader semantics the engine relies on: writes are
// serialized by the engine, reads run concurrently and observe committed
// state only.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the embedded database handle.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the database at path and applies any
// pending schema migrations. Use ":memory:" for an ephemeral database.
func Open(path string) (*DB, error) {
	dsn := "file:" + url.PathEscape(path) +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)"

	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// modernc.org/sqlite serializes writes per connection; a single writer
	// connection avoids SQLITE_BUSY churn between our own transactions.
	sdb.SetMaxOpenConns(1)

	db := &DB{sql: sdb}
	if err := db.migrate(context.Background()); err != nil {
		_ = sdb.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying database.
func (db *DB) Close() error {
	return db.sql.Close()
}

// SQL exposes the raw handle for read queries. Writes should go through WithTx.
func (db *DB) SQL() *sql.DB {
	return db.sql
}

// WithTx runs fn inside a single write transaction. The transaction is the
// unit of atomicity: if fn returns an error or panics, every statement it
// executed is rolled back.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// EnsureUser upserts the tenant row for id inside tx.
func EnsureUser(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		id, time.Now().UnixMicro(),
	)
	return err
}
