package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by strict updates and lookups for missing rows.
var ErrNotFound = errors.New("store: record not found")

// singleOpTimeout bounds transactions for single-record operations. Bulk
// operations receive their timeout from the batch scheduler instead.
const singleOpTimeout = 5 * time.Second

// DB wraps the SQLite connection holding all synced session data.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// withTx runs fn inside a transaction bounded by timeout. The transaction is
// rolled back unless fn returns nil. A deadline overrun surfaces as the
// driver/context error so the retry layer can classify it; withTx never
// retries on its own.
func (db *DB) withTx(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}
