// Package csqlite is the SQLite-backed data access layer shared by the
// consensus bridge and the execution pipeline's follower path.
//
// All access goes through a [Pool], whose connections are checked out
// per operation and never cache data across calls;
// the database is the single source of truth across process restarts.
package csqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Pool wraps the shared database handle backing the consensus subsystem.
type Pool struct {
	// The string "purego" or "cgo" depending on build tags.
	BuildType string

	log *slog.Logger

	db *sql.DB
}

// NewPool opens (creating if necessary) the on-disk database at dbPath,
// applies startup pragmas, and runs any pending migrations.
func NewPool(ctx context.Context, log *slog.Logger, dbPath string) (*Pool, error) {
	dbPath = filepath.Clean(dbPath)
	if _, err := os.Stat(dbPath); err != nil {
		// Create a file for the database;
		// if no file exists, then our startup pragma commands fail.
		if os.IsNotExist(err) {
			// We don't use os.Create since that will truncate an existing file.
			// While very unlikely that we would be racing to create a file,
			// it is much better to be defensive about it.
			f, err := os.OpenFile(dbPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err != nil {
				return nil, fmt.Errorf("failed to create empty database file: %w", err)
			}
			if err := f.Close(); err != nil {
				return nil, fmt.Errorf("failed to close new empty database file: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to stat path %q: %w", dbPath, err)
		}
	}

	// Immediate effectively takes a write lock on the database
	// at the beginning of every transaction.
	// https://www.sqlite.org/lang_transaction.html#deferred_immediate_and_exclusive_transactions
	uri := "file:" + dbPath + "?_txlock=immediate"

	// The driver type comes from the sqlitedriver_*.go file
	// chosen based on build tags.
	db, err := sql.Open(sqliteDriverType, uri)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Without limiting it to one open connection,
	// we would get frequent "table is locked" errors under write contention,
	// which do not automatically resolve with the busy timeout handler.
	// Writers instead block while contending for the single connection,
	// and that wait honors the caller's context.
	db.SetMaxOpenConns(1)

	// Unlike other pragmas, this is persistent,
	// and it is only relevant to on-disk databases.
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		return nil, fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}

	if err := pragmas(ctx, db); err != nil {
		return nil, err
	}

	if err := migrate(ctx, db); err != nil {
		return nil, err
	}

	return &Pool{
		BuildType: sqliteBuildType,

		log: log,

		db: db,
	}, nil
}

var inMemNameCounter uint32

// NewInMemPool opens a new uniquely named in-memory database,
// primarily for tests.
func NewInMemPool(ctx context.Context, log *slog.Logger) (*Pool, error) {
	dbName := fmt.Sprintf("db%0000d", atomic.AddUint32(&inMemNameCounter, 1))
	uri := "file:" + dbName +
		// Give the "file" a unique name so that multiple connections within one process
		// can use the same in-memory database.
		// Standard query parameter: https://www.sqlite.org/uri.html#recognized_query_parameters
		"?mode=memory" +
		// A private cache would mean every connection sees a unique database,
		// so this must be shared.
		"&cache=shared" +
		"&_txlock=immediate"

	db, err := sql.Open(sqliteDriverType, uri)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	db.SetMaxOpenConns(1)

	// We don't set journal mode to WAL with the in-memory database,
	// like we do at this point for the on-disk one.

	if err := pragmas(ctx, db); err != nil {
		return nil, err
	}

	if err := migrate(ctx, db); err != nil {
		return nil, err
	}

	return &Pool{
		BuildType: sqliteBuildType,

		log: log,

		db: db,
	}, nil
}

func (p *Pool) Close() error {
	return p.db.Close()
}

// Access checks a connection out of the pool, tagged for log context.
// If the pool is exhausted, the wait honors ctx
// and fails fast on cancellation.
//
// The returned Conn must be released exactly once.
func (p *Pool) Access(ctx context.Context, tag string) (*Conn, error) {
	c, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire %q connection: %w", tag, err)
	}
	return &Conn{
		queries: queries{q: c},
		log:     p.log.With("conn_tag", tag),
		conn:    c,
	}, nil
}

func pragmas(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		return fmt.Errorf("failed to set foreign keys on: %w", err)
	}

	// Contending writers retry for this long before surfacing SQLITE_BUSY.
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// https://www.sqlite.org/lang_analyze.html#periodically_run_pragma_optimize_
	// "Applications that use long-lived database connections should run
	// `PRAGMA optimize=0x10002;` when the connection is first opened."
	if _, err := db.ExecContext(ctx, `PRAGMA optimize(0x10002);`); err != nil {
		return fmt.Errorf("failed to run startup PRAGMA optimize: %w", err)
	}

	return nil
}

// Conn is one checked-out pool connection.
type Conn struct {
	queries

	log  *slog.Logger
	conn *sql.Conn
}

// Release returns the connection to the pool.
func (c *Conn) Release() {
	if err := c.conn.Close(); err != nil {
		c.log.Warn("Failed to release connection", "err", err)
	}
}

// Begin opens a nested atomic scope on the connection.
// Writes inside it are invisible to other accessors until Commit succeeds,
// and are fully discarded if the Tx is rolled back
// or ctx is canceled before committing.
func (c *Conn) Begin(ctx context.Context) (*Tx, error) {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{
		queries: queries{q: tx},
		tx:      tx,
	}, nil
}

// Tx is an open transaction on a checked-out connection.
type Tx struct {
	queries

	tx *sql.Tx
}

func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback discards the transaction.
// It is safe to defer unconditionally; rolling back after a commit is a no-op.
func (t *Tx) Rollback() {
	err := t.tx.Rollback()
	if err == nil || err == sql.ErrTxDone {
		return
	}
	// Nothing actionable for the caller; the transaction is dead either way.
	_ = err
}
