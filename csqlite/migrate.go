package csqlite

import (
	"context"
	"database/sql"
	"fmt"
)

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		`CREATE TABLE IF NOT EXISTS migrations(
  id INTEGER PRIMARY KEY CHECK (id = 0),
  version INTEGER
);`,
	); err != nil {
		return fmt.Errorf("error getting initial migrations table: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO migrations(id, version) VALUES (0, 0)`,
	); err != nil {
		return fmt.Errorf("error setting initial migration version: %w", err)
	}

	var migrationVersion int
	if err := tx.QueryRowContext(
		ctx, `SELECT version FROM migrations WHERE id=0;`,
	).Scan(&migrationVersion); err != nil {
		return fmt.Errorf("failed to scan migration version: %w", err)
	}

	if err := migrateFrom(ctx, tx, migrationVersion); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	return nil
}

func migrateFrom(ctx context.Context, tx *sql.Tx, version int) error {
	switch version {
	case 0:
		if err := migrateInitial(ctx, tx); err != nil {
			return fmt.Errorf("initial migration: %w", err)
		}
		if err := setMigrationVersion(ctx, tx, 1); err != nil {
			return err
		}
	case 1:
		// Up to date.
		return nil
	default:
		return fmt.Errorf("unknown migration version %d", version)
	}

	// If we didn't return inside the above switch statement,
	// then we did something with migrations.
	// According to https://sqlite.org/pragma.html#pragma_optimize,
	// "All applications should run `PRAGMA optimize;` after a schema change,
	// especially after one or more CREATE INDEX statements."
	// Creating tables is a schema change, so here we go.
	if _, err := tx.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("failed to run PRAGMA optimize after migration: %w", err)
	}

	return nil
}

func setMigrationVersion(ctx context.Context, tx *sql.Tx, version int) error {
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE migrations SET version = ? WHERE id = 0`,
		version,
	); err != nil {
		return fmt.Errorf("failed to update migration version to %d: %w", version, err)
	}
	return nil
}

func migrateInitial(ctx context.Context, tx *sql.Tx) error {
	// The miniblocks and miniblock_txs tables are owned by the
	// execution pipeline; this subsystem only reads them.
	// The certificates and replica_states tables are owned here.
	//
	// The UNIQUE index on certificates(block_number) is what makes
	// concurrent genesis bootstrap across processes safe:
	// the existence check and insert happen in one transaction
	// against that conflict constraint.
	if _, err := tx.ExecContext(
		ctx,
		`
CREATE TABLE miniblocks(
  number INTEGER PRIMARY KEY,
  l1_batch_number INTEGER NOT NULL,
  timestamp INTEGER NOT NULL,
  l1_gas_price INTEGER NOT NULL,
  l2_fair_gas_price INTEGER NOT NULL,
  virtual_blocks INTEGER NOT NULL,
  last_in_batch INTEGER NOT NULL,
  hash BLOB NOT NULL
);

CREATE TABLE miniblock_txs(
  miniblock_number INTEGER NOT NULL,
  idx INTEGER NOT NULL,
  tx BLOB NOT NULL,
  PRIMARY KEY (miniblock_number, idx),
  FOREIGN KEY (miniblock_number) REFERENCES miniblocks(number)
);

CREATE TABLE certificates(
  block_number INTEGER NOT NULL,
  operator_addr BLOB NOT NULL,
  certificate BLOB NOT NULL,
  PRIMARY KEY (block_number, operator_addr)
);
CREATE UNIQUE INDEX certificates_by_number ON certificates(block_number);

CREATE TABLE replica_states(
  pub_key BLOB NOT NULL PRIMARY KEY,
  state BLOB NOT NULL
);
`,
	); err != nil {
		return fmt.Errorf("failed to create initial tables: %w", err)
	}

	return nil
}
