package store

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
)

const schemaVersion = 1

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS books (
		id UUID PRIMARY KEY,
		title TEXT NOT NULL,
		author TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		total_copies INTEGER NOT NULL DEFAULT 0,
		available_copies INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		views_count BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT books_copies_bounds CHECK (available_copies >= 0 AND available_copies <= total_copies)
	)`,
	`CREATE TABLE IF NOT EXISTS borrows (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		book_id UUID NOT NULL REFERENCES books(id),
		book_title TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected', 'returned')),
		requested_borrow_date TIMESTAMPTZ,
		expected_return_date TIMESTAMPTZ,
		approved_by UUID,
		approved_at TIMESTAMPTZ,
		actual_return_date TIMESTAMPTZ,
		return_condition TEXT CHECK (return_condition IN ('good', 'damaged', 'lost')),
		return_notes TEXT,
		return_requested BOOLEAN NOT NULL DEFAULT FALSE,
		return_requested_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS borrows_one_open_per_user_book
		ON borrows (user_id, book_id) WHERE status IN ('pending', 'approved')`,
	`CREATE INDEX IF NOT EXISTS borrows_status_created ON borrows (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS borrows_user ON borrows (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS audit_records (
		id BIGSERIAL PRIMARY KEY,
		action TEXT NOT NULL,
		actor_id UUID NOT NULL,
		target_borrow_id UUID,
		target_book_id UUID,
		details TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS audit_records_borrow ON audit_records (target_borrow_id)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id BIGSERIAL PRIMARY KEY,
		recipient_id UUID,
		audience TEXT NOT NULL,
		message TEXT NOT NULL,
		link TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT 'info',
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS notifications_recipient ON notifications (recipient_id, created_at)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS books (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		author TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		total_copies INTEGER NOT NULL DEFAULT 0,
		available_copies INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		views_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		CHECK (available_copies >= 0 AND available_copies <= total_copies)
	)`,
	`CREATE TABLE IF NOT EXISTS borrows (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		book_id TEXT NOT NULL REFERENCES books(id),
		book_title TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected', 'returned')),
		requested_borrow_date TIMESTAMP,
		expected_return_date TIMESTAMP,
		approved_by TEXT,
		approved_at TIMESTAMP,
		actual_return_date TIMESTAMP,
		return_condition TEXT CHECK (return_condition IN ('good', 'damaged', 'lost')),
		return_notes TEXT,
		return_requested BOOLEAN NOT NULL DEFAULT 0,
		return_requested_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS borrows_one_open_per_user_book
		ON borrows (user_id, book_id) WHERE status IN ('pending', 'approved')`,
	`CREATE INDEX IF NOT EXISTS borrows_status_created ON borrows (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS borrows_user ON borrows (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS audit_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		target_borrow_id TEXT,
		target_book_id TEXT,
		details TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_records_borrow ON audit_records (target_borrow_id)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recipient_id TEXT,
		audience TEXT NOT NULL,
		message TEXT NOT NULL,
		link TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT 'info',
		is_read BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS notifications_recipient ON notifications (recipient_id, created_at)`,
}

// Migrate applies the schema for the active dialect. It is safe to call on
// every start; a schema_meta row records the applied version.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_meta (key TEXT PRIMARY KEY, value INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}

	var current int
	ds := db.dialect.From("schema_meta").Select("value").Where(goqu.Ex{"key": "schema_version"})
	if err := Get(ctx, db, &current, ds); err != nil && !IsNoRows(err) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	stmts := postgresSchema
	if db.driver == DriverSQLite {
		stmts = sqliteSchema
	}

	return db.WithTx(ctx, func(tx *sqlx.Tx) error {
		for i, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema statement %d: %w", i, err)
			}
		}

		if current == 0 {
			ins := db.dialect.Insert("schema_meta").Rows(goqu.Record{"key": "schema_version", "value": schemaVersion})
			if _, err := Exec(ctx, tx, ins); err != nil {
				return fmt.Errorf("record schema version: %w", err)
			}
			return nil
		}

		upd := db.dialect.Update("schema_meta").Set(goqu.Record{"value": schemaVersion}).Where(goqu.Ex{"key": "schema_version"})
		if _, err := Exec(ctx, tx, upd); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	})
}
