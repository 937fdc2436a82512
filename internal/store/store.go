// Package store opens the relational store and carries the small helpers the
// repositories share: statement execution, transactions and migrations.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // registers the "postgres" driver
	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
)

// Supported driver names.
const (
	DriverPostgres = "postgres"
	DriverPGX      = "pgx"
	DriverSQLite   = "sqlite3"
)

var (
	ErrUnsupportedDriver = errors.New("unsupported database driver")
	ErrEmptyDSN          = errors.New("database dsn must not be empty")
)

func init() {
	// Every statement in this module is sent with bind arguments.
	goqu.SetDefaultPrepared(true)
}

// Statement is any goqu dataset that can render itself to SQL.
type Statement interface {
	ToSQL() (string, []interface{}, error)
}

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx, so repository code can
// run inside or outside a transaction.
type Querier = sqlx.ExtContext

// Config describes how to reach the backing relational store.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DB wraps a sqlx connection pool together with the goqu dialect matching the
// driver in use.
type DB struct {
	*sqlx.DB
	driver  string
	dialect goqu.DialectWrapper
}

// Open connects to the database described by cfg and verifies the connection.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, ErrEmptyDSN
	}

	var dialect string
	switch cfg.Driver {
	case DriverPostgres, DriverPGX:
		dialect = "postgres"
	case DriverSQLite:
		dialect = "sqlite3"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}

	conn, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{
		DB:      conn,
		driver:  cfg.Driver,
		dialect: goqu.Dialect(dialect),
	}, nil
}

// SQLiteDSN builds a DSN for a file-backed sqlite database. Transactions take
// the write lock at BEGIN so concurrent writers queue on busy_timeout instead
// of failing on lock upgrade.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=10000&_foreign_keys=1&_txlock=immediate&_journal_mode=WAL", path)
}

// Driver returns the database/sql driver name.
func (db *DB) Driver() string {
	return db.driver
}

// Builder returns the goqu dialect for building statements.
func (db *DB) Builder() goqu.DialectWrapper {
	return db.dialect
}

// LockForUpdate adds a row-locking clause when the dialect supports one.
// sqlite serializes writers at BEGIN IMMEDIATE, so no clause is needed there.
func (db *DB) LockForUpdate(ds *goqu.SelectDataset) *goqu.SelectDataset {
	if db.driver == DriverSQLite {
		return ds
	}
	return ds.ForUpdate(exp.Wait)
}

// WithTx runs fn inside a transaction. The transaction commits only when fn
// returns nil; otherwise everything is rolled back.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// Get builds ds and scans a single row into dest.
func Get(ctx context.Context, q Querier, dest any, ds *goqu.SelectDataset) error {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build select: %w", err)
	}
	return sqlx.GetContext(ctx, q, dest, query, args...)
}

// Select builds ds and scans all rows into dest, which must be a slice pointer.
func Select(ctx context.Context, q Querier, dest any, ds *goqu.SelectDataset) error {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build select: %w", err)
	}
	return sqlx.SelectContext(ctx, q, dest, query, args...)
}

// Exec runs a built insert, update or delete and returns the affected row count.
func Exec(ctx context.Context, q Querier, ds Statement) (int64, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build statement: %w", err)
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Contains matches col case-insensitively against text as a literal
// substring. LIKE wildcards in text are escaped.
func (db *DB) Contains(col, text string) exp.LiteralExpression {
	op := "ILIKE"
	if db.driver == DriverSQLite {
		op = "LIKE"
	}
	pattern := "%" + likeEscaper.Replace(text) + "%"
	return goqu.L("? "+op+" ? ESCAPE '\\'", goqu.C(col), pattern)
}

// Nullable converts a nil pointer into an untyped nil so goqu renders NULL.
func Nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}
