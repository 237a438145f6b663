// Package sql implements the storage.Storage contract against a
// relational backend: Postgres over the network, or a single-file
// embedded SQLite database. One set of CRUD statements is shared by
// both; a flavor table translates placeholder syntax and column types.
package sql

import (
	"context"
	"database/sql"
	"log/slog"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/dingus-idp/dingus/storage"
)

// EngineConfig is satisfied by Postgres and SQLite3, letting cmd/dingus
// pick an engine at runtime from the db.connectionString scheme
// without importing either concrete type directly.
type EngineConfig interface {
	Open(ctx context.Context, logger *slog.Logger) (storage.Storage, error)
}

// flavor translates queries written in Postgres syntax into whatever
// dialect the underlying driver actually speaks. Flavors don't aim to
// translate arbitrary SQL, only the fixed statements in crud.go and
// migrate.go.
type flavor struct {
	queryReplacers []replacer

	// executeTx, if set, wraps BeginTx/Commit with serialization-failure
	// retry. SQLite has no concurrent-writer contention to retry against,
	// so it leaves this nil and falls back to the plain Begin/Commit path.
	executeTx func(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error

	supportsTimezones bool
}

type replacer struct {
	re   *regexp.Regexp
	with string
}

// bindRegexp matches Postgres query binds: "$1", "$12", etc.
var bindRegexp = regexp.MustCompile(`\$\d+`)

func matchLiteral(s string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(s) + `\b`)
}

var (
	// flavorPostgres is the default: statements are already written in
	// its dialect. All others are translations of this one.
	flavorPostgres = flavor{
		executeTx: func(ctx context.Context, db *sql.DB, fn func(sqlTx *sql.Tx) error) error {
			opts := &sql.TxOptions{Isolation: sql.LevelSerializable}
			for {
				tx, err := db.BeginTx(ctx, opts)
				if err != nil {
					return err
				}
				if err := fn(tx); err != nil {
					if isSerializationFailure(err) {
						continue
					}
					return err
				}
				if err := tx.Commit(); err != nil {
					if isSerializationFailure(err) {
						continue
					}
					return err
				}
				return nil
			}
		},
		supportsTimezones: true,
	}

	flavorSQLite3 = flavor{
		queryReplacers: []replacer{
			{bindRegexp, "?"},
			{matchLiteral("true"), "1"},
			{matchLiteral("false"), "0"},
			{matchLiteral("boolean"), "integer"},
			{matchLiteral("bytea"), "blob"},
			{matchLiteral("timestamptz"), "timestamp"},
			{regexp.MustCompile(`\bnow\(\)`), "date('now')"},
			// SQLite has no row-locking clause; it serializes writers anyway.
			{regexp.MustCompile(`(?i)\s+for update\b`), ""},
			// SQLite's INSERT ... ON CONFLICT uses a different upsert spelling
			// for the update half; our statements only ever conflict on a
			// single-column primary key, which this covers uniformly.
			{regexp.MustCompile(`(?i)on conflict \([a-z_]+\) do update set`), "on conflict do update set"},
		},
	}
)

func isSerializationFailure(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code.Name() == "serialization_failure"
}

func (f flavor) translate(query string) string {
	for _, r := range f.queryReplacers {
		query = r.re.ReplaceAllString(query, r.with)
	}
	return query
}

// translateArgs standardizes time.Time arguments to UTC for flavors
// that don't carry timezone information in their column types.
func (c *conn) translateArgs(args []interface{}) []interface{} {
	if c.flavor.supportsTimezones {
		return args
	}
	for i, arg := range args {
		if t, ok := arg.(time.Time); ok {
			args[i] = t.UTC()
		}
	}
	return args
}

// conn is the main database handle, shared across requests.
type conn struct {
	db                 *sql.DB
	flavor             flavor
	logger             *slog.Logger
	alreadyExistsCheck func(err error) bool
}

func (c *conn) Close() error {
	return c.db.Close()
}

func (c *conn) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	query = c.flavor.translate(query)
	return c.db.ExecContext(ctx, query, c.translateArgs(args)...)
}

func (c *conn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	query = c.flavor.translate(query)
	return c.db.QueryContext(ctx, query, c.translateArgs(args)...)
}

func (c *conn) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	query = c.flavor.translate(query)
	return c.db.QueryRowContext(ctx, query, c.translateArgs(args)...)
}

// ExecTx runs fn within a transaction, retrying on serialization
// failures for flavors that support it (Postgres).
func (c *conn) ExecTx(ctx context.Context, fn func(tx *trans) error) error {
	if c.flavor.executeTx != nil {
		return c.flavor.executeTx(ctx, c.db, func(sqlTx *sql.Tx) error {
			return fn(&trans{sqlTx, c})
		})
	}

	sqlTx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&trans{sqlTx, c}); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

type trans struct {
	tx *sql.Tx
	c  *conn
}

func (t *trans) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	query = t.c.flavor.translate(query)
	return t.tx.ExecContext(ctx, query, t.c.translateArgs(args)...)
}

func (t *trans) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	query = t.c.flavor.translate(query)
	return t.tx.QueryContext(ctx, query, t.c.translateArgs(args)...)
}

func (t *trans) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	query = t.c.flavor.translate(query)
	return t.tx.QueryRowContext(ctx, query, t.c.translateArgs(args)...)
}
