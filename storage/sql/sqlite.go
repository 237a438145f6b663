//go:build cgo

package sql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/dingus-idp/dingus/storage"
)

// SQLite3 configures the embedded, single-file engine.
type SQLite3 struct {
	File string `json:"file"`
}

// Open constructs a storage.Storage backed by SQLite3, running
// migrations as part of construction.
func (s *SQLite3) Open(ctx context.Context, logger *slog.Logger) (storage.Storage, error) {
	return s.open(ctx, logger)
}

func (s *SQLite3) open(ctx context.Context, logger *slog.Logger) (*conn, error) {
	db, err := sql.Open("sqlite3", s.File)
	if err != nil {
		return nil, err
	}

	// A single writer at a time; SQLite serializes writes anyway, and this
	// avoids SQLITE_BUSY errors under concurrent request handling.
	db.SetMaxOpenConns(1)
	errCheck := func(err error) bool {
		sqlErr, ok := err.(sqlite3.Error)
		return ok && sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	c := &conn{db, flavorSQLite3, logger, errCheck}
	if _, err := c.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to perform migrations: %w", err)
	}
	return c, nil
}
