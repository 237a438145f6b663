//go:build !cgo

// This is a stub for the no-CGO build (CGO_ENABLED=0): go-sqlite3 requires cgo.

package sql

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dingus-idp/dingus/storage"
)

type SQLite3 struct {
	File string `json:"file"`
}

func (s *SQLite3) Open(ctx context.Context, logger *slog.Logger) (storage.Storage, error) {
	return nil, fmt.Errorf("binary was compiled with CGO_ENABLED=0; go-sqlite3 requires cgo")
}
