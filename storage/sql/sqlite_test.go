//go:build cgo

package sql

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dingus-idp/dingus/storage"
	"github.com/dingus-idp/dingus/storage/conformance"
)

func TestSQLite3Conformance(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	conformance.RunTestSuite(t, func() storage.Storage {
		s, err := (&SQLite3{File: ":memory:"}).Open(context.Background(), logger)
		require.NoError(t, err)
		return s
	})
}

func TestSQLite3MigrateIsIdempotent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s, err := (&SQLite3{File: ":memory:"}).Open(context.Background(), logger)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Initialize(context.Background()))
}
