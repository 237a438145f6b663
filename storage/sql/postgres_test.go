package sql

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dingus-idp/dingus/storage"
	"github.com/dingus-idp/dingus/storage/conformance"
)

const testPostgresEnv = "DINGUS_POSTGRES_HOST"

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// TestPostgresConformance runs the shared conformance suite against a
// real Postgres instance. It is skipped unless DINGUS_POSTGRES_HOST is
// set, matching the teacher's opt-in integration-test convention.
func TestPostgresConformance(t *testing.T) {
	host := os.Getenv(testPostgresEnv)
	if host == "" {
		t.Skipf("test environment variable %q not set, skipping", testPostgresEnv)
	}

	port := uint64(5432)
	if raw := os.Getenv("DINGUS_POSTGRES_PORT"); raw != "" {
		var err error
		port, err = strconv.ParseUint(raw, 10, 32)
		require.NoError(t, err)
	}

	cfg := &Postgres{
		Database: getenv("DINGUS_POSTGRES_DATABASE", "postgres"),
		User:     getenv("DINGUS_POSTGRES_USER", "postgres"),
		Password: getenv("DINGUS_POSTGRES_PASSWORD", "postgres"),
		Host:     host,
		Port:     uint16(port),
		SSL:      SSL{Mode: pgSSLDisable},
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	conformance.RunTestSuite(t, func() storage.Storage {
		s, err := cfg.Open(context.Background(), logger)
		require.NoError(t, err)
		return s
	})
}
