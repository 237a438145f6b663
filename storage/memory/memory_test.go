package memory

import (
	"log/slog"
	"os"
	"testing"

	"github.com/dingus-idp/dingus/storage"
	"github.com/dingus-idp/dingus/storage/conformance"
)

func TestMemoryConformance(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	conformance.RunTestSuite(t, func() storage.Storage {
		return New(logger)
	})
}
