package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dingus-idp/dingus/chore"
	"github.com/dingus-idp/dingus/storage"
	"github.com/dingus-idp/dingus/storage/memory"
)

// TestAdminMaintenanceBypassesAlmanacRateLimit reproduces review
// comment 3/4's HTTP-level scenario: two back-to-back operator-triggered
// maintenance runs must both actually clean, rather than the second
// being silently skipped by the background loop's almanac rate limit.
func TestAdminMaintenanceBypassesAlmanacRateLimit(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mem := memory.New(logger)
	require.NoError(t, mem.Initialize(ctx))

	sched := chore.New(mem, logger, nil, chore.Config{CodeLifespanSeconds: 1})
	codecs := newTestCodecs(t)

	srv, err := NewServer(ctx, Config{
		Issuer:  "https://issuer.example/",
		Storage: mem,
		Codecs:  codecs,
		Chores:  sched,
	})
	require.NoError(t, err)

	postMaintenance := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/admin/maintenance", nil)
		req = req.WithContext(WithAuthenticatedIdentifier(req.Context(), "https://operator.example/"))
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		return w
	}

	w := postMaintenance()
	require.Equal(t, http.StatusOK, w.Code)

	lifespan := int64(0)
	_, err = mem.RedeemCode(ctx, storage.RedeemCodeParams{
		CodeID:          "code-2",
		Created:         time.Now().Add(-time.Hour),
		IsToken:         true,
		ClientID:        "https://client.example",
		Profile:         "https://user.example",
		Identifier:      "user@example",
		Scopes:          []string{"profile"},
		LifespanSeconds: &lifespan,
	})
	require.NoError(t, err)

	w = postMaintenance()
	require.Equal(t, http.StatusOK, w.Code)

	_, err = mem.TokenGetByCodeID(ctx, "code-2")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

// TestAdminMaintenanceRequiresAuthentication covers the handler's auth
// gate: an unauthenticated request never reaches RunNow.
func TestAdminMaintenanceRequiresAuthentication(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mem := memory.New(logger)
	require.NoError(t, mem.Initialize(ctx))

	sched := chore.New(mem, logger, nil, chore.Config{CodeLifespanSeconds: 1})
	codecs := newTestCodecs(t)

	srv, err := NewServer(ctx, Config{
		Issuer:  "https://issuer.example/",
		Storage: mem,
		Codecs:  codecs,
		Chores:  sched,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/admin/maintenance", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
