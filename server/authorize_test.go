package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dingus-idp/dingus/envelope"
	"github.com/dingus-idp/dingus/scope"
	"github.com/dingus-idp/dingus/storage"
	"github.com/dingus-idp/dingus/storage/memory"
)

// recordingScopeStorage wraps a storage.Storage and records every scope
// name passed to ScopeUpsert, so tests can assert exactly which scopes
// a consent actually touched.
type recordingScopeStorage struct {
	storage.Storage
	upserted []string
}

func (r *recordingScopeStorage) ScopeUpsert(ctx context.Context, s, application, description string, manuallyAdded bool) error {
	r.upserted = append(r.upserted, s)
	return r.Storage.ScopeUpsert(ctx, s, application, description, manuallyAdded)
}

func newTestCodecs(t *testing.T) Codecs {
	t.Helper()
	codecs, err := NewCodecs([]byte("test-secret-not-for-production-xx"))
	require.NoError(t, err)
	return codecs
}

// TestConsentOnlyRegistersAdHocScopes reproduces the consent-time scope
// integrity invariant from spec §4.3: accepting a pre-offered scope
// (one already shown as a checkbox) must never touch its storage row —
// only genuinely ad-hoc scopes typed into the form get upserted.
func TestConsentOnlyRegistersAdHocScopes(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	mem := memory.New(logger)
	require.NoError(t, mem.Initialize(ctx))
	require.NoError(t, mem.ProfileIdentifierInsert(ctx, "https://alice.example/", "alice"))
	require.NoError(t, mem.ProfileScopeInsert(ctx, "https://alice.example/", "profile"))
	require.NoError(t, mem.ScopeUpsert(ctx, "profile", "known-app", "pre-existing description", false))

	rec := &recordingScopeStorage{Storage: mem}
	registry := scope.New(rec, logger)
	codecs := newTestCodecs(t)

	srv, err := NewServer(ctx, Config{
		Issuer:             "https://issuer.example/",
		Storage:            rec,
		Codecs:             codecs,
		Scopes:             registry,
		AllowLegacyNonPKCE: true,
	})
	require.NoError(t, err)

	cont := envelope.Continuation{
		CodeID:       "code-1",
		Identifier:   "alice",
		ClientID:     "https://client.example/",
		RedirectURI:  "https://client.example/callback",
		State:        "xyz",
		ResponseType: "code",
		IssuedAt:     time.Now().UTC(),
		Expiry:       time.Now().UTC().Add(10 * time.Minute),
	}
	session, err := envelope.Seal(codecs.Continuation, cont)
	require.NoError(t, err)

	form := url.Values{
		"session":         {session},
		"accept":          {"true"},
		"accepted_scopes": {"profile"},
		"ad_hoc_scopes":   {"custom_action"},
	}
	req := httptest.NewRequest(http.MethodPost, "/consent", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, []string{"custom_action"}, rec.upserted)

	// The pre-existing "profile" scope's metadata must be untouched.
	profiles, err := mem.ProfilesScopesByIdentifier(ctx, "alice")
	require.NoError(t, err)
	detail, ok := profiles.ScopeIndex["profile"]
	require.True(t, ok)
	require.Equal(t, "known-app", detail.Application)
	require.False(t, detail.IsManuallyAdded)
}
