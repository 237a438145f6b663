// Package conformance provides a shared test suite run against every
// storage.Storage implementation (storage/sql and storage/memory),
// proving idempotent code redemption, scope-narrowing refresh, and the
// rest of the interface contract every backend must honor identically.
package conformance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dingus-idp/dingus/storage"
)

type subTest struct {
	name string
	run  func(t *testing.T, ctx context.Context, s storage.Storage)
}

// RunTestSuite exercises newStorage() (expected to return a fresh,
// already-initialized engine) against every conformance sub-test.
func RunTestSuite(t *testing.T, newStorage func() storage.Storage) {
	tests := []subTest{
		{"AuthenticationLifecycle", testAuthenticationLifecycle},
		{"ProfileScopeRegistry", testProfileScopeRegistry},
		{"RedeemCodeIdempotent", testRedeemCodeIdempotent},
		{"RefreshCodeNarrowsScopes", testRefreshCodeNarrowsScopes},
		{"RefreshCodeMonotonicExpiry", testRefreshCodeMonotonicExpiry},
		{"TokenCleanupRemovesExpired", testTokenCleanupRemovesExpired},
		{"ScopeCleanupPreservesReferenced", testScopeCleanupPreservesReferenced},
		{"TicketPublicationQueue", testTicketPublicationQueue},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newStorage()
			defer s.Close()
			test.run(t, context.Background(), s)
		})
	}
}

func testAuthenticationLifecycle(t *testing.T, ctx context.Context, s storage.Storage) {
	require.NoError(t, s.AuthenticationUpsert(ctx, "alice", "$argon2id$v=19$...", ""))

	a, err := s.AuthenticationGet(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "$argon2id$v=19$...", a.Credential)

	require.NoError(t, s.AuthenticationUpdateCredential(ctx, "alice", "$argon2id$v=19$new"))
	a, err = s.AuthenticationGet(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "$argon2id$v=19$new", a.Credential)

	require.NoError(t, s.AuthenticationUpdateOTPKey(ctx, "alice", "otpauth://totp/alice"))
	require.NoError(t, s.AuthenticationSuccess(ctx, "alice"))
	a, err = s.AuthenticationGet(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "otpauth://totp/alice", a.OTPKey)
	require.False(t, a.LastAuthentication.IsZero())

	_, err = s.AuthenticationGet(ctx, "nobody")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testProfileScopeRegistry(t *testing.T, ctx context.Context, s storage.Storage) {
	require.NoError(t, s.ProfileIdentifierInsert(ctx, "https://alice.example/", "alice"))
	require.ErrorIs(t, s.ProfileIdentifierInsert(ctx, "https://alice.example/", "alice"), storage.ErrAlreadyExists)

	valid, err := s.ProfileIsValid(ctx, "https://alice.example/")
	require.NoError(t, err)
	require.True(t, valid)

	require.NoError(t, s.ScopeUpsert(ctx, "profile", "", "", false))
	require.NoError(t, s.ScopeUpsert(ctx, "email", "", "", false))
	require.NoError(t, s.ProfileScopeInsert(ctx, "https://alice.example/", "profile"))

	ps, err := s.ProfilesScopesByIdentifier(ctx, "alice")
	require.NoError(t, err)
	require.Contains(t, ps.Profiles, "https://alice.example/")
	require.Contains(t, ps.ProfileScopes["https://alice.example/"], "profile")

	deleted, err := s.ScopeDelete(ctx, "profile")
	require.NoError(t, err)
	require.False(t, deleted, "scope referenced by a profile must not be deleted")

	deleted, err = s.ScopeDelete(ctx, "email")
	require.NoError(t, err)
	require.True(t, deleted)
}

func testRedeemCodeIdempotent(t *testing.T, ctx context.Context, s storage.Storage) {
	params := storage.RedeemCodeParams{
		CodeID:     "code-1",
		Created:    time.Now(),
		IsToken:    true,
		ClientID:   "https://app.example/",
		Profile:    "https://alice.example/",
		Identifier: "alice",
		Scopes:     []string{"profile", "email"},
	}

	accepted, err := s.RedeemCode(ctx, params)
	require.NoError(t, err)
	require.True(t, accepted)

	accepted, err = s.RedeemCode(ctx, params)
	require.NoError(t, err)
	require.False(t, accepted, "re-redemption of a codeId must be refused")

	code, err := s.TokenGetByCodeID(ctx, "code-1")
	require.NoError(t, err)
	require.True(t, code.IsRevoked, "replay attempt leaves the row revoked")

	accepted, err = s.RedeemCode(ctx, params)
	require.NoError(t, err)
	require.False(t, accepted, "an already-revoked row stays refused")
}

func testRefreshCodeNarrowsScopes(t *testing.T, ctx context.Context, s storage.Storage) {
	refreshLifespan := int64(604800)
	_, err := s.RedeemCode(ctx, storage.RedeemCodeParams{
		CodeID:                 "code-2",
		Created:                time.Now(),
		IsToken:                true,
		ClientID:               "https://app.example/",
		Profile:                "https://alice.example/",
		Identifier:             "alice",
		Scopes:                 []string{"profile", "email"},
		RefreshLifespanSeconds: &refreshLifespan,
	})
	require.NoError(t, err)

	result, err := s.RefreshCode(ctx, "code-2", time.Now(), []string{"email"})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.ElementsMatch(t, []string{"profile"}, result.Scopes)

	code, err := s.TokenGetByCodeID(ctx, "code-2")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"profile"}, code.Scopes)
}

func testRefreshCodeMonotonicExpiry(t *testing.T, ctx context.Context, s storage.Storage) {
	refreshLifespan := int64(3600)
	_, err := s.RedeemCode(ctx, storage.RedeemCodeParams{
		CodeID:                 "code-3",
		Created:                time.Now(),
		IsToken:                true,
		ClientID:               "https://app.example/",
		Profile:                "https://alice.example/",
		Identifier:             "alice",
		Scopes:                 []string{"profile"},
		RefreshLifespanSeconds: &refreshLifespan,
	})
	require.NoError(t, err)

	first, err := s.RefreshCode(ctx, "code-3", time.Now(), nil)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := s.RefreshCode(ctx, "code-3", time.Now().Add(time.Second), nil)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.True(t, second.RefreshExpires.After(*first.RefreshExpires),
		"each successful refresh must strictly extend the refresh bound")
}

func testTokenCleanupRemovesExpired(t *testing.T, ctx context.Context, s storage.Storage) {
	past := int64(-1)
	_, err := s.RedeemCode(ctx, storage.RedeemCodeParams{
		CodeID:          "code-expired",
		Created:         time.Now().Add(-time.Hour),
		IsToken:         true,
		ClientID:        "https://app.example/",
		Identifier:      "alice",
		LifespanSeconds: &past,
	})
	require.NoError(t, err)

	n, skipped, err := s.TokenCleanup(ctx, 600, 0)
	require.NoError(t, err)
	require.False(t, skipped)
	require.GreaterOrEqual(t, n, 1)

	_, err = s.TokenGetByCodeID(ctx, "code-expired")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testScopeCleanupPreservesReferenced(t *testing.T, ctx context.Context, s storage.Storage) {
	require.NoError(t, s.ScopeUpsert(ctx, "ephemeral", "", "", false))
	require.NoError(t, s.ScopeUpsert(ctx, "manually-added", "", "", true))

	_, err := s.RedeemCode(ctx, storage.RedeemCodeParams{
		CodeID:     "code-scope-ref",
		Created:    time.Now(),
		IsToken:    true,
		Identifier: "alice",
		Scopes:     []string{"ephemeral"},
	})
	require.NoError(t, err)

	n, skipped, err := s.ScopeCleanup(ctx, 0)
	require.NoError(t, err)
	require.False(t, skipped)
	require.Equal(t, 0, n, "scope referenced by a live code must survive cleanup")

	require.NoError(t, s.TokenRevokeByCodeID(ctx, "code-scope-ref"))
	n, _, err = s.ScopeCleanup(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n, "scope with no remaining reference is cleaned up")
}

func testTicketPublicationQueue(t *testing.T, ctx context.Context, s storage.Storage) {
	ticket := storage.RedeemedTicket{
		Ticket:   "ticket-1",
		Resource: "https://alice.example/feed",
		Subject:  "https://bob.example/",
		Created:  time.Now(),
	}
	require.NoError(t, s.TicketRedeemed(ctx, ticket))
	require.ErrorIs(t, s.TicketRedeemed(ctx, ticket), storage.ErrAlreadyExists)

	unpublished, err := s.TicketTokenGetUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unpublished, 1)

	require.NoError(t, s.TicketTokenPublished(ctx, "ticket-1"))
	unpublished, err = s.TicketTokenGetUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unpublished, 0)
}
