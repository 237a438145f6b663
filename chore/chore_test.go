package chore

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dingus-idp/dingus/storage"
	"github.com/dingus-idp/dingus/storage/memory"
)

type fakePublisher struct {
	published []string
}

func (f *fakePublisher) Publish(_ context.Context, routingKey string, _ []byte) error {
	f.published = append(f.published, routingKey)
	return nil
}

func newTestStorage(t *testing.T) storage.Storage {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := memory.New(logger)
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func TestRunNowCleansExpiredTokens(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	lifespan := int64(0)
	_, err := s.RedeemCode(ctx, storage.RedeemCodeParams{
		CodeID:          "code-1",
		Created:         time.Now().Add(-time.Hour),
		IsToken:         true,
		ClientID:        "https://client.example",
		Profile:         "https://user.example",
		Identifier:      "user@example",
		Scopes:          []string{"profile"},
		LifespanSeconds: &lifespan,
	})
	require.NoError(t, err)

	sched := New(s, logger, nil, Config{CodeLifespanSeconds: 1})
	require.NoError(t, sched.RunNow(ctx))

	_, err = s.TokenGetByCodeID(ctx, "code-1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunNowPublishesPendingTickets(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	pub := &fakePublisher{}

	require.NoError(t, s.TicketRedeemed(ctx, storage.RedeemedTicket{
		Ticket:   "ticket-1",
		Resource: "https://resource.example",
		Subject:  "https://user.example",
		Issuer:   "https://issuer.example",
		Token:    "opaque-token",
		Created:  time.Now(),
	}))

	sched := New(s, logger, pub, Config{})
	require.NoError(t, sched.RunNow(ctx))

	require.Len(t, pub.published, 1)
	require.Equal(t, "https://resource.example", pub.published[0])

	pending, err := s.TicketTokenGetUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRunNowSkipsPublicationWithoutPublisher(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	sched := New(s, logger, nil, Config{})
	require.NoError(t, sched.RunNow(ctx))
}

func TestRunNowBypassesAlmanacRateLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	lifespan := int64(0)
	sched := New(s, logger, nil, Config{CodeLifespanSeconds: 1})
	require.NoError(t, sched.RunNow(ctx))

	// A second RunNow, moments later, must still actually clean —
	// the background loop's 30s almanac rate limit must not apply to
	// a manually triggered run.
	_, err := s.RedeemCode(ctx, storage.RedeemCodeParams{
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

	require.NoError(t, sched.RunNow(ctx))

	_, err = s.TokenGetByCodeID(ctx, "code-2")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStartDisablesZeroIntervalChores(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestStorage(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	sched := New(s, logger, nil, Config{})
	sched.Start(ctx)
}
