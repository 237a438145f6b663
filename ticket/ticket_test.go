package ticket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dingus-idp/dingus/envelope"
	"github.com/dingus-idp/dingus/storage"
	"github.com/dingus-idp/dingus/storage/memory"
)

// failingPublisher always reports a broker-side failure, for testing
// that Proffer distinguishes it from a validation error.
type failingPublisher struct{}

func (failingPublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	return errors.New("broker unavailable")
}

func newTestStorage(t *testing.T) storage.Storage {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := memory.New(logger)
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func TestMintDeliversToDiscoveredEndpoint(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.ProfileIdentifierInsert(ctx, "https://alice.example/", "alice"))

	ticketServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "https://alice.example/feed", r.PostFormValue("resource"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ticketServer.Close()

	profileServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html><head><link rel="ticket_endpoint" href="`+ticketServer.URL+`"></head></html>`)
	}))
	defer profileServer.Close()

	codec, err := envelope.NewCodec([]byte("test-secret-not-for-production-x"), "ticket")
	require.NoError(t, err)

	minter := NewMinter(codec, s, profileServer.Client(), time.Hour, "https://issuer.example/")

	result, err := minter.Mint(ctx, "https://alice.example/", "https://alice.example/feed", profileServer.URL, []string{"read"})
	require.NoError(t, err)
	require.True(t, result.Delivered)
	require.Nil(t, result.DeliverErr)
	require.NotEmpty(t, result.Token)

	out, err := envelope.Open[envelope.Ticket](codec, result.Token)
	require.NoError(t, err)
	require.Equal(t, "https://alice.example/feed", out.Resource)
	require.Equal(t, []string{"read"}, out.Scopes)
	require.Equal(t, "alice", out.Identifier)
}

func TestMintRejectsScopeWithoutActionScope(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.ProfileIdentifierInsert(ctx, "https://alice.example/", "alice"))

	codec, err := envelope.NewCodec([]byte("test-secret-not-for-production-x"), "ticket")
	require.NoError(t, err)
	minter := NewMinter(codec, s, http.DefaultClient, time.Hour, "https://issuer.example/")

	_, err = minter.Mint(ctx, "https://alice.example/", "https://alice.example/feed", "https://bob.example/", []string{"profile", "email"})
	require.ErrorIs(t, err, ErrNoActionScope)
}

func TestMintFailsWithoutTicketEndpoint(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.ProfileIdentifierInsert(ctx, "https://alice.example/", "alice"))

	profileServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html></html>`)
	}))
	defer profileServer.Close()

	codec, err := envelope.NewCodec([]byte("test-secret-not-for-production-x"), "ticket")
	require.NoError(t, err)
	minter := NewMinter(codec, s, profileServer.Client(), time.Hour, "https://issuer.example/")

	_, err = minter.Mint(ctx, "https://alice.example/", "https://alice.example/feed", profileServer.URL, []string{"read"})
	require.ErrorIs(t, err, ErrNoTicketEndpoint)
}

func TestProfferRequiresPublisher(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	err := Proffer(ctx, nil, s, "some-ticket", "https://resource.example/", "https://subject.example/")
	require.ErrorIs(t, err, ErrQueueNotConfigured)
}

func TestProfferRejectsInvalidSubjectBeforePublishing(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	err := Proffer(ctx, failingPublisher{}, s, "some-ticket", "https://resource.example/", "https://nobody.example/")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPublishFailed)
}

func TestProfferWrapsBrokerFailureDistinctlyFromValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.ProfileIdentifierInsert(ctx, "https://bob.example/", "bob"))

	err := Proffer(ctx, failingPublisher{}, s, "some-ticket", "https://resource.example/", "https://bob.example/")
	require.ErrorIs(t, err, ErrPublishFailed)
}
