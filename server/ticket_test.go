package server

import (
	"context"
	"errors"
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
	"github.com/dingus-idp/dingus/storage/memory"
)

// failingPublisher always reports a broker-side failure, mirroring the
// ticket package's own test double, so handleTicketProffer's status
// code choice can be exercised without a real broker.
type failingPublisher struct{}

func (failingPublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	return errors.New("broker unavailable")
}

func sealTestTicket(t *testing.T, codecs Codecs, resource, subject string) string {
	t.Helper()
	now := time.Now().UTC()
	tok, err := envelope.Seal(codecs.Ticket, envelope.Ticket{
		CodeID:     "ticket-1",
		Issuer:     "https://issuer.example/",
		Subject:    subject,
		Resource:   resource,
		Scopes:     []string{"read"},
		Identifier: "bob",
		Profile:    subject,
		IssuedAt:   now,
		Expiry:     now.Add(time.Hour),
	})
	require.NoError(t, err)
	return tok
}

func postTicketProffer(t *testing.T, srv *Server, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/ticket", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

// TestTicketProfferRejectsMissingFields covers spec §4.7's validation
// path: an incomplete proffer never reaches the publisher and is a 400.
func TestTicketProfferRejectsMissingFields(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mem := memory.New(logger)
	require.NoError(t, mem.Initialize(ctx))
	codecs := newTestCodecs(t)

	srv, err := NewServer(ctx, Config{
		Issuer:  "https://issuer.example/",
		Storage: mem,
		Codecs:  codecs,
	})
	require.NoError(t, err)

	w := postTicketProffer(t, srv, url.Values{"resource": {"https://resource.example/"}})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

// TestTicketProfferMalformedTicketIsBadRequest covers a syntactically
// complete but unsealable ticket token: still a 400, never reaching the
// publisher.
func TestTicketProfferMalformedTicketIsBadRequest(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mem := memory.New(logger)
	require.NoError(t, mem.Initialize(ctx))
	codecs := newTestCodecs(t)

	srv, err := NewServer(ctx, Config{
		Issuer:  "https://issuer.example/",
		Storage: mem,
		Codecs:  codecs,
		Queue:   failingPublisher{},
	})
	require.NoError(t, err)

	w := postTicketProffer(t, srv, url.Values{
		"ticket":   {"not-a-real-sealed-token"},
		"resource": {"https://resource.example/"},
		"subject":  {"https://bob.example/"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

// TestTicketProfferBrokerFailureIsServerError is the review-flagged
// case: a well-formed proffer whose publish fails at the broker must
// surface 500, not 400.
func TestTicketProfferBrokerFailureIsServerError(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mem := memory.New(logger)
	require.NoError(t, mem.Initialize(ctx))
	require.NoError(t, mem.ProfileIdentifierInsert(ctx, "https://bob.example/", "bob"))
	codecs := newTestCodecs(t)

	srv, err := NewServer(ctx, Config{
		Issuer:  "https://issuer.example/",
		Storage: mem,
		Codecs:  codecs,
		Queue:   failingPublisher{},
	})
	require.NoError(t, err)

	tok := sealTestTicket(t, codecs, "https://resource.example/", "https://bob.example/")
	w := postTicketProffer(t, srv, url.Values{
		"ticket":   {tok},
		"resource": {"https://resource.example/"},
		"subject":  {"https://bob.example/"},
	})
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

// TestTicketProfferNoQueueIsServerError: queue misconfiguration is a
// server-side problem, not a client-input problem.
func TestTicketProfferNoQueueIsServerError(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mem := memory.New(logger)
	require.NoError(t, mem.Initialize(ctx))
	require.NoError(t, mem.ProfileIdentifierInsert(ctx, "https://bob.example/", "bob"))
	codecs := newTestCodecs(t)

	srv, err := NewServer(ctx, Config{
		Issuer:  "https://issuer.example/",
		Storage: mem,
		Codecs:  codecs,
	})
	require.NoError(t, err)

	tok := sealTestTicket(t, codecs, "https://resource.example/", "https://bob.example/")
	w := postTicketProffer(t, srv, url.Values{
		"ticket":   {tok},
		"resource": {"https://resource.example/"},
		"subject":  {"https://bob.example/"},
	})
	require.Equal(t, http.StatusInternalServerError, w.Code)
}
