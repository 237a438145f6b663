// Package ticket implements the TicketAuth side channel: an operator
// mints a capability for a named subject and resource without that
// subject ever visiting the authorization endpoint, delivers it to the
// subject's advertised ticket_endpoint, and the subject later redeems
// it for an access token through the ordinary token endpoint's
// grant_type=ticket path (server package). There is no teacher
// equivalent; this is grounded structurally on the envelope codec for
// minting and on pkg/html's rel-discovery helper (itself adapted from
// the teacher's pkg/html form-scraping) for locating where to deliver.
package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/dingus-idp/dingus/envelope"
	"github.com/dingus-idp/dingus/pkg/html"
	"github.com/dingus-idp/dingus/queue"
	"github.com/dingus-idp/dingus/storage"
)

var (
	// ErrNoTicketEndpoint is returned when the subject's profile page
	// doesn't advertise a rel="ticket_endpoint" link.
	ErrNoTicketEndpoint = errors.New("ticket: subject has no ticket_endpoint")
	// ErrNoActionScope is returned when the requested scope set is
	// empty or contains only profile/email.
	ErrNoActionScope = errors.New("ticket: at least one action scope is required")
	// ErrQueueNotConfigured is returned by Proffer when no queue
	// publisher was wired in.
	ErrQueueNotConfigured = errors.New("ticket: queue not configured")
	// ErrPublishFailed wraps a broker-side failure from Proffer's call
	// to publisher.Publish, distinguishing it from a malformed proffer
	// so the caller can surface a 500 instead of a 400.
	ErrPublishFailed = errors.New("ticket: publishing to queue failed")
)

// Minter mints and delivers tickets on behalf of an operator.
type Minter struct {
	codec      *envelope.Codec
	storage    storage.Storage
	httpClient *http.Client
	lifespan   time.Duration
	issuer     string
}

// NewMinter returns a Minter. issuer is this server's own identity
// (dingus.selfBaseUrl), packed into the ticket envelope's iss field.
func NewMinter(codec *envelope.Codec, s storage.Storage, httpClient *http.Client, lifespan time.Duration, issuer string) *Minter {
	return &Minter{codec: codec, storage: s, httpClient: httpClient, lifespan: lifespan, issuer: issuer}
}

// MintResult reports the outcome of minting and attempting delivery.
// Delivery failure never invalidates the minted ticket; it's surfaced
// to the operator so they can hand the token over out of band.
type MintResult struct {
	Token      string
	Delivered  bool
	DeliverErr error
}

// Mint validates profile, resource, and subject, fetches the
// subject's page to find its rel="ticket_endpoint" link, packs a ticket
// envelope, and attempts delivery.
func (m *Minter) Mint(ctx context.Context, profile, resource, subject string, scopes []string) (MintResult, error) {
	valid, err := m.storage.ProfileIsValid(ctx, profile)
	if err != nil {
		return MintResult{}, fmt.Errorf("ticket: checking profile: %w", err)
	}
	if !valid {
		return MintResult{}, fmt.Errorf("ticket: %q is not a valid profile", profile)
	}

	if _, err := parseAbsoluteHTTPURL(resource); err != nil {
		return MintResult{}, fmt.Errorf("ticket: resource: %w", err)
	}
	subjectURL, err := parseAbsoluteHTTPURL(subject)
	if err != nil {
		return MintResult{}, fmt.Errorf("ticket: subject: %w", err)
	}

	actionScopes := 0
	for _, s := range scopes {
		if s != "profile" && s != "email" {
			actionScopes++
		}
	}
	if actionScopes == 0 {
		return MintResult{}, ErrNoActionScope
	}

	identifier, err := m.storage.ProfileIdentifier(ctx, profile)
	if err != nil {
		return MintResult{}, fmt.Errorf("ticket: looking up identifier: %w", err)
	}

	endpoint, err := m.discoverTicketEndpoint(ctx, subjectURL)
	if err != nil {
		return MintResult{}, err
	}

	now := time.Now().UTC()
	env := envelope.Ticket{
		CodeID:     uuid.NewString(),
		Issuer:     m.issuer,
		Subject:    subject,
		Resource:   resource,
		Scopes:     scopes,
		Identifier: identifier,
		Profile:    profile,
		IssuedAt:   now,
		Expiry:     now.Add(m.lifespan),
	}
	token, err := envelope.Seal(m.codec, env)
	if err != nil {
		return MintResult{}, fmt.Errorf("ticket: sealing envelope: %w", err)
	}

	result := MintResult{Token: token}
	if err := m.deliver(ctx, endpoint, token, resource, subject); err != nil {
		result.DeliverErr = err
		return result, nil
	}
	result.Delivered = true
	return result, nil
}

func (m *Minter) discoverTicketEndpoint(ctx context.Context, subjectURL *url.URL) (*url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, subjectURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("ticket: building discovery request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ticket: fetching subject profile: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("ticket: reading subject profile: %w", err)
	}

	rels, err := html.DiscoverRel(bytes.NewReader(body), subjectURL, "ticket_endpoint")
	if err != nil {
		return nil, fmt.Errorf("ticket: parsing subject profile: %w", err)
	}
	if len(rels) == 0 {
		return nil, ErrNoTicketEndpoint
	}
	endpoint, err := url.Parse(rels[0])
	if err != nil {
		return nil, fmt.Errorf("ticket: parsing ticket_endpoint: %w", err)
	}
	return endpoint, nil
}

func (m *Minter) deliver(ctx context.Context, endpoint *url.URL, token, resource, subject string) error {
	form := url.Values{"ticket": {token}, "resource": {resource}, "subject": {subject}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewBufferString(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ticket: delivery rejected with status %d", resp.StatusCode)
	}
	return nil
}

func parseAbsoluteHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%q is not an http(s) URL", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%q has no host", raw)
	}
	return u, nil
}

// Proffer handles an unsolicited ticket proffer at POST /ticket: a
// third party hands us a ticket it received out of band, naming the
// resource and subject it claims the ticket is for, and we queue it
// for asynchronous redemption rather than validating it inline.
func Proffer(ctx context.Context, publisher queue.Publisher, s storage.Storage, ticketToken, resource, subject string) error {
	if publisher == nil {
		return ErrQueueNotConfigured
	}
	if _, err := parseAbsoluteHTTPURL(resource); err != nil {
		return fmt.Errorf("ticket: resource: %w", err)
	}
	valid, err := s.ProfileIsValid(ctx, subject)
	if err != nil {
		return fmt.Errorf("ticket: checking subject: %w", err)
	}
	if !valid {
		return fmt.Errorf("ticket: %q is not a valid profile", subject)
	}

	body, err := json.Marshal(struct {
		Ticket   string `json:"ticket"`
		Resource string `json:"resource"`
		Subject  string `json:"subject"`
	}{Ticket: ticketToken, Resource: resource, Subject: subject})
	if err != nil {
		return err
	}
	if err := publisher.Publish(ctx, resource, body); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// EnsureActionScope validates a requested scope set contains at least
// one scope beyond profile/email, the same check Mint performs,
// exposed separately so the admin minting form can validate before
// ever calling Mint.
func EnsureActionScope(scopes []string) error {
	for _, s := range scopes {
		if s != "profile" && s != "email" {
			return nil
		}
	}
	return ErrNoActionScope
}
