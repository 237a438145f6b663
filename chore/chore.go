// Package chore runs the background maintenance loops the server
// doesn't want on the request path: expired-token cleanup, orphaned
// ad-hoc scope cleanup, and ticket-delivery publication. Each chore
// is a goroutine that reschedules itself with time.After, the same
// shape as the teacher's garbage-collection loop, generalized to run
// more than one independent loop and to let an operator trigger a run
// out of band via RunNow.
package chore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dingus-idp/dingus/queue"
	"github.com/dingus-idp/dingus/storage"
)

// Config controls how often each chore runs. Zero disables a chore.
type Config struct {
	TokenCleanupInterval     time.Duration
	ScopeCleanupInterval     time.Duration
	TicketPublicationInterval time.Duration

	// CodeLifespanSeconds is the age past which TokenCleanup deletes a
	// code row that was never turned into a token (IsToken false); rows
	// whose Expires has passed are deleted regardless of it.
	CodeLifespanSeconds int64

	// TicketPublicationBatch caps how many unpublished tickets a single
	// publication run attempts before rescheduling.
	TicketPublicationBatch int
}

// Scheduler owns the set of maintenance loops and their almanac-backed
// rate limiting, so two server instances sharing one database don't
// both churn through the same cleanup work every tick.
type Scheduler struct {
	storage   storage.Storage
	logger    *slog.Logger
	publisher queue.Publisher
	cfg       Config
}

// New returns a Scheduler. publisher may be nil if ticket delivery is
// not configured, in which case the publication chore logs and skips.
func New(s storage.Storage, logger *slog.Logger, publisher queue.Publisher, cfg Config) *Scheduler {
	if cfg.TicketPublicationBatch <= 0 {
		cfg.TicketPublicationBatch = 50
	}
	return &Scheduler{storage: s, logger: logger, publisher: publisher, cfg: cfg}
}

// Start launches every configured chore as its own goroutine, each
// exiting when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.startLoop(ctx, "clean_tokens", s.cfg.TokenCleanupInterval, func(ctx context.Context) error {
		return s.cleanTokens(ctx, rateLimitMs)
	})
	s.startLoop(ctx, "clean_scopes", s.cfg.ScopeCleanupInterval, func(ctx context.Context) error {
		return s.cleanScopes(ctx, rateLimitMs)
	})
	s.startLoop(ctx, "publish_tickets", s.cfg.TicketPublicationInterval, s.publishTickets)
}

func (s *Scheduler) startLoop(ctx context.Context, name string, interval time.Duration, run func(ctx context.Context) error) {
	if interval <= 0 {
		s.logger.InfoContext(ctx, "chore disabled", "chore", name)
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
				if err := run(ctx); err != nil {
					s.logger.ErrorContext(ctx, "chore run failed", "chore", name, "err", err)
				}
			}
		}
	}()
}

// RunNow executes every chore once, synchronously, ignoring each
// chore's configured interval and its almanac rate limit — a
// bare-zero atLeastMsSinceLast forces cleanTokens/cleanScopes to run
// regardless of when they last ran. It is meant for the admin
// maintenance endpoint, where an operator wants an immediate run
// rather than waiting for the next tick.
func (s *Scheduler) RunNow(ctx context.Context) error {
	if err := s.cleanTokens(ctx, 0); err != nil {
		return err
	}
	if err := s.cleanScopes(ctx, 0); err != nil {
		return err
	}
	return s.publishTickets(ctx)
}

func (s *Scheduler) cleanTokens(ctx context.Context, atLeastMsSinceLast int64) error {
	n, ran, err := s.storage.TokenCleanup(ctx, s.cfg.CodeLifespanSeconds, atLeastMsSinceLast)
	if err != nil {
		return err
	}
	if ran && n > 0 {
		s.logger.InfoContext(ctx, "token cleanup run", "deleted", n)
	}
	return nil
}

func (s *Scheduler) cleanScopes(ctx context.Context, atLeastMsSinceLast int64) error {
	n, ran, err := s.storage.ScopeCleanup(ctx, atLeastMsSinceLast)
	if err != nil {
		return err
	}
	if ran && n > 0 {
		s.logger.InfoContext(ctx, "scope cleanup run", "deleted", n)
	}
	return nil
}

func (s *Scheduler) publishTickets(ctx context.Context) error {
	if s.publisher == nil {
		return nil
	}
	pending, err := s.storage.TicketTokenGetUnpublished(ctx, s.cfg.TicketPublicationBatch)
	if err != nil {
		return err
	}
	published := 0
	for _, t := range pending {
		body, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := s.publisher.Publish(ctx, t.Resource, body); err != nil {
			s.logger.ErrorContext(ctx, "ticket publication failed", "ticket", t.Ticket, "err", err)
			continue
		}
		if err := s.storage.TicketTokenPublished(ctx, t.Ticket); err != nil {
			return err
		}
		published++
	}
	if published > 0 {
		s.logger.InfoContext(ctx, "ticket publication run", "published", published)
	}
	return nil
}

// rateLimitMs is the minimum gap a chore's almanac entry must satisfy
// before storage actually runs the cleanup query, so a short configured
// interval on one instance doesn't hammer the database when several
// server instances share it.
const rateLimitMs = int64(30_000)
