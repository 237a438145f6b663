// Package memory provides an in-process, mutex-guarded implementation
// of storage.Storage used by unit tests and the conformance suite.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dingus-idp/dingus/storage"
)

var _ storage.Storage = (*memStorage)(nil)

// New returns a fresh in-memory storage engine.
func New(logger *slog.Logger) storage.Storage {
	return &memStorage{
		authentications: make(map[string]storage.Authentication),
		profiles:        make(map[string]string),
		profileScopes:   make(map[string]map[string]struct{}),
		scopes:          make(map[string]storage.Scope),
		codes:           make(map[string]storage.Code),
		resources:       make(map[string]storage.Resource),
		tickets:         make(map[string]storage.RedeemedTicket),
		almanac:         make(map[string]time.Time),
		logger:          logger,
	}
}

// Config is the (empty) configuration for the in-memory engine —
// there is nothing to configure.
type Config struct{}

// Open always returns a new in-memory storage instance.
func (c *Config) Open(logger *slog.Logger) (storage.Storage, error) {
	return New(logger), nil
}

type memStorage struct {
	mu sync.Mutex

	authentications map[string]storage.Authentication
	profiles        map[string]string              // profile -> identifier
	profileScopes   map[string]map[string]struct{} // profile -> scope set
	scopes          map[string]storage.Scope
	codes           map[string]storage.Code
	resources       map[string]storage.Resource
	tickets         map[string]storage.RedeemedTicket
	almanac         map[string]time.Time

	logger *slog.Logger
}

func (s *memStorage) Initialize(ctx context.Context) error { return nil }
func (s *memStorage) HealthCheck(ctx context.Context) error { return nil }
func (s *memStorage) Close() error                          { return nil }

// -- Authentication --------------------------------------------------

func (s *memStorage) AuthenticationGet(ctx context.Context, id string) (storage.Authentication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authentications[id]
	if !ok {
		return storage.Authentication{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *memStorage) AuthenticationUpsert(ctx context.Context, id, credential, otpKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authentications[id]
	if !ok {
		a = storage.Authentication{Identifier: id, Created: time.Now()}
	}
	a.Credential = credential
	a.OTPKey = otpKey
	s.authentications[id] = a
	return nil
}

func (s *memStorage) AuthenticationUpdateCredential(ctx context.Context, id, credential string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authentications[id]
	if !ok {
		return storage.ErrUnexpectedResult
	}
	a.Credential = credential
	s.authentications[id] = a
	return nil
}

func (s *memStorage) AuthenticationUpdateOTPKey(ctx context.Context, id, otpKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authentications[id]
	if !ok {
		return storage.ErrUnexpectedResult
	}
	a.OTPKey = otpKey
	s.authentications[id] = a
	return nil
}

func (s *memStorage) AuthenticationSuccess(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authentications[id]
	if !ok {
		return storage.ErrUnexpectedResult
	}
	a.LastAuthentication = time.Now()
	s.authentications[id] = a
	return nil
}

// -- Profile / scope registry -----------------------------------------

func (s *memStorage) ProfileIsValid(ctx context.Context, profile string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.profiles[profile]
	return ok, nil
}

func (s *memStorage) ProfileIdentifierInsert(ctx context.Context, profile, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[profile]; ok {
		return storage.ErrAlreadyExists
	}
	s.profiles[profile] = identifier
	return nil
}

func (s *memStorage) ProfileIdentifier(ctx context.Context, profile string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.profiles[profile]
	if !ok {
		return "", storage.ErrNotFound
	}
	return id, nil
}

func (s *memStorage) ProfileScopeInsert(ctx context.Context, profile, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.profileScopes[profile]
	if !ok {
		set = map[string]struct{}{}
		s.profileScopes[profile] = set
	}
	set[scope] = struct{}{}
	return nil
}

func (s *memStorage) ProfileScopesSetAll(ctx context.Context, profile string, scopes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := map[string]struct{}{}
	for _, sc := range scopes {
		set[sc] = struct{}{}
	}
	s.profileScopes[profile] = set
	return nil
}

func (s *memStorage) ProfilesScopesByIdentifier(ctx context.Context, identifier string) (storage.ProfileScopes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := storage.ProfileScopes{
		ProfileScopes: map[string]map[string]storage.Scope{},
		ScopeIndex:    map[string]storage.ScopeDetail{},
	}
	for profile, id := range s.profiles {
		if id != identifier {
			continue
		}
		out.Profiles = append(out.Profiles, profile)
		perProfile := map[string]storage.Scope{}
		for scopeName := range s.profileScopes[profile] {
			sc, ok := s.scopes[scopeName]
			if !ok {
				continue
			}
			perProfile[scopeName] = sc
			detail := out.ScopeIndex[scopeName]
			detail.Scope = sc
			detail.Profiles = append(detail.Profiles, profile)
			out.ScopeIndex[scopeName] = detail
		}
		out.ProfileScopes[profile] = perProfile
	}
	return out, nil
}

func (s *memStorage) ScopeUpsert(ctx context.Context, scope, application, description string, manuallyAdded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.scopes[scope]
	isPermanent := ok && existing.IsPermanent
	s.scopes[scope] = storage.Scope{
		Scope:           scope,
		Application:     application,
		Description:     description,
		IsPermanent:     isPermanent,
		IsManuallyAdded: manuallyAdded,
	}
	return nil
}

func (s *memStorage) ScopeDelete(ctx context.Context, scope string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, set := range s.profileScopes {
		if _, ok := set[scope]; ok {
			return false, nil
		}
	}
	sc, ok := s.scopes[scope]
	if !ok || sc.IsPermanent {
		return false, nil
	}
	delete(s.scopes, scope)
	return true, nil
}

func (s *memStorage) ScopeCleanup(ctx context.Context, atLeastMsSinceLast int64) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if skip := s.tooSoonLocked("cleanScopes", atLeastMsSinceLast); skip {
		return 0, true, nil
	}

	referenced := map[string]struct{}{}
	for _, set := range s.profileScopes {
		for scope := range set {
			referenced[scope] = struct{}{}
		}
	}
	for _, code := range s.codes {
		if code.IsRevoked {
			continue
		}
		for _, scope := range code.Scopes {
			referenced[scope] = struct{}{}
		}
	}

	n := 0
	for name, sc := range s.scopes {
		if sc.IsPermanent || sc.IsManuallyAdded {
			continue
		}
		if _, live := referenced[name]; live {
			continue
		}
		delete(s.scopes, name)
		n++
	}
	s.almanac["cleanScopes"] = time.Now()
	return n, false, nil
}

func (s *memStorage) tooSoonLocked(event string, atLeastMsSinceLast int64) bool {
	if atLeastMsSinceLast <= 0 {
		return false
	}
	at, ok := s.almanac[event]
	if !ok {
		return false
	}
	return time.Since(at).Milliseconds() < atLeastMsSinceLast
}

// -- Unified code/token table ------------------------------------------

func (s *memStorage) RedeemCode(ctx context.Context, p storage.RedeemCodeParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.codes[p.CodeID]
	if ok {
		existing.IsRevoked = true
		s.codes[p.CodeID] = existing
		return false, nil
	}

	var expires, refreshExpires *time.Time
	if p.LifespanSeconds != nil {
		e := p.Created.Add(time.Duration(*p.LifespanSeconds) * time.Second)
		expires = &e
	}
	var refreshDuration *time.Duration
	if p.RefreshLifespanSeconds != nil {
		d := time.Duration(*p.RefreshLifespanSeconds) * time.Second
		refreshDuration = &d
		e := p.Created.Add(d)
		refreshExpires = &e
	}

	s.codes[p.CodeID] = storage.Code{
		CodeID:          p.CodeID,
		Created:         p.Created,
		IsToken:         p.IsToken,
		ClientID:        p.ClientID,
		Profile:         p.Profile,
		Identifier:      p.Identifier,
		Scopes:          append([]string(nil), p.Scopes...),
		Expires:         expires,
		RefreshExpires:  refreshExpires,
		RefreshDuration: refreshDuration,
		ProfileData:     p.ProfileData,
		Resource:        p.Resource,
	}
	return true, nil
}

func (s *memStorage) RefreshCode(ctx context.Context, codeID string, refreshedAt time.Time, removeScopes []string) (*storage.RefreshedCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[codeID]
	if !ok || code.IsRevoked || code.RefreshDuration == nil {
		return nil, nil
	}

	removeSet := map[string]struct{}{}
	for _, sc := range removeScopes {
		removeSet[sc] = struct{}{}
	}
	var scopes []string
	for _, sc := range code.Scopes {
		if _, remove := removeSet[sc]; !remove {
			scopes = append(scopes, sc)
		}
	}

	newExpires := refreshedAt.Add(*code.RefreshDuration)
	newRefreshExpires := newExpires

	code.Expires = &newExpires
	code.RefreshExpires = &newRefreshExpires
	code.Refreshed = &refreshedAt
	code.Scopes = scopes
	s.codes[codeID] = code

	return &storage.RefreshedCode{Expires: &newExpires, RefreshExpires: &newRefreshExpires, Scopes: scopes}, nil
}

func (s *memStorage) TokenGetByCodeID(ctx context.Context, codeID string) (storage.Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[codeID]
	if !ok {
		return storage.Code{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *memStorage) TokenRevokeByCodeID(ctx context.Context, codeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[codeID]
	if !ok {
		return storage.ErrUnexpectedResult
	}
	c.IsRevoked = true
	s.codes[codeID] = c
	return nil
}

func (s *memStorage) TokenRefreshRevokeByCodeID(ctx context.Context, codeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[codeID]
	if !ok {
		return storage.ErrUnexpectedResult
	}
	c.RefreshExpires = nil
	c.RefreshDuration = nil
	s.codes[codeID] = c
	return nil
}

func (s *memStorage) TokensGetByIdentifier(ctx context.Context, identifier string) ([]storage.Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Code
	for _, c := range s.codes {
		if c.Identifier == identifier && c.IsToken {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStorage) TokenCleanup(ctx context.Context, codeLifespanSeconds int64, atLeastMsSinceLast int64) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if skip := s.tooSoonLocked("cleanTokens", atLeastMsSinceLast); skip {
		return 0, true, nil
	}

	now := time.Now()
	codeExpiry := now.Add(-time.Duration(codeLifespanSeconds) * time.Second)
	n := 0
	for id, c := range s.codes {
		expired := (c.Expires != nil && c.Expires.Before(now)) ||
			(!c.IsToken && c.Created.Before(codeExpiry))
		if expired {
			delete(s.codes, id)
			n++
		}
	}
	s.almanac["cleanTokens"] = now
	return n, false, nil
}

// -- Tickets -------------------------------------------------------------

func (s *memStorage) TicketRedeemed(ctx context.Context, t storage.RedeemedTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[t.Ticket]; ok {
		return storage.ErrAlreadyExists
	}
	s.tickets[t.Ticket] = t
	return nil
}

func (s *memStorage) TicketTokenPublished(ctx context.Context, ticket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticket]
	if !ok {
		return storage.ErrUnexpectedResult
	}
	now := time.Now()
	t.Published = &now
	s.tickets[ticket] = t
	return nil
}

func (s *memStorage) TicketTokenGetUnpublished(ctx context.Context, limit int) ([]storage.RedeemedTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.RedeemedTicket
	for _, t := range s.tickets {
		if t.Published == nil {
			out = append(out, t)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// -- Resources -------------------------------------------------------------

func (s *memStorage) ResourceGet(ctx context.Context, resourceID string) (storage.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[resourceID]
	if !ok {
		return storage.Resource{}, storage.ErrNotFound
	}
	return r, nil
}

// -- Almanac -------------------------------------------------------------

func (s *memStorage) AlmanacGetAll(ctx context.Context) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.almanac))
	for k, v := range s.almanac {
		out[k] = v
	}
	return out, nil
}

func (s *memStorage) AlmanacUpsert(ctx context.Context, event string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.almanac[event] = at
	return nil
}
