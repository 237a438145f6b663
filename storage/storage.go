// Package storage defines the persistence contract shared by the
// embedded SQLite and networked Postgres engines: authentications,
// profiles, scopes, the unified code/token table, resources, redeemed
// tickets, and the chore almanac. Every method takes a context.Context
// so callers can bound request-scoped work, mirroring the teacher
// storage interface this one descends from.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage error categories. These are sentinel errors rather than a
// closed type hierarchy so callers test with errors.Is.
var (
	ErrNotFound          = errors.New("storage: not found")
	ErrAlreadyExists     = errors.New("storage: already exists")
	ErrUnexpectedResult  = errors.New("storage: unexpected result")
	ErrMigrationNeeded   = errors.New("storage: schema migration needed")
	ErrUnsupportedEngine = errors.New("storage: unsupported engine")
	ErrNotImplemented    = errors.New("storage: not implemented")
	ErrDataValidation    = errors.New("storage: data validation failed")
)

// Authentication is a human operator's credential record.
type Authentication struct {
	Identifier         string
	Credential         string
	OTPKey             string
	Created            time.Time
	LastAuthentication time.Time
}

// Scope describes a known OAuth scope token.
type Scope struct {
	Scope           string
	Application     string
	Description     string
	IsPermanent     bool
	IsManuallyAdded bool
}

// ScopeDetail is a Scope annotated with the profiles offering it,
// returned from ProfilesScopesByIdentifier.
type ScopeDetail struct {
	Scope
	Profiles []string
}

// ProfileScopes is the per-identifier view consumed by the scope
// registry and the authorization state machine.
type ProfileScopes struct {
	Profiles      []string
	ProfileScopes map[string]map[string]Scope
	ScopeIndex    map[string]ScopeDetail
}

// Code is the unified authorization-code / issued-token row.
type Code struct {
	CodeID          string
	Created         time.Time
	IsToken         bool
	ClientID        string
	Profile         string
	Identifier      string
	Scopes          []string
	Expires         *time.Time // nil means no expiration
	RefreshExpires  *time.Time
	Refreshed       *time.Time
	RefreshDuration *time.Duration
	IsRevoked       bool
	ProfileData     map[string]any
	Resource        string
}

// Resource represents a resource server allowed to call introspection.
type Resource struct {
	ResourceID  string
	Secret      string
	Description string
	Created     time.Time
}

// RedeemedTicket is a ticket accepted for delivery/redemption.
type RedeemedTicket struct {
	Ticket    string
	Resource  string
	Subject   string
	Issuer    string
	Token     string
	Created   time.Time
	Published *time.Time
}

// RedeemCodeParams is the input to RedeemCode.
type RedeemCodeParams struct {
	CodeID                 string
	Created                time.Time
	IsToken                bool
	ClientID               string
	Profile                string
	Identifier             string
	Scopes                 []string
	LifespanSeconds        *int64 // nil means no expiration
	RefreshLifespanSeconds *int64
	ProfileData            map[string]any
	Resource               string
}

// RefreshedCode is returned by RefreshCode on success.
type RefreshedCode struct {
	Expires        *time.Time
	RefreshExpires *time.Time
	Scopes         []string
}

// Storage is the persistence contract. Engines: storage/sql (Postgres,
// SQLite) and storage/memory (tests).
type Storage interface {
	// Lifecycle
	Initialize(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Close() error

	// Authentication
	AuthenticationGet(ctx context.Context, id string) (Authentication, error)
	AuthenticationUpsert(ctx context.Context, id, credential, otpKey string) error
	AuthenticationUpdateCredential(ctx context.Context, id, credential string) error
	AuthenticationUpdateOTPKey(ctx context.Context, id, otpKey string) error
	AuthenticationSuccess(ctx context.Context, id string) error

	// Profile / scope registry
	ProfileIsValid(ctx context.Context, profile string) (bool, error)
	ProfileIdentifierInsert(ctx context.Context, profile, identifier string) error
	ProfileIdentifier(ctx context.Context, profile string) (string, error)
	ProfileScopeInsert(ctx context.Context, profile, scope string) error
	ProfileScopesSetAll(ctx context.Context, profile string, scopes []string) error
	ProfilesScopesByIdentifier(ctx context.Context, identifier string) (ProfileScopes, error)

	ScopeUpsert(ctx context.Context, scope, application, description string, manuallyAdded bool) error
	ScopeDelete(ctx context.Context, scope string) (bool, error)
	ScopeCleanup(ctx context.Context, atLeastMsSinceLast int64) (int, bool, error)

	// Unified code/token table
	RedeemCode(ctx context.Context, p RedeemCodeParams) (bool, error)
	RefreshCode(ctx context.Context, codeID string, refreshedAt time.Time, removeScopes []string) (*RefreshedCode, error)
	TokenGetByCodeID(ctx context.Context, codeID string) (Code, error)
	TokenRevokeByCodeID(ctx context.Context, codeID string) error
	TokenRefreshRevokeByCodeID(ctx context.Context, codeID string) error
	TokensGetByIdentifier(ctx context.Context, identifier string) ([]Code, error)
	TokenCleanup(ctx context.Context, codeLifespanSeconds int64, atLeastMsSinceLast int64) (int, bool, error)

	// Tickets
	TicketRedeemed(ctx context.Context, t RedeemedTicket) error
	TicketTokenPublished(ctx context.Context, ticket string) error
	TicketTokenGetUnpublished(ctx context.Context, limit int) ([]RedeemedTicket, error)

	// Resources
	ResourceGet(ctx context.Context, resourceID string) (Resource, error)

	// Almanac
	AlmanacGetAll(ctx context.Context) (map[string]time.Time, error)
	AlmanacUpsert(ctx context.Context, event string, at time.Time) error
}
