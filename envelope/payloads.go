package envelope

import "time"

// Continuation carries the in-flight authorization request between
// GET /authorize and POST /consent. Nothing about the request is held
// server-side; the continuation envelope is round-tripped through the
// consent form instead. CodeID is a fresh UUID minted at /authorize
// time that becomes the eventual code's CodeID, and Identifier is the
// authenticated operator's id, re-resolved to a profile list at
// consent time rather than carried as a stale snapshot.
type Continuation struct {
	CodeID              string    `json:"id"`
	Identifier          string    `json:"authentication_id"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	State               string    `json:"state"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	RequestedScopes     []string  `json:"scopes,omitempty"`
	ResponseType        string    `json:"response_type"`
	Me                  string    `json:"me,omitempty"`
	IssuedAt            time.Time `json:"iat"`
	Expiry              time.Time `json:"exp"`
}

// Code is the authorization code envelope minted at the end of consent
// and redeemed exactly once at POST /token. The lifespan fields carry
// the operator's consent-time choice forward to redemption, since
// nothing about the request is held server-side in between.
type Code struct {
	CodeID                 string         `json:"code_id"`
	ClientID               string         `json:"client_id"`
	RedirectURI            string         `json:"redirect_uri"`
	Me                     string         `json:"me"`
	GrantedScopes          []string       `json:"scopes,omitempty"`
	CodeChallenge          string         `json:"code_challenge,omitempty"`
	CodeChallengeMethod    string         `json:"code_challenge_method,omitempty"`
	LifespanSeconds        *int64         `json:"lifespan_seconds,omitempty"`
	RefreshLifespanSeconds *int64         `json:"refresh_lifespan_seconds,omitempty"`
	ProfileData            map[string]any `json:"profile_data,omitempty"`
	Nonce                  string         `json:"nonce"`
	IssuedAt               time.Time      `json:"iat"`
	Expiry                 time.Time      `json:"exp"`
}

// AccessToken is a thin pointer into the unified code/token table: the
// authoritative client_id, me, and scopes live on the storage row
// itself (TokenGetByCodeID), so the envelope carries only what's
// needed to find that row and confirm the bearer actually minted it.
// A nil Expiry means the token never expires.
type AccessToken struct {
	CodeID   string `json:"c"`
	IssuedAt int64  `json:"ts"`
	Expiry   *int64 `json:"exp,omitempty"`
}

// RefreshToken is the rotating counterpart to AccessToken. Its Expiry
// pins the refresh-expiry epoch in effect when this particular
// envelope was minted; refreshCode advances the stored row's
// refreshExpires on every use, so a prior envelope's Expiry will
// compare stale against the row and be refused (Testable Property 4).
type RefreshToken struct {
	CodeID   string `json:"rc"`
	IssuedAt int64  `json:"ts"`
	Expiry   int64  `json:"exp"`
}

// Ticket is the sealed form of a TicketAuth capability handed to a
// subject's resource, redeemable once at POST /token with
// grant_type=ticket. CodeID is the row RedeemCode will create or
// revoke, tying the envelope to the single-redemption unified code/
// token table the same way the Code envelope does.
type Ticket struct {
	CodeID     string    `json:"c"`
	Issuer     string    `json:"iss"`
	Subject    string    `json:"sub"`
	Resource   string    `json:"res"`
	Scopes     []string  `json:"scope,omitempty"`
	Identifier string    `json:"ident"`
	Profile    string    `json:"profile"`
	IssuedAt   time.Time `json:"iat"`
	Expiry     time.Time `json:"exp"`
}

// Expired reports whether t, as an expiry timestamp, has passed as of now.
func Expired(exp time.Time, now time.Time) bool {
	return now.After(exp)
}

// Seal[T] and Open[T] give each payload shape its own typed helpers over
// a shared Codec, so callers never juggle `any` at call sites.
func Seal[T any](c *Codec, v T) (string, error) {
	return c.Seal(v)
}

func Open[T any](c *Codec, token string) (T, error) {
	var v T
	err := c.Open(token, &v)
	return v, err
}
