// Package scope is a thin validation/query layer over storage for the
// scope and profile registry: which scope tokens are well-formed, which
// are offered by default for a given profile, and the email-without-profile
// narrowing rule the authorization state machine enforces at two points
// (request validation and consent acceptance).
package scope

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dingus-idp/dingus/storage"
)

// Note records a non-fatal adjustment the registry made while
// normalizing a requested or accepted scope set, surfaced to callers so
// handlers can log it without the registry importing a logger directly.
type Note struct {
	Scope   string
	Message string
}

// Valid reports whether s is a non-empty scope token: the characters
// 0x21, 0x23-0x5B, 0x5D-0x7E (every printable ASCII character except
// space, double quote, and backslash).
func Valid(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r == 0x21:
		case r >= 0x23 && r <= 0x5B:
		case r >= 0x5D && r <= 0x7E:
		default:
			return false
		}
	}
	return true
}

// Registry validates and normalizes scope sets against storage.
type Registry struct {
	storage storage.Storage
	logger  *slog.Logger
}

// New returns a Registry backed by s.
func New(s storage.Storage, logger *slog.Logger) *Registry {
	return &Registry{storage: s, logger: logger}
}

// ParseRequested splits a space-separated scope query parameter into
// its tokens, silently dropping malformed entries. The email-without-profile
// rule is enforced by the caller (via HasEmailWithoutProfile), since a request-time
// violation is a hard invalid_scope error while a consent-time one is a
// silent strip — the two callers need different severities for the same check.
func ParseRequested(raw string) []string {
	if raw == "" {
		return nil
	}
	fields := strings.Fields(raw)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if Valid(f) {
			out = append(out, f)
		}
	}
	return out
}

// HasEmailWithoutProfile reports whether scopes contains "email" but not
// "profile" — the one combination the authorization endpoint rejects
// outright with invalid_scope, per spec.
func HasEmailWithoutProfile(scopes []string) bool {
	hasEmail, hasProfile := false, false
	for _, s := range scopes {
		switch s {
		case "email":
			hasEmail = true
		case "profile":
			hasProfile = true
		}
	}
	return hasEmail && !hasProfile
}

// NormalizeAccepted validates the operator's accepted scope set at
// consent time: ad-hoc entries are individually checked and dropped
// with a Note if invalid, and "email" is silently removed if "profile"
// isn't also present (rather than rejecting the whole consent). The
// second return value is the subset of the first that came from the
// ad-hoc field rather than the pre-offered checkboxes — the only
// scopes a caller should register as newly known, since the checkbox
// set is by definition already known.
func NormalizeAccepted(adHoc string, accepted []string) ([]string, []string, []Note) {
	var notes []Note
	var adHocValid []string
	all := append([]string(nil), accepted...)
	for _, s := range strings.Fields(adHoc) {
		if Valid(s) {
			all = append(all, s)
			adHocValid = append(adHocValid, s)
		} else {
			notes = append(notes, Note{Scope: s, Message: "dropped invalid ad-hoc scope"})
		}
	}

	if HasEmailWithoutProfile(all) {
		out := make([]string, 0, len(all))
		for _, s := range all {
			if s != "email" {
				out = append(out, s)
			}
		}
		notes = append(notes, Note{Scope: "email", Message: "removed: email requires profile"})
		all = out
		adHocValid = dedupe(removeString(adHocValid, "email"))
	}

	return dedupe(all), dedupe(adHocValid), notes
}

func removeString(ss []string, target string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func dedupe(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// DefaultOffered returns the scopes a profile offers by default,
// reading ProfileScope rows via storage.
func (r *Registry) DefaultOffered(ctx context.Context, profile string) ([]string, error) {
	// ProfilesScopesByIdentifier is keyed by identifier, not profile; callers
	// that already hold a storage.ProfileScopes value (the common case, from
	// parsing the authorization request) should read it directly instead of
	// calling this method. It exists to satisfy ad-hoc lookups from the
	// admin ticket-minting flow, where only the profile is known.
	identifier, err := r.storage.ProfileIdentifier(ctx, profile)
	if err != nil {
		return nil, err
	}
	full, err := r.storage.ProfilesScopesByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	offered := full.ProfileScopes[profile]
	out := make([]string, 0, len(offered))
	for s := range offered {
		out = append(out, s)
	}
	return out, nil
}

// EnsureKnown upserts each scope token as a manually-added entry with
// an empty application and description, so that consent-time ad-hoc
// scopes show up in later registry queries. An entry that already exists
// under the same name is overwritten with those values.
func (r *Registry) EnsureKnown(ctx context.Context, scopes []string) error {
	for _, s := range scopes {
		if err := r.storage.ScopeUpsert(ctx, s, "", "", true); err != nil {
			return err
		}
	}
	return nil
}
