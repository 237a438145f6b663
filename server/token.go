package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dingus-idp/dingus/envelope"
	"github.com/dingus-idp/dingus/scope"
	"github.com/dingus-idp/dingus/storage"
)

// protoErr is a single resolved protocol error, the token endpoint's
// equivalent of the redirect-carrying errorAccumulator: the token
// endpoint has no redirect_uri to ride a 302 back to, so every failure
// collapses straight to a JSON body.
type protoErr struct {
	status      int
	code        string
	description string
}

func newProtoErr(status int, code, description string) *protoErr {
	return &protoErr{status: status, code: code, description: description}
}

var errNoHCard = errors.New("no h-card found on profile page")

// redeemResult is what a successful authorization_code redemption
// yields, shared by the full token endpoint and the legacy POST
// /authorize profile-response path.
type redeemResult struct {
	CodeID                 string
	ClientID               string
	Me                     string
	Scopes                 []string
	ProfileData            map[string]any
	LifespanSeconds        *int64
	RefreshLifespanSeconds *int64
}

// handleToken dispatches POST /token by grant_type, handling the
// legacy Authorization-Bearer-validation and action=revoke cases
// before the ordinary grant dispatch, per §4.5.3.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		s.handleLegacyBearerValidation(w, r, strings.TrimPrefix(auth, "Bearer "))
		return
	}

	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "could not parse form body")
		return
	}

	if r.FormValue("action") == "revoke" {
		s.handleRevokeToken(w, r, r.FormValue("token"))
		return
	}

	grantType := r.FormValue("grant_type")
	if grantType == "" {
		grantType = "authorization_code"
	}

	switch grantType {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r)
	case "ticket":
		s.handleTicketGrant(w, r)
	default:
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "unsupported grant_type")
	}
}

// redeemAuthorizationCode unpacks and redeems a Code envelope,
// enforcing the client_id/redirect_uri/PKCE/validity checks common to
// both POST /token (grant_type=authorization_code) and the legacy
// POST /authorize profile-redemption response.
func (s *Server) redeemAuthorizationCode(r *http.Request) (redeemResult, *protoErr) {
	if err := r.ParseForm(); err != nil {
		return redeemResult{}, newProtoErr(http.StatusBadRequest, errInvalidRequest, "could not parse form body")
	}

	codeEnv, err := envelope.Open[envelope.Code](s.codecs.Code, r.FormValue("code"))
	if err != nil || codeEnv.CodeID == "" || codeEnv.ClientID == "" {
		return redeemResult{}, newProtoErr(http.StatusBadRequest, errInvalidGrant, "code is missing or invalid")
	}

	if r.FormValue("client_id") != codeEnv.ClientID {
		return redeemResult{}, newProtoErr(http.StatusBadRequest, errInvalidRequest, "client_id does not match the authorization request")
	}
	if r.FormValue("redirect_uri") != codeEnv.RedirectURI {
		return redeemResult{}, newProtoErr(http.StatusBadRequest, errInvalidRequest, "redirect_uri does not match the authorization request")
	}

	if codeEnv.CodeChallenge != "" || codeEnv.CodeChallengeMethod != "" {
		if !verifyPKCE(codeEnv.CodeChallengeMethod, codeEnv.CodeChallenge, r.FormValue("code_verifier")) {
			return redeemResult{}, newProtoErr(http.StatusBadRequest, errInvalidGrant, "code_verifier does not match code_challenge")
		}
	} else if !s.allowLegacyNonPKCE {
		return redeemResult{}, newProtoErr(http.StatusBadRequest, errInvalidRequest, "this code was not issued with PKCE")
	}

	if time.Since(codeEnv.IssuedAt) > s.codeValidityTimeout {
		return redeemResult{}, newProtoErr(http.StatusBadRequest, errInvalidGrant, "code has expired")
	}

	identifier, err := s.storage.ProfileIdentifier(r.Context(), codeEnv.Me)
	if err != nil {
		return redeemResult{}, newProtoErr(http.StatusInternalServerError, errServerError, "looking up profile identifier")
	}

	ok, err := s.storage.RedeemCode(r.Context(), storage.RedeemCodeParams{
		CodeID:                 codeEnv.CodeID,
		Created:                time.Now().UTC(),
		IsToken:                true,
		ClientID:               codeEnv.ClientID,
		Profile:                codeEnv.Me,
		Identifier:             identifier,
		Scopes:                 codeEnv.GrantedScopes,
		LifespanSeconds:        codeEnv.LifespanSeconds,
		RefreshLifespanSeconds: codeEnv.RefreshLifespanSeconds,
		ProfileData:            codeEnv.ProfileData,
	})
	if err != nil {
		return redeemResult{}, newProtoErr(http.StatusInternalServerError, errServerError, "redeeming code: "+err.Error())
	}
	if !ok {
		return redeemResult{}, newProtoErr(http.StatusForbidden, errInvalidGrant, "code has already been redeemed")
	}

	return redeemResult{
		CodeID:                 codeEnv.CodeID,
		ClientID:               codeEnv.ClientID,
		Me:                     codeEnv.Me,
		Scopes:                 codeEnv.GrantedScopes,
		ProfileData:            codeEnv.ProfileData,
		LifespanSeconds:        codeEnv.LifespanSeconds,
		RefreshLifespanSeconds: codeEnv.RefreshLifespanSeconds,
	}, nil
}

func (s *Server) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	result, protoErr := s.redeemAuthorizationCode(r)
	if protoErr != nil {
		writeJSONError(w, protoErr.status, protoErr.code, protoErr.description)
		return
	}

	now := time.Now().UTC()
	accessToken, expiry, err := s.mintAccessToken(result.CodeID, now, result.LifespanSeconds)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, errServerError, "minting access token")
		return
	}

	var refreshToken string
	if result.RefreshLifespanSeconds != nil {
		refreshExpiry := now.Add(time.Duration(*result.RefreshLifespanSeconds) * time.Second)
		refreshToken, err = envelope.Seal(s.codecs.RefreshToken, envelope.RefreshToken{
			CodeID:   result.CodeID,
			IssuedAt: now.Unix(),
			Expiry:   refreshExpiry.Unix(),
		})
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, errServerError, "minting refresh token")
			return
		}
	}

	writeTokenResponse(w, tokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn(expiry, now),
		RefreshToken: refreshToken,
		Scope:        formatScope(result.Scopes),
		Me:           result.Me,
		Profile:      buildProfile(result.ProfileData, result.Scopes),
	})
}

func (s *Server) mintAccessToken(codeID string, now time.Time, lifespanSeconds *int64) (string, *time.Time, error) {
	var expiry *time.Time
	var expirySec *int64
	if lifespanSeconds != nil {
		t := now.Add(time.Duration(*lifespanSeconds) * time.Second)
		expiry = &t
		sec := t.Unix()
		expirySec = &sec
	}
	token, err := envelope.Seal(s.codecs.AccessToken, envelope.AccessToken{
		CodeID:   codeID,
		IssuedAt: now.Unix(),
		Expiry:   expirySec,
	})
	return token, expiry, err
}

func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "could not parse form body")
		return
	}

	refreshEnv, err := envelope.Open[envelope.RefreshToken](s.codecs.RefreshToken, r.FormValue("refresh_token"))
	if err != nil || refreshEnv.CodeID == "" {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant, "refresh_token is missing or invalid")
		return
	}

	row, err := s.storage.TokenGetByCodeID(r.Context(), refreshEnv.CodeID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, errInvalidGrant, "refresh_token not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, errServerError, "looking up refresh token")
		return
	}

	if row.RefreshExpires == nil || time.Now().UTC().After(*row.RefreshExpires) {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant, "refresh token has expired")
		return
	}
	if refreshEnv.Expiry < row.RefreshExpires.Unix() {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant, "refresh token has already been used")
		return
	}
	if r.FormValue("client_id") != row.ClientID {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "client_id does not match the issued token")
		return
	}

	var removeScopes []string
	if requested := scope.ParseRequested(r.FormValue("scope")); len(requested) > 0 {
		removeScopes = scopeDifference(row.Scopes, requested)
	}

	now := time.Now().UTC()
	refreshed, err := s.storage.RefreshCode(r.Context(), refreshEnv.CodeID, now, removeScopes)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, errServerError, "refreshing code: "+err.Error())
		return
	}

	var lifespanSeconds *int64
	if refreshed.Expires != nil {
		d := int64(refreshed.Expires.Sub(now).Seconds())
		lifespanSeconds = &d
	}
	accessToken, expiry, err := s.mintAccessToken(refreshEnv.CodeID, now, lifespanSeconds)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, errServerError, "minting access token")
		return
	}

	newRefreshToken, err := envelope.Seal(s.codecs.RefreshToken, envelope.RefreshToken{
		CodeID:   refreshEnv.CodeID,
		IssuedAt: now.Unix(),
		Expiry:   refreshed.RefreshExpires.Unix(),
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, errServerError, "minting refresh token")
		return
	}

	writeTokenResponse(w, tokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn(expiry, now),
		RefreshToken: newRefreshToken,
		Scope:        formatScope(refreshed.Scopes),
		Me:           row.Profile,
		Profile:      buildProfile(row.ProfileData, refreshed.Scopes),
	})
}

// scopeDifference returns the elements of current that are absent
// from requested — the set a scope-narrowing refresh removes, since
// refreshCode's removeScopes parameter is additive-negative (§8
// invariant 5: the result must be a subset of the prior set).
func scopeDifference(current, requested []string) []string {
	keep := make(map[string]bool, len(requested))
	for _, s := range requested {
		keep[s] = true
	}
	var removed []string
	for _, s := range current {
		if !keep[s] {
			removed = append(removed, s)
		}
	}
	return removed
}

func (s *Server) handleTicketGrant(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "could not parse form body")
		return
	}

	ticketEnv, err := envelope.Open[envelope.Ticket](s.codecs.Ticket, r.FormValue("ticket"))
	if err != nil || ticketEnv.CodeID == "" {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant, "ticket is missing or invalid")
		return
	}
	if envelope.Expired(ticketEnv.Expiry, time.Now().UTC()) {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant, "ticket has expired")
		return
	}

	ok, err := s.storage.RedeemCode(r.Context(), storage.RedeemCodeParams{
		CodeID:     ticketEnv.CodeID,
		Created:    time.Now().UTC(),
		IsToken:    true,
		ClientID:   ticketEnv.Issuer,
		Profile:    ticketEnv.Profile,
		Identifier: ticketEnv.Identifier,
		Scopes:     ticketEnv.Scopes,
		Resource:   ticketEnv.Resource,
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, errServerError, "redeeming ticket: "+err.Error())
		return
	}
	if !ok {
		writeJSONError(w, http.StatusForbidden, errInvalidGrant, "ticket has already been redeemed")
		return
	}

	now := time.Now().UTC()
	accessToken, _, err := s.mintAccessToken(ticketEnv.CodeID, now, nil)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, errServerError, "minting access token")
		return
	}

	writeTokenResponse(w, tokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Scope:       formatScope(ticketEnv.Scopes),
		Me:          ticketEnv.Profile,
	})
}

func (s *Server) handleLegacyBearerValidation(w http.ResponseWriter, r *http.Request, token string) {
	accessEnv, err := envelope.Open[envelope.AccessToken](s.codecs.AccessToken, token)
	if err != nil || accessEnv.CodeID == "" {
		writeWWWAuthenticate(w, errInvalidGrant, "bearer token is missing or invalid")
		return
	}
	row, err := s.storage.TokenGetByCodeID(r.Context(), accessEnv.CodeID)
	if err != nil {
		writeWWWAuthenticate(w, errInvalidGrant, "bearer token not found")
		return
	}
	if row.IsRevoked || (row.Expires != nil && time.Now().UTC().After(*row.Expires)) {
		writeWWWAuthenticate(w, errInvalidGrant, "bearer token is revoked or expired")
		return
	}

	setNoStore(w)
	writeJSON(w, http.StatusOK, struct {
		Me       string `json:"me"`
		ClientID string `json:"client_id"`
		Scope    string `json:"scope"`
	}{row.Profile, row.ClientID, formatScope(row.Scopes)})
}

func (s *Server) handleRevocation(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "could not parse form body")
		return
	}
	s.handleRevokeToken(w, r, r.FormValue("token"))
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request, token string) {
	if codeEnv, err := envelope.Open[envelope.AccessToken](s.codecs.AccessToken, token); err == nil && codeEnv.CodeID != "" {
		s.finishRevoke(w, r.Context(), s.storage.TokenRevokeByCodeID(r.Context(), codeEnv.CodeID))
		return
	}
	if refreshEnv, err := envelope.Open[envelope.RefreshToken](s.codecs.RefreshToken, token); err == nil && refreshEnv.CodeID != "" {
		s.finishRevoke(w, r.Context(), s.storage.TokenRefreshRevokeByCodeID(r.Context(), refreshEnv.CodeID))
		return
	}
	writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "token is missing or invalid")
}

func (s *Server) finishRevoke(w http.ResponseWriter, ctx context.Context, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, storage.ErrUnexpectedResult), errors.Is(err, storage.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
	default:
		s.logger.ErrorContext(ctx, "revocation failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// tokenResponse is the §6 token endpoint response shape.
type tokenResponse struct {
	AccessToken  string         `json:"access_token"`
	TokenType    string         `json:"token_type"`
	ExpiresIn    *int64         `json:"expires_in,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	Scope        string         `json:"scope"`
	Me           string         `json:"me"`
	Profile      map[string]any `json:"profile,omitempty"`
}

func expiresIn(expiry *time.Time, now time.Time) *int64 {
	if expiry == nil {
		return nil
	}
	d := int64(expiry.Sub(now).Seconds())
	return &d
}

// buildProfile returns the profile object included in the token
// response, stripping email unless the accepted scope set includes
// it, per §4.5.3/§6.
func buildProfile(data map[string]any, scopes []string) map[string]any {
	if data == nil || !containsString(scopes, "profile") {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	if !containsString(scopes, "email") {
		delete(out, "email")
	}
	return out
}

func profileResponse(r redeemResult) map[string]any {
	profile := buildProfile(r.ProfileData, r.Scopes)
	resp := map[string]any{"me": r.Me, "scope": formatScope(r.Scopes)}
	if profile != nil {
		resp["profile"] = profile
	}
	return resp
}

func writeTokenResponse(w http.ResponseWriter, resp tokenResponse) {
	setNoStore(w)
	writeJSON(w, http.StatusCreated, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newGetRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
}
