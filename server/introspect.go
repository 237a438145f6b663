package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/dingus-idp/dingus/envelope"
	"github.com/dingus-idp/dingus/storage"
)

// handleIntrospection serves POST /introspection (§4.6): a resource
// server presents a token or ticket and gets back whether it's still
// active, plus enough claims to authorize the request. Authenticating
// the calling resource server is an external collaborator's
// responsibility (the caller is expected to have already validated a
// resource credential before routing here); this handler only resolves
// the token itself.
func (s *Server) handleIntrospection(w http.ResponseWriter, r *http.Request) {
	setNoStore(w)
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "could not parse form body")
		return
	}

	token := r.FormValue("token")
	ctx := r.Context()

	var codeID string
	if r.FormValue("token_type_hint") == "ticket" {
		ticketEnv, err := envelope.Open[envelope.Ticket](s.codecs.Ticket, token)
		if err != nil || ticketEnv.CodeID == "" {
			writeJSON(w, http.StatusOK, map[string]any{"active": false})
			return
		}
		codeID = ticketEnv.CodeID
	} else if refreshEnv, err := envelope.Open[envelope.RefreshToken](s.codecs.RefreshToken, token); err == nil && refreshEnv.CodeID != "" {
		codeID = refreshEnv.CodeID
	} else if accessEnv, err := envelope.Open[envelope.AccessToken](s.codecs.AccessToken, token); err == nil && accessEnv.CodeID != "" {
		codeID = accessEnv.CodeID
	} else {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}

	row, err := s.storage.TokenGetByCodeID(ctx, codeID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, errServerError, "looking up token")
		return
	}
	if row.IsRevoked || (row.Expires != nil && time.Now().UTC().After(*row.Expires)) {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}

	resp := map[string]any{
		"active":    true,
		"me":        row.Profile,
		"client_id": row.ClientID,
		"scope":     formatScope(row.Scopes),
		"iat":       row.Created.Unix(),
	}
	if row.Expires != nil {
		resp["exp"] = row.Expires.Unix()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUserInfo serves POST /userinfo: a bearer access token with
// "profile" scope gets back the stored profile claims, with email
// stripped unless the token also carries "email" scope.
func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	setNoStore(w)
	token := bearerToken(r)
	if token == "" {
		writeWWWAuthenticate(w, errInvalidGrant, "bearer token is required")
		return
	}

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
	if !containsString(row.Scopes, "profile") {
		writeWWWAuthenticate(w, errInvalidGrant, "token does not carry profile scope")
		return
	}

	profile := buildProfile(row.ProfileData, row.Scopes)
	if profile == nil {
		profile = map[string]any{}
	}
	profile["me"] = row.Profile
	writeJSON(w, http.StatusOK, profile)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
