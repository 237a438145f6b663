package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/dingus-idp/dingus/envelope"
	"github.com/dingus-idp/dingus/pkg/html"
	"github.com/dingus-idp/dingus/scope"
)

// handleAuthorize dispatches GET /authorize (the state-machine entry
// point, §4.5.1) and POST /authorize (legacy profile-redemption
// response, §6) on the same registered path.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleAuthorizeGet(w, r)
	case http.MethodPost:
		s.handleAuthorizePost(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAuthorizeGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identifier, ok := AuthenticatedIdentifier(ctx)
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	clientIDRaw := q.Get("client_id")
	redirectURIRaw := q.Get("redirect_uri")
	responseType := q.Get("response_type")
	state := q.Get("state")
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")
	me := q.Get("me")
	scopes := scope.ParseRequested(q.Get("scope"))

	clientID, err := validateClientID(clientIDRaw)
	if err != nil {
		s.renderErrorPage(w, errInvalidRequest, "client_id: "+err.Error())
		return
	}

	altRedirectURIs, fetchErr := discoverClient(ctx, s.httpClient, clientID)

	redirectURL, ok := redirectURIAllowed(redirectURIRaw, clientID, altRedirectURIs)
	if !ok {
		s.renderErrorPage(w, errInvalidRequest, "redirect_uri is not valid for this client_id")
		return
	}

	acc := &errorAccumulator{}

	if fetchErr != nil {
		acc.add(errInvalidRequest, "fetching client_id: "+fetchErr.Error())
	}
	if responseType != "code" {
		acc.add(errUnsupportedResponse, "response_type must be \"code\"")
	}
	if state == "" {
		acc.add(errInvalidRequest, "state is required")
	}

	switch {
	case codeChallenge == "" && codeChallengeMethod == "":
		if !s.allowLegacyNonPKCE {
			acc.add(errInvalidRequest, "code_challenge and code_challenge_method are required")
		}
	case codeChallenge == "" || codeChallengeMethod == "":
		acc.add(errInvalidRequest, "code_challenge and code_challenge_method must both be present")
	default:
		if !validCodeChallengeMethod(codeChallengeMethod) {
			acc.add(errInvalidRequest, "code_challenge_method must be S256 or SHA256")
		}
		if !codeChallengeRe.MatchString(codeChallenge) {
			acc.add(errInvalidRequest, "code_challenge is not valid base64url")
		}
	}

	if scope.HasEmailWithoutProfile(scopes) {
		acc.add(errInvalidScope, "email scope requires profile scope")
	}

	profiles, err := s.storage.ProfilesScopesByIdentifier(ctx, identifier)
	if err != nil {
		acc.add(errServerError, "looking up profiles: "+err.Error())
	} else if len(profiles.Profiles) == 0 {
		acc.add(errAccessDenied, "identifier owns no profiles")
	}
	if me != "" && !containsString(profiles.Profiles, me) {
		me = ""
	}

	if acc.any() {
		code, description := acc.result()
		redirectWithError(w, r, redirectURL.String(), state, code, description)
		return
	}

	now := time.Now().UTC()
	cont := envelope.Continuation{
		CodeID:              uuid.NewString(),
		Identifier:          identifier,
		ClientID:            clientIDRaw,
		RedirectURI:         redirectURIRaw,
		State:               state,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		RequestedScopes:     scopes,
		ResponseType:        responseType,
		Me:                  me,
		IssuedAt:            now,
		Expiry:              now.Add(s.codeValidityTimeout),
	}
	session, err := envelope.Seal(s.codecs.Continuation, cont)
	if err != nil {
		s.renderErrorPage(w, errServerError, "sealing continuation: "+err.Error())
		return
	}

	s.renderConsent(w, r, session, cont, profiles.Profiles)
}

func (s *Server) renderConsent(w http.ResponseWriter, r *http.Request, session string, cont envelope.Continuation, profiles []string) {
	data := struct {
		Session         string
		ClientID        string
		Profiles        []string
		RequestedScopes []string
	}{session, cont.ClientID, profiles, cont.RequestedScopes}

	if s.templates == nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "consent required for "+cont.ClientID)
		return
	}
	if err := s.templates.ExecuteTemplate(w, "consent.html", data); err != nil {
		s.logger.ErrorContext(r.Context(), "rendering consent page failed", "err", err)
	}
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		s.renderErrorPage(w, errInvalidRequest, "could not parse form body")
		return
	}

	session := r.FormValue("session")
	cont, err := envelope.Open[envelope.Continuation](s.codecs.Continuation, session)
	if err != nil || cont.ClientID == "" || cont.RedirectURI == "" {
		s.renderErrorPage(w, errInvalidRequest, "session is missing or invalid")
		return
	}
	if envelope.Expired(cont.Expiry, time.Now().UTC()) {
		s.renderErrorPage(w, errInvalidRequest, "session has expired, please restart authorization")
		return
	}

	acc := &errorAccumulator{}

	if r.FormValue("accept") != "true" {
		acc.add(errAccessDenied, "user denied the request")
	}

	normalizedScopes, adHocScopes, notes := scope.NormalizeAccepted(r.FormValue("ad_hoc_scopes"), r.Form["accepted_scopes"])
	for _, n := range notes {
		s.logger.InfoContext(ctx, "scope normalization", "scope", n.Scope, "note", n.Message)
	}
	if err := s.scopes.EnsureKnown(ctx, adHocScopes); err != nil {
		s.logger.ErrorContext(ctx, "recording ad-hoc scopes failed", "err", err)
	}

	me := r.FormValue("me")
	profiles, err := s.storage.ProfilesScopesByIdentifier(ctx, cont.Identifier)
	if err != nil {
		acc.add(errServerError, "looking up profiles: "+err.Error())
	} else if !containsString(profiles.Profiles, me) {
		acc.add(errInvalidRequest, "me is not one of the identifier's profiles")
	}

	var profileData map[string]any
	if me != "" {
		hcard, fetchErr := s.fetchHCard(ctx, me)
		if fetchErr != nil {
			acc.add(errTemporarilyUnavailable, "fetching profile: "+fetchErr.Error())
		} else {
			profileData = map[string]any{"name": hcard.Name, "url": hcard.URL, "photo": hcard.Photo}
		}
	}

	lifespanSeconds := parseLifespan(r.FormValue("expires"), r.FormValue("expires-seconds"))
	var refreshLifespanSeconds *int64
	if lifespanSeconds != nil {
		refreshLifespanSeconds = parseLifespan(r.FormValue("refresh"), r.FormValue("refresh-seconds"))
	}

	if acc.any() {
		code, description := acc.result()
		redirectWithError(w, r, cont.RedirectURI, cont.State, code, description)
		return
	}

	now := time.Now().UTC()
	codeEnv := envelope.Code{
		CodeID:                 cont.CodeID,
		ClientID:               cont.ClientID,
		RedirectURI:            cont.RedirectURI,
		Me:                     me,
		GrantedScopes:          normalizedScopes,
		CodeChallenge:          cont.CodeChallenge,
		CodeChallengeMethod:    cont.CodeChallengeMethod,
		LifespanSeconds:        lifespanSeconds,
		RefreshLifespanSeconds: refreshLifespanSeconds,
		ProfileData:            profileData,
		Nonce:                  uuid.NewString(),
		IssuedAt:               now,
		Expiry:                 now.Add(s.codeValidityTimeout),
	}
	code, err := envelope.Seal(s.codecs.Code, codeEnv)
	if err != nil {
		s.renderErrorPage(w, errServerError, "sealing code: "+err.Error())
		return
	}

	redirectURL, err := url.Parse(cont.RedirectURI)
	if err != nil {
		s.renderErrorPage(w, errInvalidRequest, "redirect_uri is invalid")
		return
	}
	q := redirectURL.Query()
	q.Set("code", code)
	q.Set("state", cont.State)
	q.Set("iss", s.issuer)
	redirectURL.RawQuery = q.Encode()
	http.Redirect(w, r, redirectURL.String(), http.StatusFound)
}

// handleAuthorizePost serves the legacy IndieAuth profile-verification
// response at POST /authorize: a client redeems a code the same way it
// would at /token, but gets back only {me, profile?, scope} rather than
// an access token, for clients that only want identity, not a token.
func (s *Server) handleAuthorizePost(w http.ResponseWriter, r *http.Request) {
	result, protoErr := s.redeemAuthorizationCode(r)
	if protoErr != nil {
		writeJSONError(w, protoErr.status, protoErr.code, protoErr.description)
		return
	}

	setNoStore(w)
	writeJSON(w, http.StatusOK, profileResponse(result))
}

// fetchHCard fetches profile and parses its h-card.
func (s *Server) fetchHCard(ctx context.Context, profile string) (html.HCard, error) {
	u, err := url.Parse(profile)
	if err != nil {
		return html.HCard{}, err
	}
	req, err := newGetRequest(ctx, profile)
	if err != nil {
		return html.HCard{}, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return html.HCard{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return html.HCard{}, err
	}
	card, found, err := html.DiscoverHCard(bytes.NewReader(body), u)
	if err != nil {
		return html.HCard{}, err
	}
	if !found {
		return html.HCard{}, errNoHCard
	}
	return card, nil
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
