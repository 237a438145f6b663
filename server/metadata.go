package server

import "net/http"

// handleMetadata serves GET /metadata and GET
// /.well-known/oauth-authorization-server with the server's IndieAuth
// metadata document, per §6. response_types_supported is emitted as a
// bare string rather than an array: an explicit, documented deviation
// from RFC 8414 preserved for wire compatibility with existing
// IndieAuth clients that expect the historical shape.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"issuer":                      s.issuer,
		"authorization_endpoint":      s.absURL("/authorize"),
		"token_endpoint":              s.absURL("/token"),
		"introspection_endpoint":      s.absURL("/introspection"),
		"introspection_endpoint_auth_methods_supported": []string{"Bearer"},
		"revocation_endpoint":                           s.absURL("/revocation"),
		"revocation_endpoint_auth_methods_supported":    []string{"none"},
		"userinfo_endpoint":                             s.absURL("/userinfo"),
		"scopes_supported":                              []string{"profile", "email"},
		"response_types_supported":                      "code",
		"grant_types_supported":                          []string{"authorization_code", "refresh_token", "ticket"},
		"code_challenge_methods_supported":               []string{"S256", "SHA256"},
		"authorization_response_iss_parameter_supported": true,
		"service_documentation":                          "https://indieauth.spec.indieweb.org/",
	}
	if s.queue != nil {
		doc["ticket_endpoint"] = s.absURL("/ticket")
	}
	writeJSON(w, http.StatusOK, doc)
}
