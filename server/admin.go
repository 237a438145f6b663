package server

import (
	"io"
	"net/http"

	"github.com/dingus-idp/dingus/scope"
	"github.com/dingus-idp/dingus/ticket"
)

// handleAdmin serves GET /admin: the authenticated operator's list of
// issued tokens and the ticket-minting / maintenance-trigger forms.
func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identifier, ok := AuthenticatedIdentifier(ctx)
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	rows, err := s.storage.TokensGetByIdentifier(ctx, identifier)
	if err != nil {
		s.logger.ErrorContext(ctx, "listing tokens failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	var tokens []tokenSummary
	for _, row := range rows {
		if row.IsRevoked {
			continue
		}
		tokens = append(tokens, tokenSummary{CodeID: row.CodeID, ClientID: row.ClientID, Scopes: row.Scopes})
	}

	data := struct {
		Identifier string
		Tokens     []tokenSummary
	}{identifier, tokens}

	if s.templates == nil {
		io.WriteString(w, "admin console for "+identifier)
		return
	}
	if err := s.templates.ExecuteTemplate(w, "admin.html", data); err != nil {
		s.logger.ErrorContext(ctx, "rendering admin page failed", "err", err)
	}
}

type tokenSummary struct {
	CodeID   string
	ClientID string
	Scopes   []string
}

// handleAdminTicket serves POST /admin/ticket: an authenticated
// operator mints a ticket for a subject/resource pair and we attempt
// delivery inline, reporting the outcome back to the operator.
func (s *Server) handleAdminTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := AuthenticatedIdentifier(ctx); !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "could not parse form body", http.StatusBadRequest)
		return
	}
	if s.minter == nil {
		http.Error(w, "ticket minting is not configured", http.StatusBadRequest)
		return
	}

	profile := r.FormValue("profile")
	resource := r.FormValue("resource")
	subject := r.FormValue("subject")
	scopes := scope.ParseRequested(r.FormValue("scopes"))

	if err := ticket.EnsureActionScope(scopes); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.minter.Mint(ctx, profile, resource, subject, scopes)
	if err != nil {
		s.logger.ErrorContext(ctx, "minting ticket failed", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if result.Delivered {
		io.WriteString(w, "ticket minted and delivered")
		return
	}
	s.logger.WarnContext(ctx, "ticket delivery failed", "err", result.DeliverErr)
	io.WriteString(w, "ticket minted, but delivery failed: "+result.DeliverErr.Error())
}

// handleAdminMaintenance serves POST /admin/maintenance: an operator
// triggers an out-of-band run of every chore rather than waiting for
// the next scheduled tick.
func (s *Server) handleAdminMaintenance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := AuthenticatedIdentifier(ctx); !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if s.chores == nil {
		http.Error(w, "maintenance chores are not configured", http.StatusBadRequest)
		return
	}
	if err := s.chores.RunNow(ctx); err != nil {
		s.logger.ErrorContext(ctx, "maintenance run failed", "err", err)
		http.Error(w, "maintenance run failed", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, "maintenance run complete")
}
