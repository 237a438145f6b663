package server

import (
	"errors"
	"net/http"

	"github.com/dingus-idp/dingus/envelope"
	"github.com/dingus-idp/dingus/ticket"
)

// handleTicketProffer serves POST /ticket (§4.7): a third party hands
// us a ticket it received out of band, and we queue it for
// asynchronous redemption rather than validating it inline.
func (s *Server) handleTicketProffer(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "could not parse form body")
		return
	}

	ticketToken := r.FormValue("ticket")
	resource := r.FormValue("resource")
	subject := r.FormValue("subject")
	if ticketToken == "" || resource == "" || subject == "" {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "ticket, resource, and subject are all required")
		return
	}

	if _, err := envelope.Open[envelope.Ticket](s.codecs.Ticket, ticketToken); err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant, "ticket is not well formed")
		return
	}

	if err := ticket.Proffer(r.Context(), s.queue, s.storage, ticketToken, resource, subject); err != nil {
		if errors.Is(err, ticket.ErrPublishFailed) || errors.Is(err, ticket.ErrQueueNotConfigured) {
			writeJSONError(w, http.StatusInternalServerError, errServerError, err.Error())
			return
		}
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
