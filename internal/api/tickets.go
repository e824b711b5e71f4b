package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/walnut-ai/was/internal/ticket"
)

type contentRequest struct {
	Content string `json:"content"`
}

func handleCreateTicket(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ticket.NewTicket
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		t, err := deps.Tickets.Create(r.Context(), req)
		if err != nil {
			ticketError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func handleGetTicket(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Tickets.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			ticketError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func handleListTickets(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var status ticket.Status
		if s := r.URL.Query().Get("status"); s != "" {
			st, err := ticket.ParseStatus(s)
			if err != nil {
				ticketError(w, err)
				return
			}
			status = st
		}

		tickets, err := deps.Tickets.List(r.Context(), ticket.ListOptions{
			Status: status,
			Limit:  parseIntParam(r, "limit", 50, 200),
			Offset: parseIntParam(r, "offset", 0, 0),
		})
		if err != nil {
			ticketError(w, err)
			return
		}
		if tickets == nil {
			tickets = []ticket.Ticket{}
		}
		writeJSON(w, http.StatusOK, tickets)
	}
}

// handleTicketAction serves transitions that take no body.
func handleTicketAction(action func(ctx context.Context, id string) (ticket.Ticket, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := action(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			ticketError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

// handleTicketContent serves operations that append a message.
func handleTicketContent(action func(ctx context.Context, id, content string) (ticket.Ticket, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req contentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		t, err := action(r.Context(), chi.URLParam(r, "id"), req.Content)
		if err != nil {
			ticketError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func ticketError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ticket.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "ticket not found")
	case errors.Is(err, ticket.ErrInvalidTransition):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case errors.Is(err, ticket.ErrInvalidInput):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}
