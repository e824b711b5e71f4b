// Package api serves the HTTP and MCP interfaces.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/walnut-ai/was/internal/dispatch"
	"github.com/walnut-ai/was/internal/retrieval"
	"github.com/walnut-ai/was/internal/session"
	"github.com/walnut-ai/was/internal/ticket"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Tickets is the ticket engine as seen by the API.
type Tickets interface {
	Create(ctx context.Context, in ticket.NewTicket) (ticket.Ticket, error)
	Get(ctx context.Context, id string) (ticket.Ticket, error)
	List(ctx context.Context, opts ticket.ListOptions) ([]ticket.Ticket, error)
	Respond(ctx context.Context, id, content string) (ticket.Ticket, error)
	Confirm(ctx context.Context, id string) (ticket.Ticket, error)
	RequestHuman(ctx context.Context, id string) (ticket.Ticket, error)
	Close(ctx context.Context, id string) (ticket.Ticket, error)
	AddMessage(ctx context.Context, id, content string) (ticket.Ticket, error)
}

// Knowledge is the read side of the knowledge index.
type Knowledge interface {
	Search(ctx context.Context, query string, topK int, threshold float64) (retrieval.Result, error)
	Count() int
}

// Dispatcher accepts chat events for asynchronous processing.
type Dispatcher interface {
	Dispatch(ev dispatch.Event) error
}

// Sessions lets an admin drop a user's conversation context. Keys are
// built with session.Key.
type Sessions interface {
	Clear(ctx context.Context, key string) error
}

// Pinger checks that the answer engine is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Tickets    Tickets
	Knowledge  Knowledge
	Dispatcher Dispatcher
	Sessions   Sessions // optional
	// ReloadCorpus re-reads the configured corpus source into the index.
	ReloadCorpus func(ctx context.Context) (int, error)
	Engine       Pinger // optional; enables ?deep=true on /health

	AdminToken string
	// FeishuToken, when set, must match the verification token on events.
	FeishuToken string
	// TelegramEnabled registers /telegram/webhook. TelegramSecret, when
	// set, must match the X-Telegram-Bot-Api-Secret-Token header.
	TelegramEnabled bool
	TelegramSecret  string

	TopK      int
	Threshold float64
	Started   time.Time
}

// NewHandler returns the router for every HTTP route.
func NewHandler(deps Deps) http.Handler {
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Post("/event", handleFeishuEvent(deps))
	if deps.TelegramEnabled {
		r.Post("/telegram/webhook", handleTelegramWebhook(deps))
	}

	r.Route("/api/tickets", func(r chi.Router) {
		r.Get("/", handleListTickets(deps))
		r.Post("/create", handleCreateTicket(deps))
		r.Get("/{id}", handleGetTicket(deps))
		r.Post("/{id}/confirm", handleTicketAction(deps.Tickets.Confirm))
		r.Post("/{id}/escalate", handleTicketAction(deps.Tickets.RequestHuman))
		r.Post("/{id}/messages", handleTicketContent(deps.Tickets.AddMessage))

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(deps.AdminToken))
			r.Post("/{id}/respond", handleTicketContent(deps.Tickets.Respond))
			r.Post("/{id}/close", handleTicketAction(deps.Tickets.Close))
		})
	})

	r.Get("/api/knowledge/search", handleSearch(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.AdminToken))
		r.Post("/admin/corpus/reload", handleReloadCorpus(deps))
		if deps.Sessions != nil {
			r.Delete("/admin/sessions/{platform}/{user_id}", handleClearSession(deps))
		}
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status":            "ok",
			"uptime_seconds":    int(time.Since(deps.Started).Seconds()),
			"knowledge_entries": deps.Knowledge.Count(),
		}
		if deps.Engine != nil && r.URL.Query().Get("deep") == "true" {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if err := deps.Engine.Ping(ctx); err != nil {
				resp["answer_engine"] = "unavailable"
				resp["answer_engine_error"] = err.Error()
			} else {
				resp["answer_engine"] = "ok"
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleClearSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plat := chi.URLParam(r, "platform")
		userID := chi.URLParam(r, "user_id")
		if err := deps.Sessions.Clear(r.Context(), session.Key(plat, userID)); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "clearing session: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "platform": plat, "user_id": userID})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func parseFloatParam(r *http.Request, key string, defaultVal float64) float64 {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return defaultVal
	}
	return v
}
