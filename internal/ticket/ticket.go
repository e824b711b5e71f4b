// Package ticket implements the support ticket lifecycle and the rules
// that escalate a conversation to a human agent.
package ticket

import (
	"errors"
	"fmt"
	"time"

	"github.com/walnut-ai/was/internal/storage"
)

var (
	// ErrNotFound wraps storage.ErrNotFound so either can be matched.
	ErrNotFound          = fmt.Errorf("ticket %w", storage.ErrNotFound)
	ErrInvalidTransition = errors.New("invalid ticket status transition")
	ErrInvalidInput      = errors.New("invalid ticket input")
)

type Status string

const (
	StatusOpen         Status = "open"
	StatusAIProcessing Status = "ai_processing"
	StatusHumanNeeded  Status = "human_needed"
	StatusResolved     Status = "resolved"
	StatusClosed       Status = "closed"
)

// ParseStatus validates a status read from outside the process.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOpen, StatusAIProcessing, StatusHumanNeeded, StatusResolved, StatusClosed:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
	}
}

var edges = map[Status][]Status{
	StatusOpen:         {StatusAIProcessing},
	StatusAIProcessing: {StatusHumanNeeded, StatusResolved},
	StatusHumanNeeded:  {StatusResolved},
	StatusResolved:     {StatusClosed},
}

// CanTransition reports whether a ticket may move from one status to
// another. Besides the forward edges of the lifecycle, every status except
// closed may move to resolved, since an admin reply resolves a ticket.
func CanTransition(from, to Status) bool {
	if to == StatusResolved {
		switch from {
		case StatusOpen, StatusAIProcessing, StatusHumanNeeded, StatusResolved:
			return true
		}
		return false
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Role string

const (
	RoleUser   Role = "user"
	RoleAI     Role = "ai"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type Ticket struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Category    string    `json:"category"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Messages    []Message `json:"messages"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewTicket holds the fields a requester supplies.
type NewTicket struct {
	UserID      string `json:"user_id"`
	Category    string `json:"category"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// EscalatedTicket records a chat conversation that needs a human.
type EscalatedTicket struct {
	UserID      string
	Category    string
	Title       string
	Description string
	Transcript  []Message
	Reason      Reason
}

// ListOptions filters List. A zero Status lists every ticket.
type ListOptions struct {
	Status Status
	Limit  int
	Offset int
}

func fromRow(r storage.Ticket) Ticket {
	t := Ticket{
		ID:          r.ID,
		UserID:      r.UserID,
		Category:    r.Category,
		Title:       r.Title,
		Description: r.Description,
		Status:      Status(r.Status),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		Messages:    make([]Message, len(r.Messages)),
	}
	for i, m := range r.Messages {
		t.Messages[i] = Message{Role: Role(m.Role), Content: m.Content, Timestamp: m.CreatedAt}
	}
	return t
}

func toRow(t Ticket) storage.Ticket {
	return storage.Ticket{
		ID:          t.ID,
		UserID:      t.UserID,
		Category:    t.Category,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Messages:    messageRows(t.Messages),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func messageRows(msgs []Message) []storage.TicketMessage {
	rows := make([]storage.TicketMessage, len(msgs))
	for i, m := range msgs {
		rows[i] = storage.TicketMessage{Role: string(m.Role), Content: m.Content, CreatedAt: m.Timestamp}
	}
	return rows
}
