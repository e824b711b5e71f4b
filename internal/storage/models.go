package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// timeLayout is fixed width so that lexical order in TEXT columns matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

type Ticket struct {
	ID          string
	UserID      string
	Category    string
	Title       string
	Description string
	Status      string
	Messages    []TicketMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type TicketMessage struct {
	Seq       int
	Role      string
	Content   string
	CreatedAt time.Time
}

// TicketFilter narrows ListTickets. Zero values mean no filter.
type TicketFilter struct {
	Status string
	Limit  int
	Offset int
}

// TicketUpdate is applied atomically by UpdateTicket.
type TicketUpdate struct {
	Status    string
	UpdatedAt time.Time
	Append    []TicketMessage
}

type Session struct {
	UserID      string
	Turns       []byte // CBOR-encoded turns
	LastTouched time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
