package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestTicket(id string, created time.Time) Ticket {
	return Ticket{
		ID:          id,
		UserID:      "u1",
		Category:    "billing",
		Title:       "Refund",
		Description: "I was charged twice",
		Status:      "ai_processing",
		CreatedAt:   created,
		UpdatedAt:   created,
		Messages: []TicketMessage{
			{Role: "user", Content: "I was charged twice", CreatedAt: created},
		},
	}
}

func TestCreateAndGetTicket(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 123, time.UTC)

	if err := s.CreateTicket(ctx, newTestTicket("t1", now)); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}

	got, err := s.GetTicket(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if got.Status != "ai_processing" {
		t.Errorf("Status = %q, want %q", got.Status, "ai_processing")
	}
	if got.Category != "billing" {
		t.Errorf("Category = %q, want %q", got.Category, "billing")
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("len(Messages) = %d, want 1", len(got.Messages))
	}
	if got.Messages[0].Role != "user" || got.Messages[0].Content != "I was charged twice" {
		t.Errorf("Messages[0] = %+v", got.Messages[0])
	}
}

func TestGetTicketNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetTicket(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateTicketAppendsInOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.CreateTicket(ctx, newTestTicket("t1", now)); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}

	later := now.Add(time.Minute)
	err := s.UpdateTicket(ctx, "t1", TicketUpdate{
		Status:    "human_needed",
		UpdatedAt: later,
		Append: []TicketMessage{
			{Role: "ai", Content: "no idea", CreatedAt: later},
			{Role: "system", Content: "escalated", CreatedAt: later},
		},
	})
	if err != nil {
		t.Fatalf("UpdateTicket: %v", err)
	}
	err = s.UpdateTicket(ctx, "t1", TicketUpdate{
		Status:    "resolved",
		UpdatedAt: later,
		Append:    []TicketMessage{{Role: "admin", Content: "refunded", CreatedAt: later}},
	})
	if err != nil {
		t.Fatalf("UpdateTicket: %v", err)
	}

	got, err := s.GetTicket(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if got.Status != "resolved" {
		t.Errorf("Status = %q, want %q", got.Status, "resolved")
	}
	wantRoles := []string{"user", "ai", "system", "admin"}
	if len(got.Messages) != len(wantRoles) {
		t.Fatalf("len(Messages) = %d, want %d", len(got.Messages), len(wantRoles))
	}
	for i, role := range wantRoles {
		if got.Messages[i].Role != role {
			t.Errorf("Messages[%d].Role = %q, want %q", i, got.Messages[i].Role, role)
		}
		if got.Messages[i].Seq != i {
			t.Errorf("Messages[%d].Seq = %d, want %d", i, got.Messages[i].Seq, i)
		}
	}
}

func TestUpdateTicketNotFound(t *testing.T) {
	s := openTestStore(t)

	err := s.UpdateTicket(context.Background(), "ghost", TicketUpdate{Status: "resolved", UpdatedAt: time.Now()})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListTicketsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"a", "b", "c"} {
		tk := newTestTicket(id, base.Add(time.Duration(i)*time.Second))
		if id == "b" {
			tk.Status = "human_needed"
		}
		if err := s.CreateTicket(ctx, tk); err != nil {
			t.Fatalf("CreateTicket %s: %v", id, err)
		}
	}

	all, err := s.ListTickets(ctx, TicketFilter{})
	if err != nil {
		t.Fatalf("ListTickets: %v", err)
	}
	var ids []string
	for _, tk := range all {
		ids = append(ids, tk.ID)
		if len(tk.Messages) != 1 {
			t.Errorf("ticket %s has %d messages, want 1", tk.ID, len(tk.Messages))
		}
	}
	if len(ids) != 3 || ids[0] != "c" || ids[1] != "b" || ids[2] != "a" {
		t.Errorf("order = %v, want [c b a]", ids)
	}

	filtered, err := s.ListTickets(ctx, TicketFilter{Status: "human_needed"})
	if err != nil {
		t.Fatalf("ListTickets(status): %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "b" {
		t.Errorf("filtered = %+v, want only b", filtered)
	}

	page, err := s.ListTickets(ctx, TicketFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListTickets(page): %v", err)
	}
	if len(page) != 1 || page[0].ID != "b" {
		t.Errorf("page = %+v, want only b", page)
	}
}

func TestCountTickets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := s.CreateTicket(ctx, newTestTicket(id, time.Now())); err != nil {
			t.Fatalf("CreateTicket: %v", err)
		}
	}

	counts, err := s.CountTickets(ctx)
	if err != nil {
		t.Fatalf("CountTickets: %v", err)
	}
	if counts["ai_processing"] != 2 {
		t.Errorf("ai_processing = %d, want 2", counts["ai_processing"])
	}
}
