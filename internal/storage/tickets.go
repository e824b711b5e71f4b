package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateTicket inserts a ticket together with its initial messages.
func (s *Store) CreateTicket(ctx context.Context, t Ticket) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tickets (id, user_id, category, title, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Category, t.Title, t.Description, t.Status,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting ticket %s: %w", t.ID, err)
	}
	if err := insertMessages(ctx, tx, t.ID, 0, t.Messages); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetTicket(ctx context.Context, id string) (Ticket, error) {
	var t Ticket
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, category, title, description, status, created_at, updated_at
		FROM tickets WHERE id = ?`, id,
	).Scan(&t.ID, &t.UserID, &t.Category, &t.Title, &t.Description, &t.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Ticket{}, ErrNotFound
	}
	if err != nil {
		return Ticket{}, fmt.Errorf("selecting ticket %s: %w", id, err)
	}
	if err := parseTicketTimes(&t, createdAt, updatedAt); err != nil {
		return Ticket{}, err
	}
	if t.Messages, err = s.ticketMessages(ctx, t.ID); err != nil {
		return Ticket{}, err
	}
	return t, nil
}

// ListTickets returns tickets newest first.
func (s *Store) ListTickets(ctx context.Context, f TicketFilter) ([]Ticket, error) {
	query := `SELECT id, user_id, category, title, description, status, created_at, updated_at FROM tickets`
	var args []any
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tickets: %w", err)
	}

	var tickets []Ticket
	for rows.Next() {
		var t Ticket
		var createdAt, updatedAt string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Category, &t.Title, &t.Description, &t.Status, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning ticket: %w", err)
		}
		if err := parseTicketTimes(&t, createdAt, updatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Single connection: the cursor must be released before loading messages.
	rows.Close()

	for i := range tickets {
		if tickets[i].Messages, err = s.ticketMessages(ctx, tickets[i].ID); err != nil {
			return nil, err
		}
	}
	return tickets, nil
}

// UpdateTicket sets the status and appends messages in one transaction.
func (s *Store) UpdateTicket(ctx context.Context, id string, u TicketUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`,
		u.Status, formatTime(u.UpdatedAt), id)
	if err != nil {
		return fmt.Errorf("updating ticket %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), -1) + 1 FROM ticket_messages WHERE ticket_id = ?`, id).Scan(&next); err != nil {
		return fmt.Errorf("reading message sequence for %s: %w", id, err)
	}
	if err := insertMessages(ctx, tx, id, next, u.Append); err != nil {
		return err
	}
	return tx.Commit()
}

// CountTickets returns the number of tickets per status.
func (s *Store) CountTickets(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tickets GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting tickets: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) ticketMessages(ctx context.Context, id string) ([]TicketMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, role, content, created_at FROM ticket_messages
		WHERE ticket_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("selecting messages for %s: %w", id, err)
	}
	defer rows.Close()

	var msgs []TicketMessage
	for rows.Next() {
		var m TicketMessage
		var createdAt string
		if err := rows.Scan(&m.Seq, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func insertMessages(ctx context.Context, tx *sql.Tx, ticketID string, first int, msgs []TicketMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ticket_messages (ticket_id, seq, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing message insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range msgs {
		if _, err := stmt.ExecContext(ctx, ticketID, first+i, m.Role, m.Content, formatTime(m.CreatedAt)); err != nil {
			return fmt.Errorf("inserting message for %s: %w", ticketID, err)
		}
	}
	return nil
}

func parseTicketTimes(t *Ticket, createdAt, updatedAt string) error {
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return fmt.Errorf("parsing created_at for ticket %s: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return fmt.Errorf("parsing updated_at for ticket %s: %w", t.ID, err)
	}
	return nil
}
