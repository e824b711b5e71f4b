package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/walnut-ai/was/internal/ticket"
)

type diagnosePayload struct {
	TicketID string `json:"ticket_id"`
}

// ScheduleDiagnosis enqueues a diagnosis job for the ticket.
func (q *Queue) ScheduleDiagnosis(ctx context.Context, ticketID string) error {
	_, err := q.Enqueue(ctx, TypeDiagnose, diagnosePayload{TicketID: ticketID})
	return err
}

// Diagnoser runs diagnosis for one ticket.
type Diagnoser interface {
	Diagnose(ctx context.Context, id string) error
}

// DiagnoseHandler adapts a Diagnoser to a job Handler. A ticket that no
// longer exists completes the job instead of retrying it.
func DiagnoseHandler(d Diagnoser) Handler {
	return func(ctx context.Context, payload []byte) error {
		var p diagnosePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		if p.TicketID == "" {
			return errors.New("payload has no ticket_id")
		}
		err := d.Diagnose(ctx, p.TicketID)
		if errors.Is(err, ticket.ErrNotFound) {
			slog.Warn("diagnosis for missing ticket", "ticket_id", p.TicketID)
			return nil
		}
		return err
	}
}

// Escalator hands a ticket to a human once automatic diagnosis has given up.
type Escalator interface {
	DiagnosisFailed(ctx context.Context, id string) error
}

// DiagnoseExhausted escalates the ticket of a diagnosis job that ran out of
// attempts, so it does not stay in ai_processing.
func DiagnoseExhausted(e Escalator) ExhaustedHandler {
	return func(ctx context.Context, payload []byte, _ error) error {
		var p diagnosePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		if p.TicketID == "" {
			return nil
		}
		err := e.DiagnosisFailed(ctx, p.TicketID)
		if errors.Is(err, ticket.ErrNotFound) {
			return nil
		}
		return err
	}
}
