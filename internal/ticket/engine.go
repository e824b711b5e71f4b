package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/walnut-ai/was/internal/answer"
	"github.com/walnut-ai/was/internal/keylock"
	"github.com/walnut-ai/was/internal/session"
	"github.com/walnut-ai/was/internal/storage"
)

// DefaultDiagnoseTimeout bounds one automatic diagnosis.
const DefaultDiagnoseTimeout = 20 * time.Second

// Store persists tickets. *storage.Store implements it.
type Store interface {
	CreateTicket(ctx context.Context, t storage.Ticket) error
	GetTicket(ctx context.Context, id string) (storage.Ticket, error)
	ListTickets(ctx context.Context, f storage.TicketFilter) ([]storage.Ticket, error)
	UpdateTicket(ctx context.Context, id string, u storage.TicketUpdate) error
	CountTickets(ctx context.Context) (map[string]int, error)
}

// Answerer produces an answer from the knowledge base.
type Answerer interface {
	Answer(ctx context.Context, query string, history []session.Turn, image *answer.Image) (answer.Answer, error)
}

// Scheduler arranges for Diagnose to run later.
type Scheduler interface {
	ScheduleDiagnosis(ctx context.Context, ticketID string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Config struct {
	Policy          Policy
	DiagnoseTimeout time.Duration
}

// Engine owns every ticket state change. Writes to one ticket are
// serialised; different tickets proceed independently.
type Engine struct {
	store     Store
	answerer  Answerer
	scheduler Scheduler
	policy    Policy
	timeout   time.Duration
	locks     *keylock.Map
	clock     Clock
}

func NewEngine(store Store, answerer Answerer, scheduler Scheduler, cfg Config) *Engine {
	return NewEngineWithClock(store, answerer, scheduler, cfg, realClock{})
}

// NewEngineWithClock creates an Engine with a custom clock (for testing).
func NewEngineWithClock(store Store, answerer Answerer, scheduler Scheduler, cfg Config, clock Clock) *Engine {
	if cfg.Policy.Phrases == nil {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.DiagnoseTimeout <= 0 {
		cfg.DiagnoseTimeout = DefaultDiagnoseTimeout
	}
	return &Engine{
		store:     store,
		answerer:  answerer,
		scheduler: scheduler,
		policy:    cfg.Policy,
		timeout:   cfg.DiagnoseTimeout,
		locks:     keylock.New(),
		clock:     clock,
	}
}

// Create stores a new ticket in ai_processing with the description as its
// first message and schedules diagnosis. If scheduling fails the ticket is
// handed to a human straight away.
func (e *Engine) Create(ctx context.Context, in NewTicket) (Ticket, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.Category = strings.TrimSpace(in.Category)
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	switch {
	case in.UserID == "":
		return Ticket{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	case in.Title == "":
		return Ticket{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	case in.Description == "":
		return Ticket{}, fmt.Errorf("%w: description is required", ErrInvalidInput)
	}

	now := e.clock.Now()
	t := Ticket{
		ID:          uuid.NewString(),
		UserID:      in.UserID,
		Category:    in.Category,
		Title:       in.Title,
		Description: in.Description,
		Status:      StatusAIProcessing,
		Messages:    []Message{{Role: RoleUser, Content: in.Description, Timestamp: now}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateTicket(ctx, toRow(t)); err != nil {
		return Ticket{}, fmt.Errorf("creating ticket: %w", err)
	}
	slog.Info("ticket created", "ticket_id", t.ID, "user_id", t.UserID, "title", t.Title)

	if err := e.scheduler.ScheduleDiagnosis(ctx, t.ID); err != nil {
		slog.Error("scheduling diagnosis failed", "ticket_id", t.ID, "error", err)
		return e.escalate(ctx, t.ID, ReasonEngineError, "Automatic diagnosis could not be started. A support agent will follow up.")
	}
	return t, nil
}

// Escalate records a chat conversation that needs a human. The ticket is
// created directly in human_needed and no diagnosis is scheduled.
func (e *Engine) Escalate(ctx context.Context, in EscalatedTicket) (Ticket, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return Ticket{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	now := e.clock.Now()
	msgs := make([]Message, 0, len(in.Transcript)+1)
	for _, m := range in.Transcript {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		msgs = append(msgs, m)
	}
	msgs = append(msgs, Message{Role: RoleSystem, Content: escalationNotice(in.Reason), Timestamp: now})

	t := Ticket{
		ID:          uuid.NewString(),
		UserID:      in.UserID,
		Category:    in.Category,
		Title:       in.Title,
		Description: in.Description,
		Status:      StatusHumanNeeded,
		Messages:    msgs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateTicket(ctx, toRow(t)); err != nil {
		return Ticket{}, fmt.Errorf("creating escalated ticket: %w", err)
	}
	slog.Info("chat escalated to ticket", "ticket_id", t.ID, "user_id", t.UserID, "reason", in.Reason)
	return t, nil
}

func (e *Engine) Get(ctx context.Context, id string) (Ticket, error) {
	row, err := e.store.GetTicket(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Ticket{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Ticket{}, fmt.Errorf("getting ticket %s: %w", id, err)
	}
	return fromRow(row), nil
}

// List returns tickets newest first.
func (e *Engine) List(ctx context.Context, opts ListOptions) ([]Ticket, error) {
	rows, err := e.store.ListTickets(ctx, storage.TicketFilter{
		Status: string(opts.Status),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("listing tickets: %w", err)
	}
	tickets := make([]Ticket, len(rows))
	for i, r := range rows {
		tickets[i] = fromRow(r)
	}
	return tickets, nil
}

// Counts returns the number of tickets per status.
func (e *Engine) Counts(ctx context.Context) (map[Status]int, error) {
	raw, err := e.store.CountTickets(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int, len(raw))
	for k, v := range raw {
		counts[Status(k)] = v
	}
	return counts, nil
}

// Respond appends an admin reply and resolves the ticket from any status
// except closed.
func (e *Engine) Respond(ctx context.Context, id, content string) (Ticket, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Ticket{}, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	return e.update(ctx, id, func(t Ticket) (Status, []Message, error) {
		if !CanTransition(t.Status, StatusResolved) {
			return "", nil, fmt.Errorf("%w: cannot respond to a %s ticket", ErrInvalidTransition, t.Status)
		}
		return StatusResolved, []Message{{Role: RoleAdmin, Content: content}}, nil
	})
}

// Confirm records that the requester considers the issue solved.
func (e *Engine) Confirm(ctx context.Context, id string) (Ticket, error) {
	return e.update(ctx, id, func(t Ticket) (Status, []Message, error) {
		if t.Status != StatusAIProcessing && t.Status != StatusHumanNeeded {
			return "", nil, fmt.Errorf("%w: cannot confirm a %s ticket", ErrInvalidTransition, t.Status)
		}
		return StatusResolved, []Message{{Role: RoleSystem, Content: "The requester confirmed the issue is resolved."}}, nil
	})
}

// RequestHuman hands the ticket to a human at the requester's request.
// Asking again while a human is already assigned is a no-op.
func (e *Engine) RequestHuman(ctx context.Context, id string) (Ticket, error) {
	return e.update(ctx, id, func(t Ticket) (Status, []Message, error) {
		switch t.Status {
		case StatusHumanNeeded:
			return t.Status, nil, nil
		case StatusAIProcessing:
			return StatusHumanNeeded, []Message{{Role: RoleSystem, Content: escalationNotice(ReasonRequested)}}, nil
		default:
			return "", nil, fmt.Errorf("%w: cannot escalate a %s ticket", ErrInvalidTransition, t.Status)
		}
	})
}

// Close archives a resolved ticket.
func (e *Engine) Close(ctx context.Context, id string) (Ticket, error) {
	return e.update(ctx, id, func(t Ticket) (Status, []Message, error) {
		if !CanTransition(t.Status, StatusClosed) {
			return "", nil, fmt.Errorf("%w: cannot close a %s ticket", ErrInvalidTransition, t.Status)
		}
		return StatusClosed, nil, nil
	})
}

// AddMessage appends a follow-up from the requester. While the AI is
// still handling the ticket a new diagnosis is scheduled.
func (e *Engine) AddMessage(ctx context.Context, id, content string) (Ticket, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Ticket{}, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	t, err := e.update(ctx, id, func(t Ticket) (Status, []Message, error) {
		if t.Status == StatusResolved || t.Status == StatusClosed {
			return "", nil, fmt.Errorf("%w: cannot add messages to a %s ticket", ErrInvalidTransition, t.Status)
		}
		return t.Status, []Message{{Role: RoleUser, Content: content}}, nil
	})
	if err != nil {
		return Ticket{}, err
	}
	if t.Status == StatusAIProcessing {
		if err := e.scheduler.ScheduleDiagnosis(ctx, id); err != nil {
			slog.Error("scheduling diagnosis failed", "ticket_id", id, "error", err)
			return e.escalate(ctx, id, ReasonEngineError, "Automatic diagnosis could not be started. A support agent will follow up.")
		}
	}
	return t, nil
}

// Diagnose asks the assistant about the ticket's latest requester message
// and applies the escalation policy to the outcome. Engine failures become
// an escalation rather than an error. Tickets no longer handled by the AI
// are left alone.
func (e *Engine) Diagnose(ctx context.Context, id string) error {
	t, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == StatusOpen {
		if t, err = e.update(ctx, id, func(cur Ticket) (Status, []Message, error) {
			if cur.Status != StatusOpen {
				return cur.Status, nil, nil
			}
			return StatusAIProcessing, nil, nil
		}); err != nil {
			return err
		}
	}
	if t.Status != StatusAIProcessing {
		slog.Debug("skipping diagnosis", "ticket_id", id, "status", t.Status)
		return nil
	}

	query, history, ok := diagnosisInput(t)
	if !ok {
		slog.Debug("nothing new to diagnose", "ticket_id", id)
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, e.timeout)
	ans, askErr := e.answerer.Answer(dctx, query, history, nil)
	cancel()
	if ctx.Err() != nil {
		// Shutting down: leave the verdict to the retried job.
		return fmt.Errorf("diagnosing ticket %s: %w", id, ctx.Err())
	}
	if askErr != nil {
		slog.Warn("diagnosis answer failed", "ticket_id", id, "error", askErr)
	}
	reason := e.policy.Evaluate(ans, askErr)

	_, err = e.update(context.WithoutCancel(ctx), id, func(cur Ticket) (Status, []Message, error) {
		if cur.Status != StatusAIProcessing {
			// An admin or the requester acted while the answer was pending.
			return cur.Status, nil, nil
		}
		var msgs []Message
		if askErr == nil && ans.Reply.Text != "" {
			msgs = append(msgs, Message{Role: RoleAI, Content: ans.Reply.Text})
		}
		if reason == ReasonNone {
			return StatusAIProcessing, msgs, nil
		}
		msgs = append(msgs, Message{Role: RoleSystem, Content: escalationNotice(reason)})
		return StatusHumanNeeded, msgs, nil
	})
	if err != nil {
		return err
	}
	slog.Info("ticket diagnosed", "ticket_id", id, "escalated", reason != ReasonNone, "reason", reason)
	return nil
}

// DiagnosisFailed escalates a ticket whose diagnosis job gave up after its
// last attempt.
func (e *Engine) DiagnosisFailed(ctx context.Context, id string) error {
	_, err := e.escalate(ctx, id, ReasonEngineError, escalationNotice(ReasonEngineError))
	return err
}

// escalate forces a ticket to human_needed with a system message.
func (e *Engine) escalate(ctx context.Context, id string, reason Reason, notice string) (Ticket, error) {
	return e.update(ctx, id, func(t Ticket) (Status, []Message, error) {
		if t.Status != StatusAIProcessing && t.Status != StatusOpen {
			return t.Status, nil, nil
		}
		slog.Warn("ticket escalated", "ticket_id", id, "reason", reason)
		return StatusHumanNeeded, []Message{{Role: RoleSystem, Content: notice}}, nil
	})
}

// update applies fn to the current ticket under the ticket's lock and
// persists the resulting status and messages. Returning the current
// status with no messages leaves the ticket untouched.
func (e *Engine) update(ctx context.Context, id string, fn func(Ticket) (Status, []Message, error)) (Ticket, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	t, err := e.Get(ctx, id)
	if err != nil {
		return Ticket{}, err
	}
	status, msgs, err := fn(t)
	if err != nil {
		return Ticket{}, err
	}
	if status == t.Status && len(msgs) == 0 {
		return t, nil
	}

	now := e.clock.Now()
	for i := range msgs {
		msgs[i].Timestamp = now
	}
	err = e.store.UpdateTicket(ctx, id, storage.TicketUpdate{
		Status:    string(status),
		UpdatedAt: now,
		Append:    messageRows(msgs),
	})
	if err != nil {
		return Ticket{}, fmt.Errorf("updating ticket %s: %w", id, err)
	}

	t.Status = status
	t.Messages = append(t.Messages, msgs...)
	t.UpdatedAt = now
	return t, nil
}

// diagnosisInput turns the ticket thread into a query and prior history.
// The seed message is replaced by a summary of the ticket fields. It
// reports false when the last message is not from the requester, which
// means the latest question has already been answered.
func diagnosisInput(t Ticket) (string, []session.Turn, bool) {
	var turns []session.Turn
	for i, m := range t.Messages {
		content := m.Content
		if i == 0 && m.Role == RoleUser {
			content = fmt.Sprintf("Category: %s Title: %s Problem: %s", t.Category, t.Title, t.Description)
		}
		switch m.Role {
		case RoleUser:
			turns = append(turns, session.Turn{Role: session.RoleUser, Content: content})
		case RoleAI, RoleAdmin:
			turns = append(turns, session.Turn{Role: session.RoleAssistant, Content: content})
		}
	}
	if len(turns) == 0 || turns[len(turns)-1].Role != session.RoleUser {
		return "", nil, false
	}
	last := turns[len(turns)-1]
	return last.Content, turns[:len(turns)-1], true
}

func escalationNotice(r Reason) string {
	switch r {
	case ReasonNoMatch:
		return "No matching knowledge was found. The ticket has been escalated to a support agent."
	case ReasonAbstained, ReasonCannotHelp, ReasonEmptyReply:
		return "The assistant could not resolve this issue. The ticket has been escalated to a support agent."
	case ReasonEngineError:
		return "The assistant is currently unavailable. The ticket has been escalated to a support agent."
	case ReasonRequested:
		return "The requester asked for a support agent."
	default:
		return "The ticket has been escalated to a support agent."
	}
}
