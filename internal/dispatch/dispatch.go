// Package dispatch processes inbound chat messages. Each user gets a FIFO
// lane so their messages are answered in order, and a global semaphore
// bounds how many are answered at once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/walnut-ai/was/internal/answer"
	"github.com/walnut-ai/was/internal/platform"
	"github.com/walnut-ai/was/internal/session"
	"github.com/walnut-ai/was/internal/ticket"
)

const (
	DefaultMaxConcurrent = 8
	DefaultLaneBuffer    = 100
	DefaultLaneIdle      = time.Minute
)

var (
	ErrQueueFull  = errors.New("dispatch queue full")
	ErrNotStarted = errors.New("dispatcher not started")
)

const (
	noticeUnavailable = "Sorry, the assistant is temporarily unavailable. Your question has been passed to our support team and an agent will reply here."
	noticeEscalated   = "I have passed your question to our support team (ticket %s). An agent will follow up here."
	noticeContact     = "For further help please contact our support team."
	noticeImage       = "Sorry, I could not read that image. Please try again or describe the problem in text."

	imageQuery = "Please look at the attached screenshot and help with the problem it shows."
)

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Event is one inbound chat message.
type Event struct {
	Platform  string
	UserID    string
	MessageID string
	Kind      Kind
	Text      string
	ImageKey  string
}

// Assistant answers a question from the knowledge base.
type Assistant interface {
	Answer(ctx context.Context, query string, history []session.Turn, image *answer.Image) (answer.Answer, error)
}

// Escalator records a chat that needs a human.
type Escalator interface {
	Escalate(ctx context.Context, in ticket.EscalatedTicket) (ticket.Ticket, error)
}

type Config struct {
	MaxConcurrent int64
	LaneBuffer    int
	// LaneIdle is how long an empty lane waits for another event before
	// its goroutine exits.
	LaneIdle time.Duration
	Policy   ticket.Policy
}

// Dispatcher answers chat events. Tickets may be nil, in which case an
// escalated conversation gets a contact notice instead of a ticket.
type Dispatcher struct {
	sessions   session.Store
	assistant  Assistant
	tickets    Escalator
	messengers map[string]platform.Messenger
	policy     ticket.Policy
	buffer     int
	idle       time.Duration

	sem     *semaphore.Weighted
	lanes   map[string]chan Event
	pending atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func New(sessions session.Store, assistant Assistant, tickets Escalator, messengers map[string]platform.Messenger, cfg Config) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = DefaultLaneBuffer
	}
	if cfg.LaneIdle <= 0 {
		cfg.LaneIdle = DefaultLaneIdle
	}
	if cfg.Policy.Phrases == nil {
		cfg.Policy = ticket.DefaultPolicy()
	}
	return &Dispatcher{
		sessions:   sessions,
		assistant:  assistant,
		tickets:    tickets,
		messengers: messengers,
		policy:     cfg.Policy,
		buffer:     cfg.LaneBuffer,
		idle:       cfg.LaneIdle,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		lanes:      make(map[string]chan Event),
	}
}

// Start initialises the dispatcher's context. Must be called before Dispatch.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctx, d.cancel = context.WithCancel(ctx)
}

// Stop cancels in-flight work, closes all lanes and waits for them to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	for key, lane := range d.lanes {
		close(lane)
		delete(d.lanes, key)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Dispatch queues an event on its user's lane, creating the lane if the
// user has none. It never blocks.
func (d *Dispatcher) Dispatch(ev Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil || d.ctx.Err() != nil {
		return ErrNotStarted
	}

	key := session.Key(ev.Platform, ev.UserID)
	lane, ok := d.lanes[key]
	if !ok {
		lane = make(chan Event, d.buffer)
		d.lanes[key] = lane
		d.wg.Add(1)
		go d.processLane(key, lane)
	}

	d.pending.Add(1)
	select {
	case lane <- ev:
		return nil
	default:
		d.pending.Add(-1)
		return fmt.Errorf("%w for %s", ErrQueueFull, key)
	}
}

// processLane handles the lane's events in order. A lane that stays empty
// for the idle period removes itself; Dispatch holds d.mu while sending, so
// no event can arrive between the emptiness check and the removal.
func (d *Dispatcher) processLane(key string, lane chan Event) {
	defer d.wg.Done()
	idle := time.NewTimer(d.idle)
	defer idle.Stop()
	for {
		select {
		case ev, ok := <-lane:
			if !ok {
				return
			}
			if err := d.sem.Acquire(d.ctx, 1); err != nil {
				d.pending.Add(-1)
				return
			}
			if err := d.Handle(d.ctx, ev); err != nil {
				slog.Error("event failed", "lane", key, "message_id", ev.MessageID, "error", err)
			}
			d.sem.Release(1)
			d.pending.Add(-1)
			idle.Reset(d.idle)
		case <-idle.C:
			d.mu.Lock()
			if len(lane) == 0 && d.lanes[key] == lane {
				delete(d.lanes, key)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			idle.Reset(d.idle)
		case <-d.ctx.Done():
			return
		}
	}
}

// Lanes returns the number of users with a live lane.
func (d *Dispatcher) Lanes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

// WaitIdle blocks until no events are queued or being processed, or the
// timeout expires. Returns true if idle.
func (d *Dispatcher) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if d.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Handle answers one event synchronously: it reads the user's recent
// turns, asks the assistant, applies the escalation policy, records the
// exchange and replies on the event's platform.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) error {
	m, ok := d.messengers[ev.Platform]
	if !ok {
		return fmt.Errorf("no messenger for platform %q", ev.Platform)
	}

	query := strings.TrimSpace(ev.Text)
	var img *answer.Image
	if ev.Kind == KindImage {
		data, mimeType, err := m.FetchImage(ctx, ev.MessageID, ev.ImageKey)
		if err != nil {
			slog.Warn("fetching image failed", "platform", ev.Platform, "user_id", ev.UserID, "error", err)
			d.send(ctx, m, ev, noticeImage)
			return nil
		}
		img = &answer.Image{MIMEType: mimeType, Data: data}
		if query == "" {
			query = imageQuery
		}
	}
	if query == "" {
		return nil
	}

	key := session.Key(ev.Platform, ev.UserID)
	history := d.sessions.Context(ctx, key)
	ans, err := d.assistant.Answer(ctx, query, history, img)
	if err != nil {
		slog.Warn("answer failed", "platform", ev.Platform, "user_id", ev.UserID, "error", err)
	}
	reason := d.policy.Evaluate(ans, err)

	var reply string
	if err == nil {
		reply = strings.TrimSpace(ans.Reply.Text)
	}
	d.record(ctx, key, query, reply)

	if reason == ticket.ReasonNone {
		d.send(ctx, m, ev, reply)
		return nil
	}

	notice := d.escalate(ctx, ev, query, history, reply, reason)
	switch {
	case err != nil:
		d.send(ctx, m, ev, noticeUnavailable)
	case reply == "":
		d.send(ctx, m, ev, notice)
	default:
		d.send(ctx, m, ev, reply+"\n\n"+notice)
	}
	return nil
}

func (d *Dispatcher) record(ctx context.Context, key, query, reply string) {
	if err := d.sessions.Add(ctx, key, session.RoleUser, query); err != nil {
		slog.Warn("recording user turn failed", "session", key, "error", err)
		return
	}
	if reply == "" {
		return
	}
	if err := d.sessions.Add(ctx, key, session.RoleAssistant, reply); err != nil {
		slog.Warn("recording assistant turn failed", "session", key, "error", err)
	}
}

// escalate opens a human_needed ticket holding the conversation and
// returns the notice to show the user.
func (d *Dispatcher) escalate(ctx context.Context, ev Event, query string, history []session.Turn, reply string, reason ticket.Reason) string {
	slog.Info("escalating chat", "platform", ev.Platform, "user_id", ev.UserID, "reason", reason)
	if d.tickets == nil {
		return noticeContact
	}

	transcript := make([]ticket.Message, 0, len(history)+2)
	for _, turn := range history {
		role := ticket.RoleUser
		if turn.Role == session.RoleAssistant {
			role = ticket.RoleAI
		}
		transcript = append(transcript, ticket.Message{Role: role, Content: turn.Content})
	}
	transcript = append(transcript, ticket.Message{Role: ticket.RoleUser, Content: query})
	if reply != "" {
		transcript = append(transcript, ticket.Message{Role: ticket.RoleAI, Content: reply})
	}

	t, err := d.tickets.Escalate(ctx, ticket.EscalatedTicket{
		UserID:      ev.UserID,
		Category:    ev.Platform,
		Title:       titleFrom(query),
		Description: query,
		Transcript:  transcript,
		Reason:      reason,
	})
	if err != nil {
		slog.Error("creating escalation ticket failed", "user_id", ev.UserID, "error", err)
		return noticeContact
	}
	return fmt.Sprintf(noticeEscalated, t.ID)
}

func (d *Dispatcher) send(ctx context.Context, m platform.Messenger, ev Event, text string) {
	if text == "" {
		return
	}
	if err := m.Send(ctx, ev.UserID, text); err != nil {
		slog.Warn("sending reply failed", "platform", ev.Platform, "user_id", ev.UserID, "error", err)
	}
}

func titleFrom(query string) string {
	const maxRunes = 50
	if utf8.RuneCountInString(query) <= maxRunes {
		return query
	}
	return string([]rune(query)[:maxRunes])
}
