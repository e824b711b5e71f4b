package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/walnut-ai/was/internal/answer"
	"github.com/walnut-ai/was/internal/platform"
	"github.com/walnut-ai/was/internal/retrieval"
	"github.com/walnut-ai/was/internal/session"
	"github.com/walnut-ai/was/internal/ticket"
)

type sent struct {
	userID string
	text   string
}

type fakeMessenger struct {
	mu       sync.Mutex
	sent     []sent
	image    []byte
	imageErr error
}

func (m *fakeMessenger) Send(_ context.Context, userID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sent{userID, text})
	return nil
}

func (m *fakeMessenger) FetchImage(_ context.Context, _, _ string) ([]byte, string, error) {
	if m.imageErr != nil {
		return nil, "", m.imageErr
	}
	return m.image, "image/png", nil
}

func (m *fakeMessenger) messages() []sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sent(nil), m.sent...)
}

type fakeAssistant struct {
	fn func(query string, history []session.Turn, img *answer.Image) (answer.Answer, error)
}

func (a *fakeAssistant) Answer(_ context.Context, q string, h []session.Turn, img *answer.Image) (answer.Answer, error) {
	return a.fn(q, h, img)
}

func echo(q string, _ []session.Turn, _ *answer.Image) (answer.Answer, error) {
	return answer.Answer{
		Knowledge: retrieval.Result{Matches: []retrieval.Match{{Title: "t", Content: "c", Score: 1}}},
		Reply:     answer.Reply{Text: "re: " + q},
	}, nil
}

type fakeEscalator struct {
	mu      sync.Mutex
	tickets []ticket.EscalatedTicket
	err     error
}

func (e *fakeEscalator) Escalate(_ context.Context, in ticket.EscalatedTicket) (ticket.Ticket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return ticket.Ticket{}, e.err
	}
	e.tickets = append(e.tickets, in)
	return ticket.Ticket{ID: "tk-1", Status: ticket.StatusHumanNeeded}, nil
}

type fixture struct {
	d        *Dispatcher
	sessions *session.MemoryStore
	msgr     *fakeMessenger
	asst     *fakeAssistant
	esc      *fakeEscalator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		sessions: session.NewMemoryStore(session.Options{}),
		msgr:     &fakeMessenger{image: []byte("png")},
		asst:     &fakeAssistant{fn: echo},
		esc:      &fakeEscalator{},
	}
	f.d = New(f.sessions, f.asst, f.esc, map[string]platform.Messenger{platform.Feishu: f.msgr}, cfg)
	return f
}

func textEvent(user, text string) Event {
	return Event{Platform: platform.Feishu, UserID: user, MessageID: "om_" + text, Kind: KindText, Text: text}
}

func TestHandleAnswersAndRecordsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	if err := f.d.Handle(ctx, textEvent("ou_1", "reset password")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	msgs := f.msgr.messages()
	if len(msgs) != 1 || msgs[0].userID != "ou_1" || msgs[0].text != "re: reset password" {
		t.Fatalf("sent = %+v", msgs)
	}
	turns := f.sessions.Context(ctx, session.Key(platform.Feishu, "ou_1"))
	if len(turns) != 2 || turns[0].Role != session.RoleUser || turns[1].Content != "re: reset password" {
		t.Errorf("turns = %+v", turns)
	}
	if len(f.esc.tickets) != 0 {
		t.Error("good answer should not escalate")
	}
}

func TestHandlePassesHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	var lens []int
	f.asst.fn = func(q string, h []session.Turn, img *answer.Image) (answer.Answer, error) {
		lens = append(lens, len(h))
		return echo(q, h, img)
	}

	f.d.Handle(ctx, textEvent("ou_1", "first"))
	f.d.Handle(ctx, textEvent("ou_1", "second"))
	if len(lens) != 2 || lens[0] != 0 || lens[1] != 2 {
		t.Errorf("history lengths = %v, want [0 2]", lens)
	}
}

func TestHandleEscalatesOnCannotHelp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.asst.fn = func(string, []session.Turn, *answer.Image) (answer.Answer, error) {
		return answer.Answer{Reply: answer.Reply{Text: "Sorry, this is not yet covered."}}, nil
	}

	f.d.Handle(ctx, textEvent("ou_1", "how do I export invoices"))

	if len(f.esc.tickets) != 1 {
		t.Fatalf("escalations = %d, want 1", len(f.esc.tickets))
	}
	esc := f.esc.tickets[0]
	if esc.Reason != ticket.ReasonNoMatch || esc.Title != "how do I export invoices" {
		t.Errorf("escalation = %+v", esc)
	}
	if n := len(esc.Transcript); n != 2 || esc.Transcript[1].Role != ticket.RoleAI {
		t.Errorf("transcript = %+v", esc.Transcript)
	}
	msgs := f.msgr.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].text, "tk-1") || !strings.HasPrefix(msgs[0].text, "Sorry") {
		t.Errorf("sent = %+v", msgs)
	}
}

func TestHandleEngineFailureSendsPoliteNotice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.asst.fn = func(string, []session.Turn, *answer.Image) (answer.Answer, error) {
		return answer.Answer{}, &answer.Error{Err: answer.ErrUnavailable}
	}

	if err := f.d.Handle(ctx, textEvent("ou_1", "hello")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	msgs := f.msgr.messages()
	if len(msgs) != 1 || msgs[0].text != noticeUnavailable {
		t.Errorf("sent = %+v", msgs)
	}
	if strings.Contains(msgs[0].text, "answer engine") {
		t.Error("internal error leaked to user")
	}
	if len(f.esc.tickets) != 1 || f.esc.tickets[0].Reason != ticket.ReasonEngineError {
		t.Errorf("escalations = %+v", f.esc.tickets)
	}
	// Only the question is remembered.
	if turns := f.sessions.Context(ctx, session.Key(platform.Feishu, "ou_1")); len(turns) != 1 {
		t.Errorf("turns = %+v", turns)
	}
}

func TestHandleWithoutTicketsOrWithFailingTickets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.d.tickets = nil
	f.asst.fn = func(string, []session.Turn, *answer.Image) (answer.Answer, error) {
		return answer.Answer{}, nil
	}
	f.d.Handle(ctx, textEvent("ou_1", "q"))

	f.d.tickets = &fakeEscalator{err: errors.New("db closed")}
	f.d.Handle(ctx, textEvent("ou_1", "q"))

	for _, m := range f.msgr.messages() {
		if m.text != noticeContact {
			t.Errorf("sent %q, want contact notice", m.text)
		}
	}
}

func TestHandleImage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	var got *answer.Image
	var gotQuery string
	f.asst.fn = func(q string, h []session.Turn, img *answer.Image) (answer.Answer, error) {
		got, gotQuery = img, q
		return echo(q, h, img)
	}

	f.d.Handle(ctx, Event{Platform: platform.Feishu, UserID: "ou_1", MessageID: "om_1", Kind: KindImage, ImageKey: "img_1"})
	if got == nil || string(got.Data) != "png" || got.MIMEType != "image/png" {
		t.Fatalf("image = %+v", got)
	}
	if gotQuery != imageQuery {
		t.Errorf("query = %q", gotQuery)
	}

	f.msgr.imageErr = errors.New("404")
	f.d.Handle(ctx, Event{Platform: platform.Feishu, UserID: "ou_1", Kind: KindImage, ImageKey: "gone"})
	msgs := f.msgr.messages()
	if last := msgs[len(msgs)-1]; last.text != noticeImage {
		t.Errorf("last sent = %q, want image notice", last.text)
	}
}

func TestHandleIgnoresEmptyText(t *testing.T) {
	f := newFixture(t, Config{})
	f.d.Handle(context.Background(), textEvent("ou_1", "   "))
	if len(f.msgr.messages()) != 0 {
		t.Error("empty message should not be answered")
	}
}

func TestHandleUnknownPlatform(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.d.Handle(context.Background(), Event{Platform: "irc", UserID: "u", Text: "hi"}); err == nil {
		t.Fatal("expected error for unknown platform")
	}
}

func TestDispatchPreservesPerUserOrder(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4})
	var mu sync.Mutex
	order := make(map[string][]string)
	f.asst.fn = func(q string, h []session.Turn, img *answer.Image) (answer.Answer, error) {
		time.Sleep(time.Millisecond)
		user, _, _ := strings.Cut(q, "/")
		mu.Lock()
		order[user] = append(order[user], q)
		mu.Unlock()
		return echo(q, h, img)
	}

	f.d.Start(context.Background())
	defer f.d.Stop()

	users := []string{"a", "b", "c"}
	for i := range 10 {
		for _, u := range users {
			if err := f.d.Dispatch(textEvent(u, u+"/"+string(rune('0'+i)))); err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
		}
	}
	if !f.d.WaitIdle(5 * time.Second) {
		t.Fatal("dispatcher did not become idle")
	}

	for _, u := range users {
		got := order[u]
		if len(got) != 10 {
			t.Fatalf("user %s: %d events, want 10", u, len(got))
		}
		for i, q := range got {
			if want := u + "/" + string(rune('0'+i)); q != want {
				t.Errorf("user %s event %d = %q, want %q", u, i, q, want)
			}
		}
	}
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 2})
	var running, peak atomic.Int32
	f.asst.fn = func(q string, h []session.Turn, img *answer.Image) (answer.Answer, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return echo(q, h, img)
	}

	f.d.Start(context.Background())
	defer f.d.Stop()
	for _, u := range []string{"a", "b", "c", "d", "e", "f"} {
		f.d.Dispatch(textEvent(u, "q"))
	}
	if !f.d.WaitIdle(5 * time.Second) {
		t.Fatal("dispatcher did not become idle")
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
	if n := len(f.msgr.messages()); n != 6 {
		t.Errorf("replies = %d, want 6", n)
	}
}

func TestDispatchQueueFull(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, LaneBuffer: 1})
	release := make(chan struct{})
	f.asst.fn = func(q string, h []session.Turn, img *answer.Image) (answer.Answer, error) {
		<-release
		return echo(q, h, img)
	}
	f.d.Start(context.Background())
	defer f.d.Stop()
	defer close(release)

	var full bool
	for range 5 {
		if err := f.d.Dispatch(textEvent("a", "q")); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Error("expected ErrQueueFull once the lane buffer is exhausted")
	}
}

func TestDispatchBeforeStartAndAfterStop(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.d.Dispatch(textEvent("a", "q")); !errors.Is(err, ErrNotStarted) {
		t.Errorf("before Start error = %v, want ErrNotStarted", err)
	}
	f.d.Start(context.Background())
	f.d.Stop()
	if err := f.d.Dispatch(textEvent("a", "q")); !errors.Is(err, ErrNotStarted) {
		t.Errorf("after Stop error = %v, want ErrNotStarted", err)
	}
}

func TestIdleLanesAreReleased(t *testing.T) {
	f := newFixture(t, Config{LaneIdle: 20 * time.Millisecond})
	f.d.Start(context.Background())
	defer f.d.Stop()

	const users = 200
	for i := range users {
		if err := f.d.Dispatch(textEvent(fmt.Sprintf("ou_%d", i), "hi there")); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	if !f.d.WaitIdle(5 * time.Second) {
		t.Fatal("dispatcher did not become idle")
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.d.Lanes() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := f.d.Lanes(); n != 0 {
		t.Fatalf("lanes = %d after idle period, want 0", n)
	}

	// A returning user gets a fresh lane.
	if err := f.d.Dispatch(textEvent("ou_0", "again")); err != nil {
		t.Fatalf("Dispatch after release: %v", err)
	}
	if !f.d.WaitIdle(5 * time.Second) {
		t.Fatal("dispatcher did not become idle")
	}
	if n := len(f.msgr.messages()); n != users+1 {
		t.Errorf("replies = %d, want %d", n, users+1)
	}
}

func TestSessionsAreScopedByPlatform(t *testing.T) {
	ctx := context.Background()
	sessions := session.NewMemoryStore(session.Options{})
	feishu, telegram := &fakeMessenger{}, &fakeMessenger{}
	var histories [][]session.Turn
	asst := &fakeAssistant{fn: func(q string, h []session.Turn, img *answer.Image) (answer.Answer, error) {
		histories = append(histories, h)
		return echo(q, h, img)
	}}
	d := New(sessions, asst, nil, map[string]platform.Messenger{
		platform.Feishu:   feishu,
		platform.Telegram: telegram,
	}, Config{})

	if err := d.Handle(ctx, Event{Platform: platform.Feishu, UserID: "42", Kind: KindText, Text: "reset password"}); err != nil {
		t.Fatalf("Handle feishu: %v", err)
	}
	if err := d.Handle(ctx, Event{Platform: platform.Telegram, UserID: "42", Kind: KindText, Text: "refund"}); err != nil {
		t.Fatalf("Handle telegram: %v", err)
	}

	if len(histories) != 2 {
		t.Fatalf("assistant calls = %d, want 2", len(histories))
	}
	if len(histories[1]) != 0 {
		t.Errorf("telegram history = %v, want empty", histories[1])
	}
	if got := sessions.Context(ctx, session.Key(platform.Feishu, "42")); len(got) != 2 {
		t.Errorf("feishu session = %v, want 2 turns", got)
	}
	if got := sessions.Context(ctx, "42"); len(got) != 0 {
		t.Errorf("bare user id session = %v, want none", got)
	}
}
