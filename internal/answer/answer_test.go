package answer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/walnut-ai/was/internal/retrieval"
	"github.com/walnut-ai/was/internal/session"
)

func chatResponse(content string) map[string]any {
	return map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  DefaultModel,
		"choices": []map[string]any{
			{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: "test-key", BaseURL: srv.URL, Timeout: 5 * time.Second}, nil)
}

func TestClientAsk(t *testing.T) {
	var got openai.ChatCompletionRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(chatResponse("  Restart the app.  "))
	})

	reply, err := c.Ask(context.Background(), Request{
		Query:     "app crashes",
		Knowledge: retrieval.Result{Matches: []retrieval.Match{{Title: "Crash", Content: "Restart the app", Score: 0.9}}},
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if reply.Text != "Restart the app." || reply.Abstained {
		t.Errorf("reply = %+v", reply)
	}
	if got.Model != DefaultModel {
		t.Errorf("model = %q, want %q", got.Model, DefaultModel)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(got.Messages))
	}
	if !strings.Contains(got.Messages[0].Content, "Crash Restart the app") {
		t.Errorf("system message missing knowledge: %q", got.Messages[0].Content)
	}
	if got.Messages[1].Content != "app crashes" {
		t.Errorf("user message = %q", got.Messages[1].Content)
	}
}

func TestClientAskAbstain(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse("[NO_ANSWER] Sorry, a colleague will follow up."))
	})

	reply, err := c.Ask(context.Background(), Request{Query: "?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !reply.Abstained {
		t.Error("Abstained = false, want true")
	}
	if reply.Text != "Sorry, a colleague will follow up." {
		t.Errorf("Text = %q", reply.Text)
	}
}

func TestClientNoAPIKey(t *testing.T) {
	c := NewClient(Config{}, nil)
	_, err := c.Ask(context.Background(), Request{Query: "hi"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	var ae *Error
	if !errors.As(err, &ae) {
		t.Errorf("err = %T, want *Error", err)
	}
}

func TestClientRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
			return
		}
		json.NewEncoder(w).Encode(chatResponse("ok"))
	})

	reply, err := c.Ask(context.Background(), Request{Query: "hi"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if reply.Text != "ok" {
		t.Errorf("Text = %q, want ok", reply.Text)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestClientServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	})

	_, err := c.Ask(context.Background(), Request{Query: "hi"})
	var ae *Error
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("HTTP 500 should not be reported as unavailable")
	}
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: url, Timeout: time.Second}, nil)
	_, err := c.Ask(context.Background(), Request{Query: "hi"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestComposerDropsOldestHistoryFirst(t *testing.T) {
	// One token per rune keeps the arithmetic obvious.
	count := func(s string) int { return len([]rune(s)) }
	budget := count(systemPrompt) + count("q") + 10
	c := NewComposerWithCounter(count, budget)

	msgs := c.Messages(Request{
		Query: "q",
		History: []session.Turn{
			{Role: session.RoleUser, Content: "oldest"},
			{Role: session.RoleAssistant, Content: "mid"},
			{Role: session.RoleUser, Content: "newer"},
		},
	})

	// "newer" (5) + "mid" (3) fit in 10, "oldest" (6) does not.
	var roles, contents []string
	for _, m := range msgs[1 : len(msgs)-1] {
		roles = append(roles, m.Role)
		contents = append(contents, m.Content)
	}
	if strings.Join(contents, ",") != "mid,newer" {
		t.Errorf("history = %v, want [mid newer]", contents)
	}
	if strings.Join(roles, ",") != "assistant,user" {
		t.Errorf("roles = %v, want [assistant user]", roles)
	}
	if msgs[len(msgs)-1].Content != "q" {
		t.Errorf("last message = %q, want the query", msgs[len(msgs)-1].Content)
	}
}

func TestComposerSkipsOversizedKnowledge(t *testing.T) {
	count := func(s string) int { return len(s) }
	c := NewComposerWithCounter(count, len(systemPrompt)+len("q")+20)

	msgs := c.Messages(Request{
		Query: "q",
		Knowledge: retrieval.Result{Matches: []retrieval.Match{
			{Title: "big", Content: strings.Repeat("x", 100), Score: 0.9},
			{Title: "small", Content: "fits", Score: 0.8},
		}},
	})
	sys := msgs[0].Content
	if strings.Contains(sys, "xxxx") {
		t.Error("oversized entry should be skipped")
	}
	if !strings.Contains(sys, "small fits") {
		t.Errorf("system message = %q, want small entry", sys)
	}
}

func TestComposerNoKnowledge(t *testing.T) {
	c := NewComposerWithCounter(EstimateTokens, 0)
	msgs := c.Messages(Request{Query: "q"})
	if !strings.Contains(msgs[0].Content, "(no relevant entries)") {
		t.Errorf("system message = %q", msgs[0].Content)
	}
}

func TestComposerImage(t *testing.T) {
	c := NewComposerWithCounter(EstimateTokens, 0)
	msgs := c.Messages(Request{Query: "what is this", Image: &Image{MIMEType: "image/jpeg", Data: []byte{0xff, 0xd8}}})

	last := msgs[len(msgs)-1]
	if len(last.MultiContent) != 2 {
		t.Fatalf("MultiContent = %+v", last.MultiContent)
	}
	if last.MultiContent[0].Text != "what is this" {
		t.Errorf("text part = %q", last.MultiContent[0].Text)
	}
	if url := last.MultiContent[1].ImageURL.URL; url != "data:image/jpeg;base64,/9g=" {
		t.Errorf("image url = %q", url)
	}
}

type fakeSearcher struct {
	result retrieval.Result
	err    error
	query  string
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ int, _ float64) (retrieval.Result, error) {
	f.query = query
	return f.result, f.err
}

type fakeEngine struct {
	reply Reply
	err   error
	req   Request
}

func (f *fakeEngine) Ask(_ context.Context, req Request) (Reply, error) {
	f.req = req
	return f.reply, f.err
}

func TestAssistantAnswer(t *testing.T) {
	knowledge := retrieval.Result{Matches: []retrieval.Match{{Title: "a", Content: "b"}}}
	s := &fakeSearcher{result: knowledge}
	e := &fakeEngine{reply: Reply{Text: "done"}}
	a := NewAssistant(s, e, 3, 0.5)

	history := []session.Turn{{Role: session.RoleUser, Content: "earlier"}}
	ans, err := a.Answer(context.Background(), "help", history, nil)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Reply.Text != "done" || ans.Knowledge.NoMatch() {
		t.Errorf("answer = %+v", ans)
	}
	if s.query != "help" || len(e.req.History) != 1 {
		t.Errorf("engine request = %+v", e.req)
	}
}

func TestAssistantEngineErrorKeepsKnowledge(t *testing.T) {
	s := &fakeSearcher{}
	e := &fakeEngine{err: &Error{Err: ErrUnavailable}}
	a := NewAssistant(s, e, 3, 0.5)

	ans, err := a.Answer(context.Background(), "help", nil, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if !ans.Knowledge.NoMatch() {
		t.Errorf("knowledge = %+v", ans.Knowledge)
	}
}

func TestAssistantSearchError(t *testing.T) {
	boom := errors.New("vectorizer down")
	a := NewAssistant(&fakeSearcher{err: boom}, &fakeEngine{}, 3, 0.5)
	if _, err := a.Answer(context.Background(), "help", nil, nil); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}
