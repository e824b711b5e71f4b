package answer

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sashabaranov/go-openai"

	"github.com/walnut-ai/was/internal/retrieval"
	"github.com/walnut-ai/was/internal/session"
)

const defaultMaxContextTokens = 4000

// noAnswerMarker is the token the model is told to emit when the knowledge
// base does not cover the question.
const noAnswerMarker = "[NO_ANSWER]"

const systemPrompt = `You are a senior technical support engineer for Walnut Coding. Answer the user's question using only the internal knowledge base below. Be professional, polite and direct, and reply in the language of the question.
If the knowledge base does not cover the question, start your reply with ` + noAnswerMarker + ` and then briefly apologise and say a human colleague will follow up.`

// Composer assembles chat messages under a token budget. Knowledge entries
// are kept highest score first and older history is dropped first.
type Composer struct {
	MaxContextTokens int
	count            func(string) int
}

// NewComposer uses the tiktoken encoding for model, falling back to
// cl100k_base and then to a character heuristic.
func NewComposer(model string, maxContextTokens int) *Composer {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		slog.Warn("tokenizer unavailable, using estimate", "error", err)
		return NewComposerWithCounter(EstimateTokens, maxContextTokens)
	}
	return NewComposerWithCounter(func(s string) int {
		return len(enc.Encode(s, nil, nil))
	}, maxContextTokens)
}

// NewComposerWithCounter creates a Composer with a custom token counter.
// If maxContextTokens <= 0, the default (4000) is used.
func NewComposerWithCounter(count func(string) int, maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens, count: count}
}

// Messages builds the system, history and user messages for req.
func (c *Composer) Messages(req Request) []openai.ChatCompletionMessage {
	remaining := c.MaxContextTokens - c.count(systemPrompt) - c.count(req.Query)

	var selected []retrieval.Match
	for _, m := range req.Knowledge.Matches {
		tokens := c.count(m.Title + " " + m.Content)
		if tokens > remaining {
			continue
		}
		selected = append(selected, m)
		remaining -= tokens
	}

	var sb strings.Builder
	sb.WriteString(systemPrompt)
	sb.WriteString("\n\n[Internal Knowledge Base]\n")
	if len(selected) == 0 {
		sb.WriteString("(no relevant entries)")
	} else {
		sb.WriteString(retrieval.Result{Matches: selected}.Block())
	}

	// Walk history newest first so that the oldest turns are dropped.
	var history []openai.ChatCompletionMessage
	for i := len(req.History) - 1; i >= 0; i-- {
		t := req.History[i]
		tokens := c.count(t.Content)
		if tokens > remaining {
			break
		}
		remaining -= tokens
		history = append(history, openai.ChatCompletionMessage{Role: chatRole(t.Role), Content: t.Content})
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: sb.String()})
	for i := len(history) - 1; i >= 0; i-- {
		msgs = append(msgs, history[i])
	}
	msgs = append(msgs, userMessage(req.Query, req.Image))
	return msgs
}

func chatRole(r session.Role) string {
	if r == session.RoleAssistant {
		return openai.ChatMessageRoleAssistant
	}
	return openai.ChatMessageRoleUser
}

func userMessage(query string, img *Image) openai.ChatCompletionMessage {
	if img == nil {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: query}
	}
	text := query
	if text == "" {
		text = "Please look at this screenshot and help with the problem it shows."
	}
	mime := img.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: text},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
				URL: fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(img.Data)),
			}},
		},
	}
}

// parseReply strips the abstain marker and reports whether it was present.
func parseReply(text string) Reply {
	if !strings.Contains(text, noAnswerMarker) {
		return Reply{Text: strings.TrimSpace(text)}
	}
	return Reply{Text: strings.TrimSpace(strings.ReplaceAll(text, noAnswerMarker, "")), Abstained: true}
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
