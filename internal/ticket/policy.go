package ticket

import (
	"strings"

	"github.com/walnut-ai/was/internal/answer"
)

// DefaultPhrases mark a reply in which the model admits it cannot help.
var DefaultPhrases = []string{
	"sorry",
	"not yet covered",
	"cannot help",
	"unable to answer",
	"抱歉",
	"暂未收录",
	"无法回答",
}

// Reason explains why a conversation was escalated.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonNoMatch     Reason = "no_match"
	ReasonAbstained   Reason = "abstained"
	ReasonCannotHelp  Reason = "cannot_help"
	ReasonEmptyReply  Reason = "empty_reply"
	ReasonEngineError Reason = "engine_error"
	ReasonRequested   Reason = "requested"
)

// Policy decides whether an answer is good enough to stand on its own.
type Policy struct {
	Phrases []string
}

func DefaultPolicy() Policy {
	return Policy{Phrases: DefaultPhrases}
}

// Evaluate returns ReasonNone when the answer may be sent as is, or the
// reason it must go to a human. Phrases match case-insensitively anywhere
// in the reply.
func (p Policy) Evaluate(ans answer.Answer, err error) Reason {
	switch {
	case err != nil:
		return ReasonEngineError
	case ans.Knowledge.NoMatch():
		return ReasonNoMatch
	case ans.Reply.Abstained:
		return ReasonAbstained
	case strings.TrimSpace(ans.Reply.Text) == "":
		return ReasonEmptyReply
	}
	text := strings.ToLower(ans.Reply.Text)
	for _, phrase := range p.Phrases {
		if phrase != "" && strings.Contains(text, strings.ToLower(phrase)) {
			return ReasonCannotHelp
		}
	}
	return ReasonNone
}
