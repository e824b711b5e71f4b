// Package answer turns a question plus retrieved knowledge into a reply
// from an OpenAI-compatible completion endpoint.
package answer

import (
	"context"
	"errors"
	"fmt"

	"github.com/walnut-ai/was/internal/retrieval"
	"github.com/walnut-ai/was/internal/session"
)

// ErrUnavailable means the completion endpoint is not configured or could
// not be reached.
var ErrUnavailable = errors.New("answer engine unavailable")

// Error is returned for any failed completion call.
type Error struct {
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("answer engine: %v", e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Image is an inline picture attached to a question.
type Image struct {
	MIMEType string
	Data     []byte
}

// Request is everything the engine needs to answer one question.
type Request struct {
	Query     string
	Knowledge retrieval.Result
	History   []session.Turn
	Image     *Image
}

// Reply is the engine's answer. Abstained is set when the model signalled
// that the knowledge provided does not cover the question.
type Reply struct {
	Text      string
	Abstained bool
}

// Engine produces a reply for a request.
type Engine interface {
	Ask(ctx context.Context, req Request) (Reply, error)
}

// Searcher is the read side of the knowledge index.
type Searcher interface {
	Search(ctx context.Context, query string, topK int, threshold float64) (retrieval.Result, error)
}

// Answer is the combined outcome of retrieval and completion.
type Answer struct {
	Knowledge retrieval.Result
	Reply     Reply
}

// Assistant runs search then completion.
type Assistant struct {
	index     Searcher
	engine    Engine
	topK      int
	threshold float64
}

func NewAssistant(index Searcher, engine Engine, topK int, threshold float64) *Assistant {
	return &Assistant{index: index, engine: engine, topK: topK, threshold: threshold}
}

// Answer retrieves knowledge for query and asks the engine. A retrieval
// miss is not an error: the engine is still asked so that it can reply
// politely, and the caller decides on escalation from Knowledge.NoMatch.
// The returned Answer carries the retrieval result even when the engine
// call fails.
func (a *Assistant) Answer(ctx context.Context, query string, history []session.Turn, image *Image) (Answer, error) {
	knowledge, err := a.index.Search(ctx, query, a.topK, a.threshold)
	if err != nil {
		return Answer{}, fmt.Errorf("searching knowledge: %w", err)
	}

	reply, err := a.engine.Ask(ctx, Request{Query: query, Knowledge: knowledge, History: history, Image: image})
	if err != nil {
		return Answer{Knowledge: knowledge}, err
	}
	return Answer{Knowledge: knowledge, Reply: reply}, nil
}
