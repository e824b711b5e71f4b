// Package retrieval ranks knowledge-base entries against a query.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/walnut-ai/was/internal/corpus"
)

// Entry is an indexed knowledge-base item. Entries are immutable once
// indexed and replaced wholesale on reload.
type Entry struct {
	Title   string
	Content string
	Vector  []float32
}

// Text is what gets vectorised and what is handed to the answer engine.
func (e Entry) Text() string {
	return e.Title + " " + e.Content
}

// Match is an entry that passed the similarity threshold.
type Match struct {
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Result is the outcome of a search. An empty result is the normal
// "no relevant knowledge" outcome, not an error.
type Result struct {
	Matches []Match
}

// NoMatch reports whether no entry passed the threshold.
func (r Result) NoMatch() bool {
	return len(r.Matches) == 0
}

// Block renders the matches as one context block for the answer engine.
func (r Result) Block() string {
	parts := make([]string, len(r.Matches))
	for i, m := range r.Matches {
		parts[i] = m.Title + " " + m.Content
	}
	return strings.Join(parts, "\n---\n")
}

type snapshot struct {
	entries []Entry
	norms   []float64
}

func newSnapshot(entries []Entry) *snapshot {
	norms := make([]float64, len(entries))
	for i, e := range entries {
		norms[i] = norm(e.Vector)
	}
	return &snapshot{entries: entries, norms: norms}
}

// Index holds the active corpus. Searches read an immutable snapshot and
// never block; Load builds a new snapshot and swaps it in.
type Index struct {
	vectorizer Vectorizer
	store      Store
	current    atomic.Pointer[snapshot]
}

// NewIndex creates an empty index. store may be nil for a memory-only index.
func NewIndex(v Vectorizer, store Store) *Index {
	ix := &Index{vectorizer: v, store: store}
	ix.current.Store(newSnapshot(nil))
	return ix
}

// Load vectorises entries, persists them and makes them the active corpus.
// On any failure the previous corpus stays in effect and the error is a
// *corpus.LoadError.
func (ix *Index) Load(ctx context.Context, entries []corpus.Entry) (int, error) {
	if err := corpus.Check(entries); err != nil {
		return 0, &corpus.LoadError{Err: err}
	}
	texts := make([]string, len(entries))
	indexed := make([]Entry, len(entries))
	for i, e := range entries {
		indexed[i] = Entry{Title: e.Title, Content: e.Content}
		texts[i] = indexed[i].Text()
	}

	vectors, err := VectorizeBatch(ctx, ix.vectorizer, texts)
	if err != nil {
		return 0, &corpus.LoadError{Err: err}
	}
	for i := range indexed {
		indexed[i].Vector = vectors[i]
	}

	if ix.store != nil {
		if err := ix.store.Replace(ctx, indexed); err != nil {
			return 0, &corpus.LoadError{Err: fmt.Errorf("persisting index: %w", err)}
		}
	}

	ix.current.Store(newSnapshot(indexed))
	slog.Info("knowledge index loaded", "entries", len(indexed))
	return len(indexed), nil
}

// LoadFile reads and cleans a corpus source, then loads it.
func (ix *Index) LoadFile(ctx context.Context, path string) (int, error) {
	entries, err := corpus.Load(path)
	if err != nil {
		return 0, err
	}
	n, err := ix.Load(ctx, entries)
	var le *corpus.LoadError
	if errors.As(err, &le) && le.Source == "" {
		le.Source = path
	}
	return n, err
}

// ErrDimensionMismatch means the persisted vectors were built by a different
// vectorizer than the one configured now.
var ErrDimensionMismatch = errors.New("stored vectors do not match the vectorizer")

// Restore activates the persisted corpus without re-vectorising it. The
// first entry is vectorised once to check that the stored vectors have the
// configured length; on a mismatch nothing is activated, since every
// search would score 0.
func (ix *Index) Restore(ctx context.Context) (int, error) {
	if ix.store == nil {
		return 0, nil
	}
	entries, err := ix.store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("restoring index: %w", err)
	}
	if len(entries) > 0 {
		want, err := ix.vectorizer.Vectorize(ctx, entries[0].Text())
		if err != nil {
			slog.Warn("could not verify restored vectors", "error", err)
		} else {
			for i, e := range entries {
				if len(e.Vector) != len(want) {
					return 0, fmt.Errorf("%w: entry %d has %d dimensions, vectorizer produces %d",
						ErrDimensionMismatch, i, len(e.Vector), len(want))
				}
			}
		}
	}
	ix.current.Store(newSnapshot(entries))
	return len(entries), nil
}

// Search returns up to topK entries with cosine similarity >= threshold,
// highest first. Equal scores keep corpus order. The only error source is
// the vectorizer.
func (ix *Index) Search(ctx context.Context, query string, topK int, threshold float64) (Result, error) {
	snap := ix.current.Load()
	if topK <= 0 || len(snap.entries) == 0 {
		return Result{}, nil
	}

	qv, err := ix.vectorizer.Vectorize(ctx, query)
	if err != nil {
		return Result{}, fmt.Errorf("vectorizing query: %w", err)
	}
	qNorm := norm(qv)

	var matches []Match
	for i, e := range snap.entries {
		score := cosine(qv, e.Vector, qNorm, snap.norms[i])
		if score >= threshold {
			matches = append(matches, Match{Title: e.Title, Content: e.Content, Score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return Result{Matches: matches}, nil
}

// Count returns the number of entries in the active corpus.
func (ix *Index) Count() int {
	return len(ix.current.Load().entries)
}
