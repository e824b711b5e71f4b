package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/walnut-ai/was/internal/answer"
	"github.com/walnut-ai/was/internal/config"
	"github.com/walnut-ai/was/internal/jobs"
	"github.com/walnut-ai/was/internal/retrieval"
	"github.com/walnut-ai/was/internal/session"
	"github.com/walnut-ai/was/internal/storage"
	"github.com/walnut-ai/was/internal/ticket"
)

var errNoCorpusSource = errors.New("no corpus source configured (set corpus.source or pass --source)")

// app holds the components shared by serve, mcp and corpus rebuild.
type app struct {
	cfg       config.Config
	store     *storage.Store
	client    *answer.Client
	index     *retrieval.Index
	assistant *answer.Assistant
	queue     *jobs.Queue
	tickets   *ticket.Engine
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	client := answer.NewClient(answer.Config{
		APIKey:      cfg.Answer.APIKey,
		BaseURL:     cfg.Answer.BaseURL,
		Model:       cfg.Answer.Model,
		Temperature: float32(cfg.Answer.Temperature),
		Timeout:     cfg.Answer.Timeout,
	}, answer.NewComposer(cfg.Answer.Model, cfg.Answer.MaxContextTokens))
	if cfg.Answer.APIKey == "" {
		slog.Warn("no answer engine API key configured; every question will be escalated")
	}

	index := retrieval.NewIndex(newVectorizer(cfg, client), retrieval.NewSQLiteStore(store.DB()))
	if n, err := index.Restore(ctx); errors.Is(err, retrieval.ErrDimensionMismatch) {
		slog.Error("stored knowledge index was built with another vectorizer; run \"was corpus rebuild\" or set corpus.source", "error", err)
	} else if err != nil {
		slog.Warn("could not restore knowledge index", "error", err)
	} else if n > 0 {
		slog.Info("knowledge index restored", "entries", n)
	}

	assistant := answer.NewAssistant(index, client, cfg.Retrieval.TopK, cfg.Retrieval.Threshold)
	queue := jobs.NewQueue(store)
	tickets := ticket.NewEngine(store, assistant, queue, ticket.Config{
		DiagnoseTimeout: cfg.Ticket.DiagnoseTimeout,
	})

	return &app{
		cfg:       cfg,
		store:     store,
		client:    client,
		index:     index,
		assistant: assistant,
		queue:     queue,
		tickets:   tickets,
	}, nil
}

func newVectorizer(cfg config.Config, client *answer.Client) retrieval.Vectorizer {
	if cfg.Retrieval.Vectorizer == "embedding" {
		return retrieval.NewEmbeddingVectorizer(client.API(), cfg.Retrieval.EmbeddingModel)
	}
	return retrieval.HashVectorizer{Dim: cfg.Retrieval.Dimensions}
}

// sessions returns the configured session store. The second result is
// non-nil only for the persisted backend, which needs periodic purging.
func (a *app) sessions() (session.Store, *session.SQLiteStore) {
	opts := session.Options{
		Window:   a.cfg.Session.Window,
		TTL:      a.cfg.Session.TTL,
		Capacity: a.cfg.Session.Capacity,
	}
	if a.cfg.Session.Backend == "sqlite" {
		s := session.NewSQLiteStore(a.store, opts)
		return s, s
	}
	return session.NewMemoryStore(opts), nil
}

// reloadCorpus re-reads the configured source into the index.
func (a *app) reloadCorpus(ctx context.Context) (int, error) {
	return a.loadCorpus(ctx, a.cfg.Corpus.Source)
}

func (a *app) loadCorpus(ctx context.Context, source string) (int, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return 0, errNoCorpusSource
	}
	return a.index.LoadFile(ctx, source)
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}
