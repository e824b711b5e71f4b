package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/walnut-ai/was/internal/keylock"
	"github.com/walnut-ai/was/internal/storage"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists sessions so they survive restarts. It has no
// capacity bound; expired rows are removed by PurgeExpired.
type SQLiteStore struct {
	store *storage.Store
	locks *keylock.Map
	opts  Options
	clock Clock
}

func NewSQLiteStore(store *storage.Store, opts Options) *SQLiteStore {
	return NewSQLiteStoreWithClock(store, opts, realClock{})
}

// NewSQLiteStoreWithClock creates a SQLiteStore with a custom clock (for testing).
func NewSQLiteStoreWithClock(store *storage.Store, opts Options, clock Clock) *SQLiteStore {
	return &SQLiteStore{store: store, locks: keylock.New(), opts: opts.withDefaults(), clock: clock}
}

func (s *SQLiteStore) Context(ctx context.Context, userID string) []Turn {
	turns, err := s.load(ctx, userID)
	if err != nil {
		slog.Warn("reading session failed", "user_id", userID, "error", err)
		return []Turn{}
	}
	if turns == nil {
		return []Turn{}
	}
	return turns
}

func (s *SQLiteStore) Add(ctx context.Context, userID string, role Role, content string) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	turns, err := s.load(ctx, userID)
	if err != nil {
		return err
	}
	turns = truncate(append(turns, Turn{Role: role, Content: content}), s.opts.Window)

	data, err := encodeTurns(turns)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", userID, err)
	}
	return s.store.PutSession(ctx, storage.Session{UserID: userID, Turns: data, LastTouched: s.clock.Now()})
}

func (s *SQLiteStore) Clear(ctx context.Context, userID string) error {
	unlock := s.locks.Lock(userID)
	defer unlock()
	return s.store.DeleteSession(ctx, userID)
}

// PurgeExpired deletes sessions idle for longer than the TTL.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	return s.store.DeleteSessionsBefore(ctx, s.clock.Now().Add(-s.opts.TTL))
}

// load returns nil for missing or expired sessions.
func (s *SQLiteStore) load(ctx context.Context, userID string) ([]Turn, error) {
	row, err := s.store.GetSession(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expired(row.LastTouched, s.clock.Now(), s.opts.TTL) {
		return nil, nil
	}
	turns, err := decodeTurns(row.Turns)
	if err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", userID, err)
	}
	return turns, nil
}
