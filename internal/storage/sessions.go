package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) GetSession(ctx context.Context, userID string) (Session, error) {
	var sess Session
	var touched string
	err := s.db.QueryRowContext(ctx, `SELECT user_id, turns, last_touched FROM sessions WHERE user_id = ?`, userID).
		Scan(&sess.UserID, &sess.Turns, &touched)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("selecting session %s: %w", userID, err)
	}
	if sess.LastTouched, err = parseTime(touched); err != nil {
		return Session{}, fmt.Errorf("parsing last_touched for %s: %w", userID, err)
	}
	return sess, nil
}

func (s *Store) PutSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (user_id, turns, last_touched) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET turns = excluded.turns, last_touched = excluded.last_touched`,
		sess.UserID, sess.Turns, formatTime(sess.LastTouched),
	)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", sess.UserID, err)
	}
	return nil
}

// DeleteSession is a no-op when the session does not exist.
func (s *Store) DeleteSession(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("deleting session %s: %w", userID, err)
	}
	return nil
}

// DeleteSessionsBefore removes sessions last touched before cutoff and
// returns how many were removed.
func (s *Store) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_touched < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) CountSessions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}
